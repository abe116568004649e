// Package main is sitesync's single-binary entrypoint.
package main

import "github.com/sitesync/sitesync/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
