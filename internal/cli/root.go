// Package cli implements sitesync's command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sitesync",
	Short: "sitesync — resumable website mirroring",
	Long: `sitesync crawls configured sources, normalizes fetched payloads into
typed asset records, and persists version history in a local embedded
database. Crawls are resumable across process restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "sitesync.toml", "path to configuration file")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
