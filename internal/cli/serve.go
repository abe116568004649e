package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitesync/sitesync/internal/app"
	"github.com/sitesync/sitesync/internal/config"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status HTTP server",
	Long:  `Start sitesync's status server: /healthz, /metrics, and /runs/{id}.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "address to listen on")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fetcher, plugins := buildCollaborators()

	a, err := app.New(cfg, fetcher, plugins)
	if err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer a.Close()

	return a.Serve(context.Background(), serveAddr)
}
