package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitesync/sitesync/internal/config"
	"github.com/sitesync/sitesync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Print a run's task counts and recorded exceptions",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	storagePath, err := cfg.Storage.AbsStoragePath()
	if err != nil {
		return fmt.Errorf("resolve storage path: %w", err)
	}
	s, err := store.Open(storagePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	run, err := s.GetRun(runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	counts, err := s.Counts(runID)
	if err != nil {
		return fmt.Errorf("get counts: %w", err)
	}
	exceptions, err := s.ListExceptions(runID)
	if err != nil {
		return fmt.Errorf("list exceptions: %w", err)
	}
	assets, err := s.ListAssetsBySource(run.SourceName)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run:       %s\n", run.ID)
	fmt.Fprintf(out, "source:    %s\n", run.SourceName)
	fmt.Fprintf(out, "status:    %s\n", run.Status)
	fmt.Fprintf(out, "terminal:  %t\n", run.IsTerminal())
	fmt.Fprintf(out, "pending:   %d\n", counts.Pending)
	fmt.Fprintf(out, "in_flight: %d\n", counts.InProgress)
	fmt.Fprintf(out, "finished:  %d\n", counts.Finished)
	fmt.Fprintf(out, "error:     %d\n", counts.Error)
	fmt.Fprintf(out, "assets tracked for source: %d\n", len(assets))
	fmt.Fprintf(out, "exceptions: %d\n", len(exceptions))
	for _, e := range exceptions {
		fmt.Fprintf(out, "  [%s] %s: %s\n", e.Kind, e.URL, e.Message)
	}
	return nil
}
