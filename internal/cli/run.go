package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitesync/sitesync/internal/app"
	"github.com/sitesync/sitesync/internal/builtin"
	"github.com/sitesync/sitesync/internal/config"
	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/orchestrator"
)

var (
	runResume    bool
	runStartURLs []string
)

var runCmd = &cobra.Command{
	Use:   "run <source>",
	Short: "Run (or resume) a crawl for a configured source",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runResume, "resume", false, "attach to the source's latest resumable run instead of starting a new one")
	runCmd.Flags().StringSliceVar(&runStartURLs, "start-url", nil, "override the source's configured start URLs (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	sourceName := args[0]

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

	summary, err := a.RunCrawl(context.Background(), orchestrator.Options{
		SourceName: sourceName,
		Resume:     runResume,
		Overrides:  runStartURLs,
	})
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s (finished=%d error=%d pending=%d in_progress=%d, %d exceptions, %d runtime deny rules)\n",
		summary.RunID, summary.FinalStatus,
		summary.Counts.Finished, summary.Counts.Error, summary.Counts.Pending, summary.Counts.InProgress,
		len(summary.Exceptions), len(summary.RuntimeDenies))
	return nil
}

// buildCollaborators installs sitesync's default Fetcher and Plugin
// registry. A deployment embedding sitesync as a library would supply
// its own via app.New directly instead of going through the CLI.
func buildCollaborators() (domain.Fetcher, *domain.PluginRegistry) {
	fetcher := builtin.NewHTTPFetcher("")

	factories := map[string]domain.PluginFactory{
		"html": builtin.NewHTMLPlugin,
	}
	registry, failures := domain.NewPluginRegistry(factories, []string{"html"}, builtin.NewHTMLPlugin)
	for name, err := range failures {
		fmt.Printf("plugin %q failed to load: %v\n", name, err)
	}
	return fetcher, registry
}
