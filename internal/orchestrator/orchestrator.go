// Package orchestrator is the thin glue visible to the CLI layer (§4.6):
// it creates or resumes a Run, seeds the frontier from a source profile,
// installs the Fetcher and Plugin registry, starts the Executor, and
// reports the end-of-run summary.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitesync/sitesync/internal/config"
	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/executor"
	"github.com/sitesync/sitesync/internal/frontier"
	"github.com/sitesync/sitesync/internal/queue"
	"github.com/sitesync/sitesync/internal/store"
)

// Options controls one invocation of Run.
type Options struct {
	SourceName string
	Resume     bool
	Overrides  []string // start URLs supplied on the command line, if any
}

// Orchestrator owns the Store and dispatches crawl runs against it.
type Orchestrator struct {
	store   *store.Store
	cfg     config.Config
	logger  *zap.Logger
	fetcher domain.Fetcher
	plugins *domain.PluginRegistry
}

// New constructs an Orchestrator bound to a Store and configuration. The
// fetcher and plugin registry are installed once at startup and shared
// across runs, per §4.6 step 4 (plugin registry is read-only after
// startup, §5).
func New(s *store.Store, cfg config.Config, logger *zap.Logger, fetcher domain.Fetcher, plugins *domain.PluginRegistry) *Orchestrator {
	return &Orchestrator{store: s, cfg: cfg, logger: logger, fetcher: fetcher, plugins: plugins}
}

// Run executes §4.6 steps 1-5 for one source and blocks until the run
// terminates, returning its summary.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (executor.Summary, error) {
	srcCfg, ok := o.cfg.Sources[opts.SourceName]
	if !ok {
		return executor.Summary{}, fmt.Errorf("unknown source %q", opts.SourceName)
	}
	profile := srcCfg.Profile(opts.SourceName)
	if len(opts.Overrides) > 0 {
		profile.StartURLs = opts.Overrides
	}

	run, err := o.resolveRun(opts)
	if err != nil {
		return executor.Summary{}, err
	}

	if err := o.seedFrontier(run.ID, profile); err != nil {
		return executor.Summary{}, err
	}

	q := queue.New(o.store, store.BackoffConfig{
		Base:   time.Duration(o.cfg.Crawler.BackoffBaseSeconds) * time.Second,
		Cap:    time.Duration(o.cfg.Crawler.BackoffCapSeconds) * time.Second,
		Jitter: o.cfg.Crawler.JitterFraction,
	}, o.cfg.Crawler.MaxRetries, time.Duration(o.cfg.Crawler.LeaseTTLSeconds)*time.Second)

	f := frontier.New(profile)

	exec := executor.New(run.ID, executor.Config{
		ParallelAgents:       o.cfg.Crawler.ParallelAgents,
		PagesPerAgent:        o.cfg.Crawler.PagesPerAgent,
		MaxInFlight:          o.cfg.Crawler.EffectiveMaxInFlight(),
		FetchTimeout:         time.Duration(o.cfg.Crawler.FetchTimeoutSeconds) * time.Second,
		AuthRedirectPrefixes: o.cfg.Crawler.AuthRedirectPrefixes,
	}, o.store, q, f, o.logger)

	summary, err := exec.Run(ctx, executor.WorkerDeps{
		Fetcher: o.fetcher,
		Plugins: o.plugins,
		Profile: profile,
	})
	if err != nil {
		o.logger.Error("executor run failed", zap.Error(err))
		_ = o.store.FinalizeRun(run.ID, domain.RunError, time.Now().Unix())
		return executor.Summary{}, err
	}

	o.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(summary.FinalStatus)),
		zap.Int("finished", summary.Counts.Finished),
		zap.Int("errors", summary.Counts.Error),
		zap.Int("exceptions", len(summary.Exceptions)),
	)
	return summary, nil
}

// resolveRun implements §4.6 step 2: attach to the newest resumable run on
// --resume, or create a new one.
func (o *Orchestrator) resolveRun(opts Options) (domain.Run, error) {
	if opts.Resume {
		existing, err := o.store.LatestResumableRun(opts.SourceName)
		if err != nil {
			return domain.Run{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	run := domain.Run{
		ID:         uuid.New().String(),
		SourceName: opts.SourceName,
		StartedAt:  time.Now(),
		Status:     domain.RunRunning,
	}
	if err := o.store.CreateRun(run); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// seedFrontier implements §4.6 step 3: one task per start URL at depth 0.
// Duplicates across a resumed run are ignored via ErrDuplicateTask.
func (o *Orchestrator) seedFrontier(runID string, profile domain.SourceProfile) error {
	now := time.Now()
	for _, startURL := range profile.StartURLs {
		canonical, err := frontier.Canonicalize(startURL, "")
		if err != nil {
			return fmt.Errorf("canonicalize seed %q: %w", startURL, err)
		}
		task := domain.Task{
			ID:         uuid.New().String(),
			RunID:      runID,
			URL:        canonical,
			Depth:      0,
			SourceName: profile.Name,
			NextRunAt:  now,
			UpdatedAt:  now,
		}
		if err := o.store.EnqueueTask(task); err != nil && err != domain.ErrDuplicateTask {
			return fmt.Errorf("seed task %q: %w", canonical, err)
		}
	}
	return nil
}
