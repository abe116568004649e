// Package executor implements the run-scoped coordinator (§4.5): a bounded
// worker pool, an in-process backpressure gate, a runtime deny-rule
// channel fed by workers' auth-redirect detections, drain detection, and
// single-shot cooperative cancellation.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/frontier"
	"github.com/sitesync/sitesync/internal/metrics"
	"github.com/sitesync/sitesync/internal/queue"
	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/worker"
)

// Config parameterizes one run's Executor.
type Config struct {
	ParallelAgents int
	PagesPerAgent  int
	MaxInFlight    int
	FetchTimeout   time.Duration
	DrainPoll      time.Duration

	AuthRedirectPrefixes []string
}

// DeniedRule records a deny glob the Executor added at runtime, for the
// end-of-run summary's suggested permanent config update.
type DeniedRule struct {
	Host         string
	AuthPrefix   string
	ContinuePath string
}

// Summary is the end-of-run report the Orchestrator hands to its caller.
type Summary struct {
	RunID         string
	FinalStatus   domain.RunStatus
	Counts        store.TaskCounts
	Exceptions    []domain.Exception
	RuntimeDenies map[string][]string
}

// Executor binds one Run to a worker pool and drives it to completion.
type Executor struct {
	cfg      Config
	store    *store.Store
	queue    *queue.Queue
	frontier *frontier.Filter
	logger   *zap.Logger
	runID    string

	mu        sync.Mutex
	inFlight  int
	maxFlight int
	slotFree  chan struct{}

	doneCh   chan struct{}
	doneOnce sync.Once

	authMu      sync.Mutex
	authReports []DeniedRule
}

// New constructs an Executor for one run.
func New(runID string, cfg Config, s *store.Store, q *queue.Queue, f *frontier.Filter, logger *zap.Logger) *Executor {
	maxFlight := cfg.MaxInFlight
	if maxFlight <= 0 {
		maxFlight = cfg.ParallelAgents * cfg.PagesPerAgent
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = 500 * time.Millisecond
	}
	return &Executor{
		cfg:       cfg,
		store:     s,
		queue:     q,
		frontier:  f,
		logger:    logger,
		runID:     runID,
		maxFlight: maxFlight,
		slotFree:  make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
}

// Done returns a channel closed once Cancel has been called.
func (e *Executor) Done() <-chan struct{} { return e.doneCh }

// Cancel broadcasts a single-shot cooperative cancel signal (§4.5). Safe to
// call more than once.
func (e *Executor) Cancel() {
	e.doneOnce.Do(func() { close(e.doneCh) })
}

// AcquireSlot blocks until the backpressure gate admits one more in-flight
// unit of work, or ctx/Done fires first. Returns false if it could not
// acquire because of cancellation.
func (e *Executor) AcquireSlot(ctx context.Context) bool {
	for {
		e.mu.Lock()
		if e.inFlight < e.maxFlight {
			e.inFlight++
			metrics.TasksInFlight.Set(float64(e.inFlight))
			e.mu.Unlock()
			return true
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-e.doneCh:
			return false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// ReleaseSlot returns one unit of in-flight capacity to the gate.
func (e *Executor) ReleaseSlot() {
	e.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	metrics.TasksInFlight.Set(float64(e.inFlight))
	e.mu.Unlock()
}

// ReportAuthRedirect implements the runtime deny-rule channel (§4.4 step
// 4, §4.5): merges new deny globs into the Frontier Filter and records the
// addition for the end-of-run summary.
func (e *Executor) ReportAuthRedirect(host, authPrefix, continuePath string) {
	if authPrefix == "" {
		return
	}
	authGlob := authAreaGlob(authPrefix)
	continueGlob := continuePath + "/**"
	e.frontier.AddRuntimeDeny(host, authGlob, continueGlob)

	e.authMu.Lock()
	e.authReports = append(e.authReports, DeniedRule{Host: host, AuthPrefix: authPrefix, ContinuePath: continuePath})
	e.authMu.Unlock()
}

// authAreaGlob derives a deny rule for an auth prefix's whole area rather
// than just the detected path: "/auth/login" denies "/auth/**", so a
// sibling like "/auth/signup" is denied too.
func authAreaGlob(authPrefix string) string {
	trimmed := strings.Trim(authPrefix, "/")
	segments := strings.SplitN(trimmed, "/", 2)
	if segments[0] == "" {
		return "/**"
	}
	return "/" + segments[0] + "/**"
}

// Run spawns the worker pool, waits for drain or cancellation, then
// finalizes the run and returns its summary.
func (e *Executor) Run(ctx context.Context, deps WorkerDeps) (Summary, error) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.ParallelAgents; i++ {
		owner := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := worker.New(owner, worker.Deps{
				Queue:                e.queue,
				Store:                e.store,
				Fetcher:              deps.Fetcher,
				Plugins:              deps.Plugins,
				Frontier:             e.frontier,
				Coord:                e,
				Profile:              deps.Profile,
				Logger:               e.logger,
				FetchTimeout:         e.cfg.FetchTimeout,
				AuthRedirectPrefixes: e.cfg.AuthRedirectPrefixes,
			})
			w.Run(ctx, e.runID, e.cfg.PagesPerAgent)
		}()
	}

	status := e.awaitTermination(ctx)
	wg.Wait()

	return e.finalize(status)
}

// awaitTermination polls for drain or watches for cancellation/context
// cancellation, returning the run's terminal status.
func (e *Executor) awaitTermination(ctx context.Context) domain.RunStatus {
	ticker := time.NewTicker(e.cfg.DrainPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.Cancel()
			return domain.RunStopped
		case <-e.doneCh:
			return domain.RunStopped
		case <-ticker.C:
			counts, err := e.queue.Counts(e.runID)
			if err != nil {
				e.logger.Error("drain poll failed", zap.Error(err))
				continue
			}
			metrics.TasksByStatus.WithLabelValues("pending").Set(float64(counts.Pending))
			metrics.TasksByStatus.WithLabelValues("in_progress").Set(float64(counts.InProgress))
			metrics.TasksByStatus.WithLabelValues("finished").Set(float64(counts.Finished))
			metrics.TasksByStatus.WithLabelValues("error").Set(float64(counts.Error))
			if counts.Pending == 0 && counts.InProgress == 0 {
				return domain.RunCompleted
			}
		}
	}
}

func (e *Executor) finalize(status domain.RunStatus) (Summary, error) {
	now := time.Now()
	if err := e.store.FinalizeRun(e.runID, status, now.Unix()); err != nil {
		return Summary{}, fmt.Errorf("finalize run: %w", err)
	}

	// A run that only drained to completion saw every reachable asset, so
	// any asset not touched since it started is missing this time around.
	// A stopped (cancelled) run didn't finish the crawl, so its absences
	// are inconclusive and get no sweep.
	if status == domain.RunCompleted {
		run, err := e.store.GetRun(e.runID)
		if err != nil {
			return Summary{}, fmt.Errorf("load run for missing-asset sweep: %w", err)
		}
		if _, err := e.store.SweepMissingAssets(e.runID, run.SourceName, run.StartedAt); err != nil {
			return Summary{}, fmt.Errorf("sweep missing assets: %w", err)
		}
	}

	counts, err := e.queue.Counts(e.runID)
	if err != nil {
		return Summary{}, fmt.Errorf("final counts: %w", err)
	}
	exceptions, err := e.store.ListExceptions(e.runID)
	if err != nil {
		return Summary{}, fmt.Errorf("list exceptions: %w", err)
	}

	return Summary{
		RunID:         e.runID,
		FinalStatus:   status,
		Counts:        counts,
		Exceptions:    exceptions,
		RuntimeDenies: e.frontier.RuntimeDenyRules(),
	}, nil
}

// WorkerDeps bundles the collaborators workers need but the Executor
// itself does not hold state for.
type WorkerDeps struct {
	Fetcher domain.Fetcher
	Plugins *domain.PluginRegistry
	Profile domain.SourceProfile
}
