// Package worker implements the per-task lifecycle (§4.4): lease renewal,
// timed fetch, auth-redirect suppression, plugin normalization, asset
// versioning, outbound link discovery, and task completion.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/frontier"
	"github.com/sitesync/sitesync/internal/metrics"
	"github.com/sitesync/sitesync/internal/queue"
	"github.com/sitesync/sitesync/internal/store"
)

// Coordinator is the subset of the Executor a Worker needs: backpressure,
// the runtime deny channel, and cancellation. Keeping this as an interface
// (rather than a back-reference to *executor.Executor) avoids the cyclic
// reference the design notes call out — a worker holds a handle to its
// collaborators, never to the coordinator itself.
type Coordinator interface {
	AcquireSlot(ctx context.Context) bool
	ReleaseSlot()
	ReportAuthRedirect(host string, authPrefix, continuePath string)
	Done() <-chan struct{}
}

// Deps bundles a Worker's collaborators.
type Deps struct {
	Queue    *queue.Queue
	Store    *store.Store
	Fetcher  domain.Fetcher
	Plugins  *domain.PluginRegistry
	Frontier *frontier.Filter
	Coord    Coordinator
	Profile  domain.SourceProfile
	Logger   *zap.Logger

	FetchTimeout        time.Duration
	AuthRedirectPrefixes []string
}

// Worker pulls leased tasks for one owner ID and drives each through
// fetch, normalize, version, discover, complete.
type Worker struct {
	id   string
	deps Deps
}

// New constructs a Worker identified by owner (used as the task lease
// owner and logged as the worker's identity).
func New(owner string, deps Deps) *Worker {
	return &Worker{id: owner, deps: deps}
}

// Run repeatedly acquires and processes batches of tasks until ctx is
// cancelled or the coordinator signals done. Each task's processing is
// gated by Coord.AcquireSlot, which blocks while the run already has
// max_in_flight tasks in progress (§4.5).
func (w *Worker) Run(ctx context.Context, runID string, batchSize int) {
	log := w.deps.Logger.With(zap.String("worker", w.id))
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.deps.Coord.Done():
			return
		default:
		}

		tasks, err := w.deps.Queue.Acquire(runID, w.id, batchSize)
		if err != nil {
			log.Error("acquire failed", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-w.deps.Coord.Done():
				return
			case <-time.After(300 * time.Millisecond):
			}
			continue
		}

		for i, task := range tasks {
			select {
			case <-ctx.Done():
				w.releaseBatch(tasks[i:], log)
				return
			case <-w.deps.Coord.Done():
				w.releaseBatch(tasks[i:], log)
				return
			default:
			}
			if !w.deps.Coord.AcquireSlot(ctx) {
				w.releaseBatch(tasks[i:], log)
				return
			}
			w.process(ctx, task, log)
			w.deps.Coord.ReleaseSlot()
		}
	}
}

// releaseBatch releases every task still leased to this worker from an
// interrupted batch. A stop must hand back the whole unprocessed remainder
// of Queue.Acquire's lease, not just the task in hand, or the rest sit
// in_progress until lease expiry reclaims them and bumps attempt_count
// (§4.5 requires releasing in-flight leases without touching attempt_count).
func (w *Worker) releaseBatch(tasks []domain.Task, log *zap.Logger) {
	for _, task := range tasks {
		w.release(task, log)
	}
}

func (w *Worker) release(task domain.Task, log *zap.Logger) {
	if err := w.deps.Queue.Release(task.ID, w.id); err != nil && err != domain.ErrLeaseLost {
		log.Warn("release on cancel failed", zap.String("task", task.ID), zap.Error(err))
	}
}

// process drives one task through the full lifecycle described in §4.4.
func (w *Worker) process(parent context.Context, task domain.Task, log *zap.Logger) {
	log = log.With(zap.String("task", task.ID), zap.String("url", task.URL))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic processing task", zap.Any("recover", r))
			w.failTransient(task, fmt.Sprintf("panic: %v", r), log)
		}
	}()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	renewDone := make(chan struct{})
	leaseLost := make(chan struct{}, 1)
	go w.renewLoop(ctx, task.ID, renewDone, leaseLost)
	defer func() { close(renewDone) }()

	fetchStart := time.Now()
	fetchCtx, fetchCancel := context.WithTimeout(ctx, w.deps.FetchTimeout)
	result, ferr := w.deps.Fetcher.Fetch(fetchCtx, task.URL, w.deps.Profile)
	fetchCancel()
	outcome := "ok"
	if ferr != nil {
		outcome = "error"
	}
	metrics.FetchDuration.WithLabelValues(outcome).Observe(time.Since(fetchStart).Seconds())

	select {
	case <-leaseLost:
		log.Warn("lease lost during fetch, abandoning task")
		return
	default:
	}

	if ferr != nil {
		w.handleFetchError(task, ferr, fetchCtx, log)
		return
	}

	if w.isAuthRedirect(result) {
		w.handleAuthRedirect(task, result, log)
		if err := w.recordVersion(task, result, log); err != nil {
			log.Warn("record version after auth redirect failed", zap.Error(err))
		}
		w.finish(task, log)
		return
	}

	plugin := w.deps.Plugins.Select(task.PluginHint, result)
	if plugin == nil {
		w.failPermanent(task, "no plugin matched fetch result", log)
		return
	}

	record, nerr := plugin.Normalize(result)
	if nerr != nil {
		w.recordException(task, "normalization", nerr.Error(), log)
		w.failPermanent(task, nerr.Error(), log)
		return
	}

	if _, err := w.recordAssetVersion(task, record); err != nil {
		log.Error("record asset version failed", zap.Error(err))
		w.failTransient(task, err.Error(), log)
		return
	}

	w.discoverLinks(task, record, log)
	w.finish(task, log)
}

func (w *Worker) renewLoop(ctx context.Context, taskID string, done <-chan struct{}, leaseLost chan<- struct{}) {
	interval := w.deps.Queue.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.deps.Queue.Renew(taskID, w.id); err != nil {
				select {
				case leaseLost <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (w *Worker) isAuthRedirect(result *domain.FetchResult) bool {
	u, err := url.Parse(result.FinalURL)
	if err != nil {
		return false
	}
	for _, prefix := range w.deps.AuthRedirectPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return u.Query().Get("continue") != ""
		}
	}
	return false
}

// handleAuthRedirect implements §4.4 step 4: skip link discovery, report
// the auth prefix and continue path to the Executor's deny channel.
func (w *Worker) handleAuthRedirect(task domain.Task, result *domain.FetchResult, log *zap.Logger) {
	u, err := url.Parse(result.FinalURL)
	if err != nil {
		return
	}
	continuePath := u.Query().Get("continue")
	var matchedPrefix string
	for _, prefix := range w.deps.AuthRedirectPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			matchedPrefix = prefix
			break
		}
	}
	log.Info("auth redirect detected", zap.String("prefix", matchedPrefix), zap.String("continue", continuePath))
	metrics.AuthRedirectsDetected.Inc()
	w.deps.Coord.ReportAuthRedirect(u.Hostname(), matchedPrefix, continuePath)
}

func (w *Worker) handleFetchError(task domain.Task, err error, ctx context.Context, log *zap.Logger) {
	// fetchCtx has already been cancelled by the caller, so only a deadline
	// that expired during the fetch counts as a timeout.
	if ctx.Err() == context.DeadlineExceeded {
		w.failTransient(task, "fetch timeout", log)
		return
	}
	fe, ok := err.(*domain.FetchError)
	if !ok {
		w.failTransient(task, err.Error(), log)
		return
	}
	switch fe.Kind {
	case domain.FetchPermanent:
		w.recordException(task, "fetch", fe.Message, log)
		w.failPermanent(task, fe.Message, log)
	default:
		w.failTransient(task, fe.Message, log)
	}
}

func (w *Worker) recordAssetVersion(task domain.Task, record *domain.AssetRecord) (domain.AssetVersion, error) {
	normalizedHash := sha256Hex(record.NormalizedPayload)
	rawHash := sha256Hex([]byte(record.RawPayloadRef))

	asset := domain.Asset{
		ID:         newID(),
		SourceName: task.SourceName,
		URL:        record.CanonicalURL,
		AssetType:  record.AssetType,
	}
	version := domain.AssetVersion{
		ID:             newID(),
		RunID:          task.RunID,
		NormalizedHash: normalizedHash,
		RawHash:        rawHash,
		PayloadRef:     record.RawPayloadRef,
		CreatedAt:      time.Now(),
	}
	_, storedVersion, err := w.deps.Store.RecordAssetVersion(asset, version)
	return storedVersion, err
}

func (w *Worker) recordVersion(task domain.Task, result *domain.FetchResult, log *zap.Logger) error {
	plugin := w.deps.Plugins.Select(task.PluginHint, result)
	if plugin == nil {
		return fmt.Errorf("no plugin matched auth-redirect page")
	}
	record, err := plugin.Normalize(result)
	if err != nil {
		return err
	}
	_, err = w.recordAssetVersion(task, record)
	return err
}

// discoverLinks implements §4.4 step 7: canonicalize, filter, and enqueue
// outbound links at depth+1. The backpressure gate applies to task
// processing (Run), not enqueueing: a link can sit pending even while the
// run is at max_in_flight.
func (w *Worker) discoverLinks(task domain.Task, record *domain.AssetRecord, log *zap.Logger) {
	for _, link := range record.Relationships {
		canonical, err := frontier.Canonicalize(link, task.URL)
		if err != nil {
			continue
		}
		decision := w.deps.Frontier.Evaluate(canonical, task.Depth+1)
		if !decision.Enqueue {
			continue
		}

		child := domain.Task{
			ID:         newID(),
			RunID:      task.RunID,
			URL:        canonical,
			Depth:      task.Depth + 1,
			SourceName: task.SourceName,
			NextRunAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}
		if err := w.deps.Queue.Enqueue(child); err != nil && err != domain.ErrDuplicateTask {
			log.Warn("enqueue discovered link failed", zap.String("url", canonical), zap.Error(err))
		}
	}
}

func (w *Worker) finish(task domain.Task, log *zap.Logger) {
	if err := w.deps.Queue.Finish(task.ID, w.id); err != nil && err != domain.ErrLeaseLost {
		log.Warn("finish failed", zap.Error(err))
		return
	}
	metrics.TasksCompleted.WithLabelValues("finished").Inc()
}

func (w *Worker) failTransient(task domain.Task, message string, log *zap.Logger) {
	if err := w.deps.Queue.FailTransient(task.ID, w.id, message); err != nil && err != domain.ErrLeaseLost {
		log.Warn("fail_transient failed", zap.Error(err))
		return
	}
	metrics.TasksCompleted.WithLabelValues("retry_or_error").Inc()
}

func (w *Worker) failPermanent(task domain.Task, message string, log *zap.Logger) {
	if err := w.deps.Queue.FailPermanent(task.ID, w.id, message); err != nil && err != domain.ErrLeaseLost {
		log.Warn("fail_permanent failed", zap.Error(err))
		return
	}
	metrics.TasksCompleted.WithLabelValues("error").Inc()
}

func (w *Worker) recordException(task domain.Task, kind, message string, log *zap.Logger) {
	e := domain.Exception{
		ID:        newID(),
		RunID:     task.RunID,
		TaskID:    task.ID,
		URL:       task.URL,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := w.deps.Store.InsertException(e); err != nil {
		log.Error("insert exception failed", zap.Error(err))
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
