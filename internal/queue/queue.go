// Package queue exposes the lease-based task queue operations workers and
// the executor drive a crawl run with. It adds no storage of its own: every
// method delegates straight through to the Store, which owns the single
// transactional boundary (spec §4.1). This package exists to give the
// queue's vocabulary — acquire, renew, finish, fail, release — its own
// narrow interface, independent of the Store's wider surface (runs, assets,
// exceptions).
package queue

import (
	"time"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/store"
)

// Queue is the task-lifecycle surface a worker or executor needs.
type Queue struct {
	store      *store.Store
	backoff    store.BackoffConfig
	maxRetries int
	leaseTTL   time.Duration
}

// New builds a Queue bound to a run's retry and lease configuration.
func New(s *store.Store, backoff store.BackoffConfig, maxRetries int, leaseTTL time.Duration) *Queue {
	return &Queue{store: s, backoff: backoff, maxRetries: maxRetries, leaseTTL: leaseTTL}
}

// Enqueue adds a pending task. ErrDuplicateTask is returned (not wrapped)
// when (run_id, url) already exists, so callers can treat re-discovery of
// an already-queued URL as a no-op.
func (q *Queue) Enqueue(task domain.Task) error {
	return q.store.EnqueueTask(task)
}

// Acquire reclaims expired leases for the run, then leases up to batchSize
// pending tasks to owner. The returned slice may be shorter than batchSize,
// including empty, when fewer tasks are eligible.
func (q *Queue) Acquire(runID, owner string, batchSize int) ([]domain.Task, error) {
	return q.store.Acquire(runID, owner, batchSize, q.leaseTTL, q.maxRetries, q.backoff, time.Now())
}

// Renew extends a held lease. ErrLeaseLost means another owner has already
// reclaimed the task; the caller must stop working it immediately.
func (q *Queue) Renew(taskID, owner string) error {
	return q.store.Renew(taskID, owner, time.Now(), q.leaseTTL)
}

// Finish marks a task complete.
func (q *Queue) Finish(taskID, owner string) error {
	return q.store.Finish(taskID, owner, time.Now())
}

// FailTransient records a retryable failure. The task returns to pending
// with a backoff-computed next_run_at, or moves to error if attempt_count
// would exceed the run's max_retries.
func (q *Queue) FailTransient(taskID, owner, errMsg string) error {
	return q.store.FailTransient(taskID, owner, errMsg, q.maxRetries, q.backoff, time.Now())
}

// FailPermanent records a non-retryable failure; the task moves straight
// to error regardless of attempt_count.
func (q *Queue) FailPermanent(taskID, owner, errMsg string) error {
	return q.store.FailPermanent(taskID, owner, errMsg, time.Now())
}

// Release cooperatively returns a task to pending without charging an
// attempt, used when a run is stopped mid-fetch.
func (q *Queue) Release(taskID, owner string) error {
	return q.store.Release(taskID, owner, time.Now())
}

// Counts reports the run's task status distribution, used by the executor
// to detect drain (pending == 0 && in_progress == 0).
func (q *Queue) Counts(runID string) (store.TaskCounts, error) {
	return q.store.Counts(runID)
}

// LeaseTTL reports the configured lease duration, used by workers to size
// their renewal ticker (lease_ttl / 3).
func (q *Queue) LeaseTTL() time.Duration { return q.leaseTTL }
