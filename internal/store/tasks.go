package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/metrics"
)

// ─── Task Queue operations ──────────────────────────────────────────────────
// These implement the Task Queue's contract (§4.2) directly against the
// tasks table. Acquire executes reclaim, select, and lease in one
// transaction, per spec.

// EnqueueTask inserts a pending task, or returns domain.ErrDuplicateTask if
// (run_id, url) already exists. Idempotent under retry (I5).
func (s *Store) EnqueueTask(task domain.Task) error {
	now := task.UpdatedAt
	if now.IsZero() {
		now = task.NextRunAt
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, run_id, url, depth, source_name, plugin_hint, status,
			attempt_count, next_run_at, lease_owner, lease_expires_at, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?)`,
		task.ID, task.RunID, task.URL, task.Depth, task.SourceName, task.PluginHint,
		string(domain.TaskPending), task.AttemptCount, task.NextRunAt.Unix(), now.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTask
		}
		return err
	}
	return nil
}

// Acquire reclaims expired leases, then selects and leases up to batchSize
// pending, due tasks for owner. All three steps run in one transaction
// (§4.2): no other call can observe a partially-leased batch.
func (s *Store) Acquire(runID, owner string, batchSize int, leaseTTL time.Duration, maxRetries int, backoffCfg BackoffConfig, now time.Time) ([]domain.Task, error) {
	var leased []domain.Task

	err := s.withTx(func(tx *sql.Tx) error {
		if err := s.reclaimExpiredLeases(tx, runID, maxRetries, backoffCfg, now); err != nil {
			return err
		}

		rows, err := tx.Query(
			`SELECT id, run_id, url, depth, source_name, plugin_hint, status,
				attempt_count, next_run_at, lease_owner, lease_expires_at, last_error, updated_at
			 FROM tasks
			 WHERE run_id = ? AND status = 'pending' AND next_run_at <= ?
			 ORDER BY next_run_at ASC, depth ASC, id ASC
			 LIMIT ?`,
			runID, now.Unix(), batchSize,
		)
		if err != nil {
			return err
		}
		var candidates []domain.Task
		for rows.Next() {
			t, err := scanTaskRows(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, *t)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		expiresAt := now.Add(leaseTTL)
		for i := range candidates {
			_, err := tx.Exec(
				`UPDATE tasks SET status = 'in_progress', lease_owner = ?, lease_expires_at = ?, updated_at = ?
				 WHERE id = ?`,
				owner, expiresAt.Unix(), now.Unix(), candidates[i].ID,
			)
			if err != nil {
				return err
			}
			candidates[i].Status = domain.TaskInProgress
			candidates[i].LeaseOwner = owner
			candidates[i].LeaseExpiresAt = expiresAt
			candidates[i].UpdatedAt = now
		}
		leased = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// reclaimExpiredLeases implements §4.2 step 1: expired in_progress tasks
// return to pending with an incremented attempt and a backoff delay, unless
// the increment exceeds maxRetries, in which case they become error.
func (s *Store) reclaimExpiredLeases(tx *sql.Tx, runID string, maxRetries int, backoffCfg BackoffConfig, now time.Time) error {
	rows, err := tx.Query(
		`SELECT id, attempt_count FROM tasks
		 WHERE run_id = ? AND status = 'in_progress' AND lease_expires_at <= ?`,
		runID, now.Unix(),
	)
	if err != nil {
		return err
	}
	type expired struct {
		id      string
		attempt int
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.attempt); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, e := range batch {
		metrics.LeaseReclamations.Inc()
		nextAttempt := e.attempt + 1
		if nextAttempt > maxRetries {
			if _, err := tx.Exec(
				`UPDATE tasks SET status = 'error', lease_owner = NULL, lease_expires_at = NULL,
					attempt_count = ?, last_error = 'lease expired', updated_at = ?
				 WHERE id = ?`,
				nextAttempt, now.Unix(), e.id,
			); err != nil {
				return err
			}
			continue
		}

		delay := Backoff(backoffCfg, nextAttempt)
		metrics.BackoffDelay.Observe(delay.Seconds())
		if _, err := tx.Exec(
			`UPDATE tasks SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL,
				attempt_count = ?, last_error = 'lease expired', next_run_at = ?, updated_at = ?
			 WHERE id = ?`,
			nextAttempt, now.Add(delay).Unix(), now.Unix(), e.id,
		); err != nil {
			return err
		}
	}
	return nil
}

// Renew extends a task's lease if owner still holds it; otherwise
// domain.ErrLeaseLost.
func (s *Store) Renew(taskID, owner string, now time.Time, leaseTTL time.Duration) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = 'in_progress'`,
		now.Add(leaseTTL).Unix(), now.Unix(), taskID, owner,
	)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Finish marks a task finished if it is still in_progress under owner's
// lease. lease_expires_at is not checked.
func (s *Store) Finish(taskID, owner string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'finished', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = 'in_progress'`,
		now.Unix(), taskID, owner,
	)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// FailTransient records a retryable failure. If the incremented attempt
// count exceeds maxRetries the task becomes error instead (§4.2).
func (s *Store) FailTransient(taskID, owner, errMsg string, maxRetries int, backoffCfg BackoffConfig, now time.Time) error {
	row := s.db.QueryRow(
		`SELECT id, run_id, url, depth, source_name, plugin_hint, status,
			attempt_count, next_run_at, lease_owner, lease_expires_at, last_error, updated_at
		 FROM tasks WHERE id = ?`, taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		return err
	}
	if task == nil {
		return domain.ErrTaskNotFound
	}
	if !task.HasValidLease(owner, now) {
		return domain.ErrLeaseLost
	}

	nextAttempt := task.AttemptCount + 1
	if nextAttempt > maxRetries {
		res, err := s.db.Exec(
			`UPDATE tasks SET status = 'error', lease_owner = NULL, lease_expires_at = NULL,
				attempt_count = ?, last_error = ?, updated_at = ?
			 WHERE id = ? AND lease_owner = ?`,
			nextAttempt, errMsg, now.Unix(), taskID, owner,
		)
		if err != nil {
			return err
		}
		if affected(res) == 0 {
			return domain.ErrLeaseLost
		}
		return nil
	}

	delay := Backoff(backoffCfg, nextAttempt)
	metrics.BackoffDelay.Observe(delay.Seconds())
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL,
			attempt_count = ?, last_error = ?, next_run_at = ?, updated_at = ?
		 WHERE id = ? AND lease_owner = ?`,
		nextAttempt, errMsg, now.Add(delay).Unix(), now.Unix(), taskID, owner,
	)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// FailPermanent sets a task to error unconditionally (still scoped to the
// owner's lease to avoid racing a concurrent reclaim).
func (s *Store) FailPermanent(taskID, owner, errMsg string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'error', lease_owner = NULL, lease_expires_at = NULL,
			last_error = ?, updated_at = ?
		 WHERE id = ? AND lease_owner = ?`,
		errMsg, now.Unix(), taskID, owner,
	)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Release returns a task to pending on cooperative stop, without
// incrementing attempt_count.
func (s *Store) Release(taskID, owner string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = 'in_progress'`,
		now.Unix(), taskID, owner,
	)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// TaskCounts holds the drain-detection tuple (§4.2 counts, §4.5 drain
// detector).
type TaskCounts struct {
	Pending    int
	InProgress int
	Finished   int
	Error      int
}

// Counts returns the per-status task tuple for a run.
func (s *Store) Counts(runID string) (TaskCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return TaskCounts{}, err
	}
	defer rows.Close()

	var c TaskCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return TaskCounts{}, err
		}
		switch domain.TaskStatus(status) {
		case domain.TaskPending:
			c.Pending = n
		case domain.TaskInProgress:
			c.InProgress = n
		case domain.TaskFinished:
			c.Finished = n
		case domain.TaskError:
			c.Error = n
		}
	}
	return c, rows.Err()
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, run_id, url, depth, source_name, plugin_hint, status,
			attempt_count, next_run_at, lease_owner, lease_expires_at, last_error, updated_at
		 FROM tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var depth, attempt int
	var nextRunAt, updatedAt int64
	var status, pluginHint string
	var leaseOwner, lastError sql.NullString
	var leaseExpiresAt sql.NullInt64

	err := s.Scan(&t.ID, &t.RunID, &t.URL, &depth, &t.SourceName, &pluginHint, &status,
		&attempt, &nextRunAt, &leaseOwner, &leaseExpiresAt, &lastError, &updatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Depth = depth
	t.PluginHint = pluginHint
	t.Status = domain.TaskStatus(status)
	t.AttemptCount = attempt
	t.NextRunAt = time.Unix(nextRunAt, 0).UTC()
	t.LeaseOwner = strOrEmpty(leaseOwner)
	t.LeaseExpiresAt = unixOrZero(leaseExpiresAt)
	t.LastError = strOrEmpty(lastError)
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*domain.Task, error) { return scanTask(rows) }

func affected(res sql.Result) int64 {
	n, _ := res.RowsAffected()
	return n
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
