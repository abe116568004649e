// Package store provides sitesync's embedded transactional database: runs,
// tasks, assets, asset versions, and exceptions. Multi-step state
// transitions (Acquire's reclaim/select/lease, asset versioning, the
// missing-asset sweep) run inside one transaction on the store's single
// connection (see runTx), so readers never observe partial lease
// reassignment; single-row transitions are one guarded UPDATE each.
// No other package issues ad-hoc SQL — every operation other components
// need is exposed here as a typed method.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/metrics"
)

// Store wraps a SQLite connection configured for WAL mode and a single
// writer, matching SQLite's single-writer model (§4.1).
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; serialize all access through one connection
	// so transactions never interleave at the driver level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close cleanly shuts down the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks database connectivity.
func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id             TEXT PRIMARY KEY,
			source_name    TEXT NOT NULL,
			started_at     INTEGER NOT NULL,
			completed_at   INTEGER,
			status         TEXT NOT NULL,
			config_snapshot_json TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_source_status ON runs(source_name, status)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			run_id           TEXT NOT NULL REFERENCES runs(id),
			url              TEXT NOT NULL,
			depth            INTEGER NOT NULL,
			source_name      TEXT NOT NULL,
			plugin_hint      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			next_run_at      INTEGER NOT NULL,
			lease_owner      TEXT,
			lease_expires_at INTEGER,
			last_error       TEXT,
			updated_at       INTEGER NOT NULL,
			UNIQUE(run_id, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run_status_next ON tasks(run_id, status, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease_expiry ON tasks(run_id, status, lease_expires_at)`,

		`CREATE TABLE IF NOT EXISTS assets (
			id            TEXT PRIMARY KEY,
			source_name   TEXT NOT NULL,
			url           TEXT NOT NULL,
			asset_type    TEXT NOT NULL,
			first_seen_at INTEGER NOT NULL,
			last_seen_at  INTEGER NOT NULL,
			UNIQUE(source_name, url)
		)`,

		`CREATE TABLE IF NOT EXISTS asset_versions (
			id              TEXT PRIMARY KEY,
			asset_id        TEXT NOT NULL REFERENCES assets(id),
			run_id          TEXT NOT NULL REFERENCES runs(id),
			normalized_hash TEXT NOT NULL,
			raw_hash        TEXT NOT NULL,
			payload_ref     TEXT NOT NULL DEFAULT '',
			diff_class      TEXT NOT NULL,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_asset_created ON asset_versions(asset_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS exceptions (
			id           TEXT PRIMARY KEY,
			run_id       TEXT NOT NULL REFERENCES runs(id),
			task_id      TEXT REFERENCES tasks(id),
			url          TEXT NOT NULL,
			kind         TEXT NOT NULL,
			message      TEXT NOT NULL,
			context_json TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			resolved_at  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exceptions_run ON exceptions(run_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Transaction retry helper ───────────────────────────────────────────────

// withTx runs fn inside one transaction (see runTx), retrying on
// transient lock contention with bounded exponential backoff (≤8
// attempts, capped at ~2s), per §4.1's failure semantics.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	const maxAttempts = 8
	const capDelay = 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.runTx(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientLockErr(err) {
			return err
		}
		metrics.StoreRetries.Inc()

		delay := time.Duration(1<<uint(attempt-1)) * 10 * time.Millisecond
		if delay > capDelay {
			delay = capDelay
		}
		delay += time.Duration(rand.Int63n(int64(delay/4 + 1)))
		time.Sleep(delay)
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, lastErr)
}

// runTx opens one transaction and runs fn inside it. The connection pool is
// capped at a single connection (Open sets SetMaxOpenConns(1)), so a live
// *sql.Tx holds sitesync's only connection for its whole lifetime — this is
// the "equivalent serializable escalation" spec §4.1 allows in place of a
// literal BEGIN IMMEDIATE: no second transaction can begin, acquire a task,
// or observe a partial lease reassignment while this one is open.
func (s *Store) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isTransientLockErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// ─── Shared helpers ─────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixOrZero(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOrEmpty(n sql.NullString) string {
	if !n.Valid {
		return ""
	}
	return n.String
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
