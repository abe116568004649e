package store

import (
	"database/sql"
	"fmt"

	"github.com/sitesync/sitesync/internal/domain"
)

// CreateRun inserts a new run row with the status carried by run.
func (s *Store) CreateRun(run domain.Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, source_name, started_at, completed_at, status, config_snapshot_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceName, run.StartedAt.Unix(), nullableUnix(run.CompletedAt),
		string(run.Status), run.ConfigSnapshot,
	)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, source_name, started_at, completed_at, status, config_snapshot_json
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

// LatestResumableRun returns the newest run for sourceName whose status is
// "running" or "stopped" (§4.6 step 2), or nil if none exists.
func (s *Store) LatestResumableRun(sourceName string) (*domain.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, source_name, started_at, completed_at, status, config_snapshot_json
		 FROM runs WHERE source_name = ? AND status IN ('running', 'stopped')
		 ORDER BY started_at DESC LIMIT 1`, sourceName,
	)
	return scanRun(row)
}

// FinalizeRun sets a run's terminal status and completed_at.
// Per the resolved Open Question in spec.md §9, "stopped" also sets
// completed_at for observability.
func (s *Store) FinalizeRun(id string, status domain.RunStatus, completedAtUnix int64) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), completedAtUnix, id,
	)
	return err
}

func scanRun(s scanner) (*domain.Run, error) {
	var r domain.Run
	var startedAt int64
	var completedAt sql.NullInt64
	var status string

	err := s.Scan(&r.ID, &r.SourceName, &startedAt, &completedAt, &status, &r.ConfigSnapshot)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.StartedAt = unixOrZero(sql.NullInt64{Int64: startedAt, Valid: true})
	r.CompletedAt = unixOrZero(completedAt)
	r.Status = domain.RunStatus(status)
	return &r, nil
}
