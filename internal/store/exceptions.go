package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sitesync/sitesync/internal/domain"
)

// InsertException records a durable failure or missing-asset observation.
func (s *Store) InsertException(e domain.Exception) error {
	_, err := s.db.Exec(
		`INSERT INTO exceptions (id, run_id, task_id, url, kind, message, context_json, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, nullStr(e.TaskID), e.URL, e.Kind, e.Message, e.ContextJSON,
		e.CreatedAt.Unix(), nullableUnix(e.ResolvedAt),
	)
	return err
}

// ListExceptions returns every exception recorded for a run, newest first.
func (s *Store) ListExceptions(runID string) ([]domain.Exception, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, task_id, url, kind, message, context_json, created_at, resolved_at
		 FROM exceptions WHERE run_id = ? ORDER BY created_at DESC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanException(s scanner) (*domain.Exception, error) {
	var e domain.Exception
	var taskID sql.NullString
	var createdAt int64
	var resolvedAt sql.NullInt64

	err := s.Scan(&e.ID, &e.RunID, &taskID, &e.URL, &e.Kind, &e.Message, &e.ContextJSON, &createdAt, &resolvedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan exception: %w", err)
	}
	e.TaskID = strOrEmpty(taskID)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.ResolvedAt = unixOrZero(resolvedAt)
	return &e, nil
}
