package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/commission-engine/automation"
)

// =============================================================================
// AUTOMATION RUNS
// =============================================================================

// SaveRun implements automation.Store. The runner saves a run when it starts
// and again when it completes.
func (s *Store) SaveRun(ctx context.Context, run automation.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_runs (id, status, summary_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			summary_json = excluded.summary_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, run.ID, string(run.Status), string(summary), nullString(run.Error),
		formatTime(run.StartedAt), nullTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]automation.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, summary_json, error, started_at, completed_at
		FROM automation_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []automation.Run
	for rows.Next() {
		var (
			run                      automation.Run
			status, summary, started string
			runErr, completed        sql.NullString
		)
		if err := rows.Scan(&run.ID, &status, &summary, &runErr, &started, &completed); err != nil {
			return nil, err
		}
		run.Status = automation.RunStatus(status)
		if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", run.ID, err)
		}
		run.Error = runErr.String
		run.StartedAt = parseTime(started)
		run.CompletedAt = parseNullTime(completed)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
