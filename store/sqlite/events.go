package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/commission-engine/automation"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// EVENT INBOX
// =============================================================================

// IngestEvent stores a validated event as pending. A second event with the
// same natural key fails with *generic.DuplicateEventError, unless it
// supersedes a still pending one (a threshold re-report with more points),
// in which case the pending payload is replaced and its attempts reset.
func (s *Store) IngestEvent(ctx context.Context, ev commission.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := commission.EncodePayload(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_key, kind, source_id, occurred_at, payload_json, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Key(), string(ev.Kind()), string(ev.Source()), ev.OccurredAt().String(), string(payload), formatTime(s.now()))
	if err != nil {
		if isUniqueConstraintError(err) {
			return s.supersede(ctx, ev, payload)
		}
		return fmt.Errorf("ingest %s: %w", ev.Key(), err)
	}
	return nil
}

// supersede replaces a pending event with ev when commission.Supersedes
// allows it. The caller holds the write lock.
func (s *Store) supersede(ctx context.Context, ev commission.Event, payload []byte) error {
	duplicate := &generic.DuplicateEventError{EventKey: ev.Key()}

	records, err := queryEvents(ctx, s.db, eventColumns+` WHERE event_key = ?`, ev.Key())
	if err != nil {
		return err
	}
	if len(records) == 0 || !records[0].Pending() || !commission.Supersedes(ev, records[0].Event) {
		return duplicate
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET payload_json = ?, occurred_at = ?, attempts = 0, last_error = NULL
		WHERE event_key = ? AND processed_at IS NULL
	`, string(payload), ev.OccurredAt().String(), ev.Key())
	if err != nil {
		return fmt.Errorf("supersede %s: %w", ev.Key(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return duplicate
	}
	s.logger.WithField("event_key", ev.Key()).Info("Pending event superseded")
	return nil
}

// EventFilter selects events for ListEvents. Zero values match everything.
type EventFilter struct {
	Pending *bool
	Kind    commission.EventKind
	Limit   int
}

// ListEvents returns events in ingestion order.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]automation.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := eventColumns + ` WHERE 1 = 1`
	var args []any
	if f.Pending != nil {
		if *f.Pending {
			query += ` AND processed_at IS NULL`
		} else {
			query += ` AND processed_at IS NOT NULL`
		}
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY ingested_at, rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryEvents(ctx, s.db, query, args...)
}

// ListPendingEvents implements automation.Store. Events are returned fewest
// attempts first, then in ingestion order, so events that keep failing never
// crowd fresh ones out of a batch.
func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]automation.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := eventColumns + ` WHERE processed_at IS NULL ORDER BY attempts, ingested_at, rowid`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryEvents(ctx, s.db, query, args...)
}

// GetEvent returns generic.ErrNotFound when key is unknown.
func (s *Store) GetEvent(ctx context.Context, key string) (*automation.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := queryEvents(ctx, s.db, eventColumns+` WHERE event_key = ?`, key)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("event %s: %w", key, generic.ErrNotFound)
	}
	return &records[0], nil
}

// RecordEventFailure bumps the attempt counter of a pending event.
func (s *Store) RecordEventFailure(ctx context.Context, key string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET attempts = attempts + 1, last_error = ?
		WHERE event_key = ? AND processed_at IS NULL
	`, cause.Error(), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending event %s: %w", key, generic.ErrNotFound)
	}
	return nil
}

// ReopenEvent clears the processed mark so the next run recomputes the
// event. Stored line items and obligations are kept; differing amounts
// surface as scheduling conflicts.
func (s *Store) ReopenEvent(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE events SET processed_at = NULL WHERE event_key = ?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", key, generic.ErrNotFound)
	}
	return nil
}

// ClaimEvent implements automation.Tx with an optimistic update: only a
// pending row can be claimed.
func (ts *txStore) ClaimEvent(ctx context.Context, key string, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE events SET processed_at = ?, attempts = attempts + 1, last_error = NULL
		WHERE event_key = ? AND processed_at IS NULL
	`, formatTime(at), key)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := ts.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE event_key = ?`, key).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("event %s: %w", key, generic.ErrNotFound)
		}
		return &generic.DuplicateEventError{EventKey: key}
	}
	return nil
}

const eventColumns = `
	SELECT event_key, kind, payload_json, ingested_at, processed_at, attempts, last_error
	FROM events`

func queryEvents(ctx context.Context, db execer, query string, args ...any) ([]automation.EventRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.EventRecord
	for rows.Next() {
		var (
			rec                     automation.EventRecord
			kind, payload, ingested string
			processed, lastError    sql.NullString
		)
		if err := rows.Scan(&rec.Key, &kind, &payload, &ingested, &processed, &rec.Attempts, &lastError); err != nil {
			return nil, err
		}
		rec.Kind = commission.EventKind(kind)
		ev, err := commission.DecodePayload(rec.Kind, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", rec.Key, err)
		}
		rec.Event = ev
		rec.IngestedAt = parseTime(ingested)
		rec.ProcessedAt = parseNullTime(processed)
		rec.LastError = lastError.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
