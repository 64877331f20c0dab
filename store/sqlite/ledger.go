package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/payment"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// LINE ITEMS (append-only)
// =============================================================================

// AppendLineItems implements automation.Tx. Items whose ID already exists
// are left untouched.
func (ts *txStore) AppendLineItems(ctx context.Context, items []commission.LineItem) (int, error) {
	created := 0
	for _, li := range items {
		res, err := ts.tx.ExecContext(ctx, `
			INSERT INTO line_items (id, source_event_key, commission_type, beneficiary_id, generation,
				amount_value, amount_currency, reference_date, rank, product, rule_version, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, li.ID, li.SourceEventKey, string(li.Type), string(li.BeneficiaryID), li.Generation,
			li.Amount.StringFixed(), string(li.Amount.Currency), li.ReferenceDate.String(),
			li.Rank.String(), string(li.Product), li.RuleVersion, formatTime(li.ComputedAt))
		if err != nil {
			return created, fmt.Errorf("append line item %s: %w", li.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

// LineItemFilter selects line items. Zero values match everything.
type LineItemFilter struct {
	BeneficiaryID  network.NodeID
	SourceEventKey string
	Type           rules.CommissionType
}

// ListLineItems returns line items ordered by computation then insertion.
func (s *Store) ListLineItems(ctx context.Context, f LineItemFilter) ([]commission.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, source_event_key, commission_type, beneficiary_id, generation,
			amount_value, amount_currency, reference_date, rank, product, rule_version, computed_at
		FROM line_items WHERE 1 = 1`
	var args []any
	if f.BeneficiaryID != "" {
		query += ` AND beneficiary_id = ?`
		args = append(args, string(f.BeneficiaryID))
	}
	if f.SourceEventKey != "" {
		query += ` AND source_event_key = ?`
		args = append(args, f.SourceEventKey)
	}
	if f.Type != "" {
		query += ` AND commission_type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY computed_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []commission.LineItem
	for rows.Next() {
		var (
			li                                 commission.LineItem
			typ, ben, value, currency, refDate string
			rank, product, computedAt          string
		)
		if err := rows.Scan(&li.ID, &li.SourceEventKey, &typ, &ben, &li.Generation,
			&value, &currency, &refDate, &rank, &product, &li.RuleVersion, &computedAt); err != nil {
			return nil, err
		}
		li.Type = rules.CommissionType(typ)
		li.BeneficiaryID = network.NodeID(ben)
		if li.Amount, err = generic.ParseAmount(value, generic.Currency(currency)); err != nil {
			return nil, err
		}
		if li.ReferenceDate, err = generic.ParseDate(refDate); err != nil {
			return nil, err
		}
		li.Rank, _ = network.ParseRank(rank)
		li.Product = rules.ProductID(product)
		li.ComputedAt = parseTime(computedAt)
		out = append(out, li)
	}
	return out, rows.Err()
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

// SaveObligations implements automation.Tx. Obligations are created once;
// a second obligation for the same line item is rejected.
func (ts *txStore) SaveObligations(ctx context.Context, obligations []payment.Obligation) error {
	for _, ob := range obligations {
		created := formatTime(ob.CreatedAt)
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO obligations (id, line_item_id, beneficiary_id, commission_type,
				amount_value, amount_currency, due_date, status, paid_at, paid_ref, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ob.ID, ob.LineItemID, string(ob.BeneficiaryID), string(ob.Type),
			ob.Amount.StringFixed(), string(ob.Amount.Currency), ob.DueDate.String(), string(ob.Status),
			nullTime(ob.PaidAt), nullString(ob.PaidRef), created, created)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("obligation for line item %s: %w", ob.LineItemID, generic.ErrDuplicateIdempotencyKey)
			}
			return fmt.Errorf("save obligation %s: %w", ob.ID, err)
		}
	}
	return nil
}

// ObligationByLineItem implements payment.ObligationReader inside the transaction.
func (ts *txStore) ObligationByLineItem(ctx context.Context, lineItemID string) (*payment.Obligation, error) {
	return obligationByLineItem(ctx, ts.tx, lineItemID)
}

// ObligationByLineItem implements payment.ObligationReader.
func (s *Store) ObligationByLineItem(ctx context.Context, lineItemID string) (*payment.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return obligationByLineItem(ctx, s.db, lineItemID)
}

func obligationByLineItem(ctx context.Context, db execer, lineItemID string) (*payment.Obligation, error) {
	obs, err := queryObligations(ctx, db, obligationColumns+` WHERE line_item_id = ?`, lineItemID)
	if err != nil || len(obs) == 0 {
		return nil, err
	}
	return &obs[0], nil
}

// GetObligation returns generic.ErrNotFound when id is unknown.
func (s *Store) GetObligation(ctx context.Context, id string) (*payment.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getObligation(ctx, s.db, id)
}

func getObligation(ctx context.Context, db execer, id string) (*payment.Obligation, error) {
	obs, err := queryObligations(ctx, db, obligationColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("obligation %s: %w", id, generic.ErrNotFound)
	}
	return &obs[0], nil
}

// ObligationFilter selects obligations. Zero values match everything.
type ObligationFilter struct {
	BeneficiaryID network.NodeID
	Status        payment.Status
	DueFrom       generic.TimePoint
	DueTo         generic.TimePoint // Inclusive
}

// ListObligations returns obligations ordered by due date.
func (s *Store) ListObligations(ctx context.Context, f ObligationFilter) ([]payment.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := obligationColumns + ` WHERE 1 = 1`
	var args []any
	if f.BeneficiaryID != "" {
		query += ` AND beneficiary_id = ?`
		args = append(args, string(f.BeneficiaryID))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.DueFrom.IsZero() {
		query += ` AND due_date >= ?`
		args = append(args, f.DueFrom.String())
	}
	if !f.DueTo.IsZero() {
		query += ` AND due_date <= ?`
		args = append(args, f.DueTo.String())
	}
	query += ` ORDER BY due_date, beneficiary_id, rowid`
	return queryObligations(ctx, s.db, query, args...)
}

// MarkObligationPaid records payroll's confirmation.
func (s *Store) MarkObligationPaid(ctx context.Context, id, ref string, at time.Time) (*payment.Obligation, error) {
	return s.transition(ctx, id, func(ob *payment.Obligation) error { return ob.MarkPaid(ref, at) })
}

// CancelObligation withdraws a scheduled obligation.
func (s *Store) CancelObligation(ctx context.Context, id string) (*payment.Obligation, error) {
	return s.transition(ctx, id, func(ob *payment.Obligation) error { return ob.Cancel() })
}

func (s *Store) transition(ctx context.Context, id string, apply func(*payment.Obligation) error) (*payment.Obligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ob, err := getObligation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	previous := ob.Status
	if err := apply(ob); err != nil {
		return nil, err
	}

	// Guarded on the previous status so concurrent transitions cannot both win.
	res, err := tx.ExecContext(ctx, `
		UPDATE obligations SET status = ?, paid_at = ?, paid_ref = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(ob.Status), nullTime(ob.PaidAt), nullString(ob.PaidRef), formatTime(s.now()), id, string(previous))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: obligation %s changed concurrently", generic.ErrInvalidTransition, id)
	}
	return ob, tx.Commit()
}

const obligationColumns = `
	SELECT id, line_item_id, beneficiary_id, commission_type, amount_value, amount_currency,
		due_date, status, paid_at, paid_ref, created_at
	FROM obligations`

func queryObligations(ctx context.Context, db execer, query string, args ...any) ([]payment.Obligation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payment.Obligation
	for rows.Next() {
		var (
			ob                                    payment.Obligation
			ben, typ, value, currency, due, state string
			paidAt, paidRef                       sql.NullString
			created                               string
		)
		if err := rows.Scan(&ob.ID, &ob.LineItemID, &ben, &typ, &value, &currency,
			&due, &state, &paidAt, &paidRef, &created); err != nil {
			return nil, err
		}
		ob.BeneficiaryID = network.NodeID(ben)
		ob.Type = rules.CommissionType(typ)
		if ob.Amount, err = generic.ParseAmount(value, generic.Currency(currency)); err != nil {
			return nil, err
		}
		if ob.DueDate, err = generic.ParseDate(due); err != nil {
			return nil, err
		}
		if ob.Status, err = payment.ParseStatus(state); err != nil {
			return nil, err
		}
		ob.PaidAt = parseNullTime(paidAt)
		ob.PaidRef = paidRef.String
		ob.CreatedAt = parseTime(created)
		out = append(out, ob)
	}
	return out, rows.Err()
}

// =============================================================================
// UNRESOLVED QUEUE
// =============================================================================

// EnqueueUnresolved implements automation.Tx. Entries whose ID already
// exists are ignored, so retries never enqueue twice.
func (ts *txStore) EnqueueUnresolved(ctx context.Context, entries []commission.Unresolved) (int, error) {
	created := 0
	for _, u := range entries {
		status := u.Status
		if status == "" {
			status = commission.UnresolvedOpen
		}
		res, err := ts.tx.ExecContext(ctx, `
			INSERT INTO unresolved (id, source_event_key, commission_type, beneficiary_id, generation,
				rank, product, reason, detail, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, u.ID, u.SourceEventKey, string(u.Type), string(u.BeneficiaryID), u.Generation,
			u.Rank.String(), string(u.Product), string(u.Reason), u.Detail, string(status), formatTime(u.CreatedAt))
		if err != nil {
			return created, fmt.Errorf("enqueue unresolved %s: %w", u.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

// ListUnresolved returns queue entries, oldest first. An empty status lists all.
func (s *Store) ListUnresolved(ctx context.Context, status commission.UnresolvedStatus) ([]commission.Unresolved, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := unresolvedColumns
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, rowid`
	return queryUnresolved(ctx, s.db, query, args...)
}

// ResolveUnresolved closes a queue entry with the operator's note.
func (s *Store) ResolveUnresolved(ctx context.Context, id, resolvedBy, note string) (*commission.Unresolved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE unresolved SET status = ?, resolved_at = ?, resolved_by = ?, note = ?
		WHERE id = ? AND status = ?
	`, string(commission.UnresolvedResolved), formatTime(s.now()), resolvedBy, nullString(note),
		id, string(commission.UnresolvedOpen))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		entries, err := queryUnresolved(ctx, s.db, unresolvedColumns+` WHERE id = ?`, id)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("unresolved %s: %w", id, generic.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: unresolved %s is already %s", generic.ErrInvalidTransition, id, entries[0].Status)
	}

	entries, err := queryUnresolved(ctx, s.db, unresolvedColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("resolved entry vanished")
	}
	return &entries[0], nil
}

const unresolvedColumns = `
	SELECT id, source_event_key, commission_type, beneficiary_id, generation, rank, product,
		reason, detail, status, created_at, resolved_at, resolved_by, note
	FROM unresolved`

func queryUnresolved(ctx context.Context, db execer, query string, args ...any) ([]commission.Unresolved, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []commission.Unresolved
	for rows.Next() {
		var (
			u                                      commission.Unresolved
			typ, ben, rank, product, reason, state string
			created                                string
			resolvedAt, resolvedBy, note           sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.SourceEventKey, &typ, &ben, &u.Generation, &rank, &product,
			&reason, &u.Detail, &state, &created, &resolvedAt, &resolvedBy, &note); err != nil {
			return nil, err
		}
		u.Type = rules.CommissionType(typ)
		u.BeneficiaryID = network.NodeID(ben)
		u.Rank, _ = network.ParseRank(rank)
		u.Product = rules.ProductID(product)
		u.Reason = commission.UnresolvedReason(reason)
		u.Status = commission.UnresolvedStatus(state)
		u.CreatedAt = parseTime(created)
		u.ResolvedAt = parseNullTime(resolvedAt)
		u.ResolvedBy = resolvedBy.String
		u.Note = note.String
		out = append(out, u)
	}
	return out, rows.Err()
}
