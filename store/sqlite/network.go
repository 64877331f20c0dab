package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
)

// =============================================================================
// DISTRIBUTORS
// =============================================================================

// SaveDistributor inserts or updates a distributor.
func (s *Store) SaveDistributor(ctx context.Context, n network.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO distributors (id, name, sponsor_id, rank, join_date, active,
			monthly_points, cumulative_qualified_months, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			sponsor_id = excluded.sponsor_id,
			rank = excluded.rank,
			join_date = excluded.join_date,
			active = excluded.active,
			monthly_points = excluded.monthly_points,
			cumulative_qualified_months = excluded.cumulative_qualified_months,
			updated_at = excluded.updated_at
	`, string(n.ID), n.Name, nullString(string(n.SponsorID)), n.Rank.String(), n.JoinDate.String(),
		n.Active, n.MonthlyPoints, n.CumulativeQualifiedMonths, now, now)
	if err != nil {
		return fmt.Errorf("save distributor %s: %w", n.ID, err)
	}
	return nil
}

// GetDistributor returns generic.ErrNotFound when id is unknown.
func (s *Store) GetDistributor(ctx context.Context, id network.NodeID) (*network.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes, err := s.queryDistributors(ctx, distributorColumns+` WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("distributor %s: %w", id, generic.ErrNotFound)
	}
	return &nodes[0], nil
}

func (s *Store) ListDistributors(ctx context.Context) ([]network.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryDistributors(ctx, distributorColumns+` ORDER BY id`)
}

const distributorColumns = `
	SELECT id, name, sponsor_id, rank, join_date, active, monthly_points, cumulative_qualified_months
	FROM distributors`

func (s *Store) queryDistributors(ctx context.Context, query string, args ...any) ([]network.Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []network.Node
	for rows.Next() {
		var (
			n                  network.Node
			id, rank, joinDate string
			sponsor            sql.NullString
		)
		if err := rows.Scan(&id, &n.Name, &sponsor, &rank, &joinDate, &n.Active,
			&n.MonthlyPoints, &n.CumulativeQualifiedMonths); err != nil {
			return nil, err
		}
		n.ID = network.NodeID(id)
		n.SponsorID = network.NodeID(sponsor.String)
		if n.Rank, err = network.ParseRank(rank); err != nil {
			return nil, fmt.Errorf("distributor %s: %w", id, err)
		}
		if n.JoinDate, err = generic.ParseDate(joinDate); err != nil {
			return nil, fmt.Errorf("distributor %s: %w", id, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// =============================================================================
// PROMOTIONS
// =============================================================================

// SavePromotion records a rank change. Recording it twice is a no-op.
func (s *Store) SavePromotion(ctx context.Context, p network.Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := insertPromotion(ctx, s.db, p, s.now())
	return err
}

// RecordPromotions implements automation.Tx. The distributor's current rank
// follows the newest promotion in its history.
func (ts *txStore) RecordPromotions(ctx context.Context, promotions []network.Promotion) (int, error) {
	now := ts.parent.now()
	created := 0
	for _, p := range promotions {
		n, err := insertPromotion(ctx, ts.tx, p, now)
		if err != nil {
			return created, err
		}
		created += n

		_, err = ts.tx.ExecContext(ctx, `
			UPDATE distributors SET rank = ?, updated_at = ?
			WHERE id = ? AND NOT EXISTS (
				SELECT 1 FROM promotions WHERE distributor_id = ? AND effective_date > ?
			)
		`, p.NewRank.String(), formatTime(now), string(p.DistributorID), string(p.DistributorID), p.EffectiveDate.String())
		if err != nil {
			return created, fmt.Errorf("update rank of %s: %w", p.DistributorID, err)
		}
	}
	return created, nil
}

func insertPromotion(ctx context.Context, db execer, p network.Promotion, at time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO promotions (distributor_id, new_rank, effective_date, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, string(p.DistributorID), p.NewRank.String(), p.EffectiveDate.String(), formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("save promotion for %s: %w", p.DistributorID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]network.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPromotions(ctx)
}

func (s *Store) listPromotions(ctx context.Context) ([]network.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT distributor_id, new_rank, effective_date
		FROM promotions
		ORDER BY distributor_id, effective_date
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []network.Promotion
	for rows.Next() {
		var id, rank, date string
		if err := rows.Scan(&id, &rank, &date); err != nil {
			return nil, err
		}
		p := network.Promotion{DistributorID: network.NodeID(id)}
		if p.NewRank, err = network.ParseRank(rank); err != nil {
			return nil, fmt.Errorf("promotion of %s: %w", id, err)
		}
		if p.EffectiveDate, err = generic.ParseDate(date); err != nil {
			return nil, fmt.Errorf("promotion of %s: %w", id, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadNetwork returns every distributor and the whole promotion history,
// read under one lock so the snapshot is consistent.
func (s *Store) LoadNetwork(ctx context.Context) ([]network.Node, []network.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes, err := s.queryDistributors(ctx, distributorColumns+` ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("load distributors: %w", err)
	}
	promotions, err := s.listPromotions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load promotions: %w", err)
	}
	return nodes, promotions, nil
}

// Snapshot builds a network snapshot from the current tables.
func (s *Store) Snapshot(ctx context.Context) (*network.Snapshot, error) {
	nodes, promotions, err := s.LoadNetwork(ctx)
	if err != nil {
		return nil, err
	}
	return network.NewSnapshot(nodes, promotions)
}
