package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// RULE VERSIONS (automation.RuleSource)
// =============================================================================

// SaveRuleVersion appends a version to the stored book. The version must
// start after every stored one; the combined book is validated first.
func (s *Store) SaveRuleVersion(ctx context.Context, v rules.Version) error {
	book, err := s.storedBook(ctx)
	if err != nil {
		return err
	}
	if book == nil {
		book = &rules.Book{}
	}
	if err := book.Append(v); err != nil {
		return err
	}

	data, err := json.Marshal(factory.NewRuleBookFactory().VersionToJSON(v))
	if err != nil {
		return fmt.Errorf("encode rule version %s: %w", v.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_versions (id, effective_from, effective_to, config_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, v.ID, v.Effective.From.String(), nullString(v.Effective.To.String()), string(data), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save rule version %s: %w", v.ID, err)
	}
	s.logger.WithField("version", v.ID).Info("Rule version saved")
	return nil
}

// RuleBook implements automation.RuleSource. With no stored versions it
// serves rules.DefaultBook().
func (s *Store) RuleBook(ctx context.Context) (*rules.Book, error) {
	book, err := s.storedBook(ctx)
	if err != nil {
		return nil, err
	}
	if book == nil {
		return rules.DefaultBook(), nil
	}
	return book, nil
}

// storedBook returns nil when rule_versions is empty.
func (s *Store) storedBook(ctx context.Context) (*rules.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, config_json FROM rule_versions ORDER BY effective_from`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bj factory.BookJSON
	for rows.Next() {
		var id, config string
		if err := rows.Scan(&id, &config); err != nil {
			return nil, err
		}
		var vj factory.VersionJSON
		if err := json.Unmarshal([]byte(config), &vj); err != nil {
			return nil, fmt.Errorf("decode rule version %s: %w", id, err)
		}
		bj.Versions = append(bj.Versions, vj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bj.Versions) == 0 {
		return nil, nil
	}
	return factory.NewRuleBookFactory().FromJSON(bj)
}

// RuleVersionIDs lists stored version IDs, oldest first.
func (s *Store) RuleVersionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM rule_versions ORDER BY effective_from`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
