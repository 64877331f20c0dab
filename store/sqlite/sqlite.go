/*
Package sqlite provides a SQLite-backed implementation of the automation store.

PURPOSE:
  Persists the network snapshot source, the qualifying event inbox, the
  commission ledger (line items, obligations, unresolved queue), the rule
  book versions and the automation run history. The same schema ports to
  PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  automation.Store:      Runner data access
  automation.Tx:         Per-event transactional writes
  automation.RuleSource: Rule book loaded from rule_versions

APPEND-ONLY ENFORCEMENT:
  - line_items are inserted with ON CONFLICT DO NOTHING and never updated
  - obligations only change status (scheduled -> paid | cancelled)
  - events are never rewritten; only processed_at/attempts move

KEY TABLES:
  distributors, promotions: Network snapshot source
  events:                   Qualifying events, unique by natural key
  line_items:               Unique by (source_event_key, type, beneficiary)
  obligations:              Unique by line_item_id
  unresolved:               Operator review queue
  rule_versions:            JSON rule versions
  automation_runs:          Run audit trail

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, and a single connection so that
  ":memory:" databases are shared by every query.

MIGRATION:
  Versioned goose migrations embedded from migrations/*.sql, applied on New().

USAGE:
  store, err := sqlite.New("./data/commissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - automation/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/automation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is used for every persisted timestamp.
const timeLayout = time.RFC3339Nano

// Store implements automation.Store using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger logrus.FieldLogger
	now    func() time.Time
}

type Option func(*Store)

func WithLogger(l logrus.FieldLogger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides the clock used for created_at/updated_at columns.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetLogger(s.logger.WithField("component", "migrations"))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	goose.SetBaseFS(migrationsFS)
	return goose.UpContext(ctx, s.db, "migrations")
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (automation.Store interface)
// =============================================================================

// WithTx executes fn within a database transaction. Every read and write fn
// performs goes through the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx automation.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reset removes all data (for demos and tests). Schema is kept.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"obligations", "line_items", "unresolved", "events",
		"promotions", "distributors", "rule_versions", "automation_runs",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
