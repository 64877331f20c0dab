/*
Package automation runs the commission pipeline as a background batch job.

PURPOSE:
  Fetches pending qualifying events, computes their commissions against one
  network snapshot and one rule book, schedules the resulting payments and
  persists everything atomically per event.

KEY CONCEPTS IN THIS FILE (store.go):
  - Store: Narrow data-access port the runner depends on
  - Tx: Transactional view used to persist one event's outputs
  - RuleSource: Where the run's rule book comes from
  - Run: Audit record of one RunOnce call

ATOMICITY:
  An event is claimed, its line items, obligations and unresolved entries
  written, and the event marked processed in a single transaction. An
  aborted transaction leaves no trace, and a second claim of the same event
  fails with *generic.DuplicateEventError.

SEE ALSO:
  - runner.go: The state machine
  - locker.go: Per-partition advisory locks
  - store/sqlite, store/memory: Implementations
*/
package automation

import (
	"context"
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/payment"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// PORTS
// =============================================================================

// EventRecord is an ingested event as stored.
type EventRecord struct {
	Key         string
	Kind        commission.EventKind
	Event       commission.Event
	IngestedAt  time.Time
	ProcessedAt *time.Time
	Attempts    int
	LastError   string
}

func (r EventRecord) Pending() bool { return r.ProcessedAt == nil }

// Store is everything the runner reads and writes.
type Store interface {
	// ListPendingEvents returns unprocessed events, fewest attempts first and
	// then in ingestion order.
	ListPendingEvents(ctx context.Context, limit int) ([]EventRecord, error)
	LoadNetwork(ctx context.Context) ([]network.Node, []network.Promotion, error)
	WithTx(ctx context.Context, fn func(Tx) error) error

	// RecordEventFailure bumps the attempt counter outside any transaction.
	RecordEventFailure(ctx context.Context, key string, cause error) error
	SaveRun(ctx context.Context, run Run) error
}

// Tx persists the outputs of one event.
type Tx interface {
	payment.ObligationReader

	// ClaimEvent marks the event processed. It fails with
	// *generic.DuplicateEventError when the event was already processed.
	ClaimEvent(ctx context.Context, key string, at time.Time) error
	// AppendLineItems inserts items, ignoring IDs already present, and
	// returns how many were new.
	AppendLineItems(ctx context.Context, items []commission.LineItem) (int, error)
	SaveObligations(ctx context.Context, obligations []payment.Obligation) error
	// EnqueueUnresolved inserts entries, ignoring IDs already present.
	EnqueueUnresolved(ctx context.Context, entries []commission.Unresolved) (int, error)
	// RecordPromotions appends to the rank history, ignoring promotions
	// already recorded, and returns how many were new.
	RecordPromotions(ctx context.Context, promotions []network.Promotion) (int, error)
}

// RuleSource provides the rule book for a run.
type RuleSource interface {
	RuleBook(ctx context.Context) (*rules.Book, error)
}

// StaticRules serves a fixed book.
type StaticRules struct {
	Book *rules.Book
}

func (s StaticRules) RuleBook(context.Context) (*rules.Book, error) { return s.Book, nil }

// =============================================================================
// RUN RECORD
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the audit record of one RunOnce.
type Run struct {
	ID          string
	Status      RunStatus
	Summary     Summary
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
