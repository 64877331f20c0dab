/*
errors.go - Centralized error taxonomy for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them) so that callers can
  classify failures with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Integrity errors - The network snapshot is corrupt (cycle, unknown node).
     Fatal for the affected partition only.
  2. Business conditions - Missing rule, duplicate event, scheduling
     conflict. Never abort a run; they surface as result variants.
  3. Store errors - Not found, invalid status transition, lock contention.

USAGE:
  var ie *generic.IntegrityError
  if errors.As(err, &ie) {
      // fail the partition rooted at ie.NodeID
  }

  if errors.Is(err, generic.ErrDuplicateEvent) {
      // benign: already processed
  }

SEE ALSO:
  - network/snapshot.go: Raises IntegrityError
  - rules/book.go: Raises RuleNotFoundError
  - payment/scheduler.go: Raises SchedulingConflictError
  - automation/runner.go: Classifies errors per partition
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrIntegrity is returned when the sponsor graph is not a forest.
	ErrIntegrity = errors.New("network integrity violation")

	// ErrRuleNotFound is returned when no rule table entry matches a lookup.
	ErrRuleNotFound = errors.New("commission rule not found")

	// ErrDuplicateEvent is returned when an event key was already ingested or processed.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrSchedulingConflict is returned when an existing obligation disagrees
	// with a recomputed amount.
	ErrSchedulingConflict = errors.New("scheduling conflict")

	// ErrDuplicateIdempotencyKey is returned when a ledger row with the same
	// key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidTransition is returned for forbidden obligation status changes.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("entity not found")

	// ErrLockNotAcquired is returned when a partition lock is held elsewhere.
	ErrLockNotAcquired = errors.New("partition lock not acquired")

	// ErrInvalidPeriod is returned when a date range is malformed.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidRuleBook is returned when rule versions overlap or are malformed.
	ErrInvalidRuleBook = errors.New("invalid rule book")

	// ErrInvalidEvent is returned when a qualifying event payload is malformed.
	ErrInvalidEvent = errors.New("invalid qualifying event")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IntegrityError reports a corrupt sponsor chain.
type IntegrityError struct {
	NodeID string
	Path   []string // Walk that exposed the problem, starting at NodeID
	Reason string   // "cycle", "unknown node", "duplicate node"
}

func (e *IntegrityError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("integrity error at %s: %s (path %s)", e.NodeID, e.Reason, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("integrity error at %s: %s", e.NodeID, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// RuleNotFoundError identifies the lookup that had no matching entry.
type RuleNotFoundError struct {
	Type       string
	Rank       string
	Product    string
	Generation int
	Date       TimePoint
	Version    string // Empty when no version covers Date
}

func (e *RuleNotFoundError) Error() string {
	version := e.Version
	if version == "" {
		version = "none"
	}
	return fmt.Sprintf("no %s rule for rank=%s product=%s generation=%d on %s (version %s)",
		e.Type, e.Rank, e.Product, e.Generation, e.Date, version)
}

func (e *RuleNotFoundError) Unwrap() error {
	return ErrRuleNotFound
}

// DuplicateEventError reports an event key that was seen before.
type DuplicateEventError struct {
	EventKey string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %s already ingested or processed", e.EventKey)
}

func (e *DuplicateEventError) Unwrap() error {
	return ErrDuplicateEvent
}

// SchedulingConflictError reports an obligation whose stored amount differs
// from the recomputed one. The stored obligation is left untouched.
type SchedulingConflictError struct {
	LineItemID   string
	ObligationID string
	Existing     Amount
	Computed     Amount
}

func (e *SchedulingConflictError) Error() string {
	return fmt.Sprintf("obligation %s for line item %s holds %s, recomputed %s",
		e.ObligationID, e.LineItemID, e.Existing, e.Computed)
}

func (e *SchedulingConflictError) Unwrap() error {
	return ErrSchedulingConflict
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatal returns true for errors that must abort the affected partition.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// IsBusiness returns true for conditions that are recorded, not raised.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrSchedulingConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidRuleBook) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
