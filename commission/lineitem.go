package commission

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// LINE ITEM - One payout to one beneficiary
// =============================================================================

// idNamespace scopes the name-based UUIDs derived from idempotency keys.
var idNamespace = uuid.MustParse("6f1f8a62-3c1e-4b8e-9a57-0f3c2d9b7e41")

// LineItem is an append-only ledger row. At most one exists per
// (SourceEventKey, Type, BeneficiaryID); its ID is derived from that triple.
type LineItem struct {
	ID             string
	BeneficiaryID  network.NodeID
	Generation     int
	Type           rules.CommissionType
	Amount         generic.Amount
	SourceEventKey string

	// ReferenceDate is the business date the payment calendar applies to.
	ReferenceDate generic.TimePoint

	Rank        network.Rank // Beneficiary rank at the event date
	Product     rules.ProductID
	RuleVersion string

	// ComputedAt is stamped when the item is persisted, not by Compute.
	ComputedAt time.Time
}

// IdempotencyKey returns the natural key of the line item.
func (li LineItem) IdempotencyKey() string {
	return IdempotencyKey(li.SourceEventKey, li.Type, li.BeneficiaryID)
}

func IdempotencyKey(eventKey string, t rules.CommissionType, beneficiary network.NodeID) string {
	return fmt.Sprintf("%s|%s|%s", eventKey, t, beneficiary)
}

// LineItemID derives the deterministic line item ID.
func LineItemID(eventKey string, t rules.CommissionType, beneficiary network.NodeID) string {
	return uuid.NewSHA1(idNamespace, []byte(IdempotencyKey(eventKey, t, beneficiary))).String()
}

// =============================================================================
// UNRESOLVED - Manual review queue
// =============================================================================

type UnresolvedReason string

const (
	ReasonRuleNotFound       UnresolvedReason = "rule_not_found"
	ReasonSchedulingConflict UnresolvedReason = "scheduling_conflict"
)

type UnresolvedStatus string

const (
	UnresolvedOpen     UnresolvedStatus = "open"
	UnresolvedResolved UnresolvedStatus = "resolved"
)

// Unresolved is a commission that could not be computed or scheduled and
// needs an operator. Nothing is silently dropped.
type Unresolved struct {
	ID             string
	SourceEventKey string
	Type           rules.CommissionType
	BeneficiaryID  network.NodeID
	Generation     int
	Rank           network.Rank
	Product        rules.ProductID
	Reason         UnresolvedReason
	Detail         string
	Status         UnresolvedStatus

	CreatedAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy string
	Note       string
}

// UnresolvedID is deterministic so that a retried event does not enqueue twice.
func UnresolvedID(eventKey string, t rules.CommissionType, beneficiary network.NodeID, reason UnresolvedReason) string {
	name := IdempotencyKey(eventKey, t, beneficiary) + "|" + string(reason)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}
