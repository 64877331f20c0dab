package payment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// OBLIGATION
// =============================================================================

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusScheduled, StatusPaid, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown obligation status %q", s)
	}
}

// obligationNamespace scopes obligation IDs derived from line item IDs.
var obligationNamespace = uuid.MustParse("b0c5e1d4-2a7f-4c39-8e61-5d2f9a0b3c17")

// Obligation is the dated payment of one line item.
type Obligation struct {
	ID            string
	LineItemID    string
	BeneficiaryID network.NodeID
	Type          rules.CommissionType
	Amount        generic.Amount
	DueDate       generic.TimePoint
	Status        Status

	CreatedAt time.Time
	PaidAt    *time.Time
	PaidRef   string // Payroll reference supplied when marking Paid
}

// ObligationID derives the obligation ID from its line item.
func ObligationID(lineItemID string) string {
	return uuid.NewSHA1(obligationNamespace, []byte(lineItemID)).String()
}

// NewObligation builds the Scheduled obligation for a line item.
func NewObligation(li commission.LineItem, due generic.TimePoint) Obligation {
	return Obligation{
		ID:            ObligationID(li.ID),
		LineItemID:    li.ID,
		BeneficiaryID: li.BeneficiaryID,
		Type:          li.Type,
		Amount:        li.Amount,
		DueDate:       due,
		Status:        StatusScheduled,
	}
}

// CanTransition reports whether from -> to is allowed. Paid and Cancelled
// are terminal.
func CanTransition(from, to Status) bool {
	return from == StatusScheduled && (to == StatusPaid || to == StatusCancelled)
}

// MarkPaid records the payroll confirmation.
func (o *Obligation) MarkPaid(ref string, at time.Time) error {
	if !CanTransition(o.Status, StatusPaid) {
		return fmt.Errorf("%w: obligation %s is %s", generic.ErrInvalidTransition, o.ID, o.Status)
	}
	o.Status = StatusPaid
	o.PaidAt = &at
	o.PaidRef = ref
	return nil
}

// Cancel withdraws a scheduled obligation.
func (o *Obligation) Cancel() error {
	if !CanTransition(o.Status, StatusCancelled) {
		return fmt.Errorf("%w: obligation %s is %s", generic.ErrInvalidTransition, o.ID, o.Status)
	}
	o.Status = StatusCancelled
	return nil
}
