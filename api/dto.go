/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures exchanged with the operator console and the
  payroll collaborator. These types decouple the domain model from the
  external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags for presence and shape.
  Domain rules (dates, ranks, month consistency) are checked by the domain
  types once the request is converted.

SEE ALSO:
  - handlers.go: Uses these types
  - commission/event.go: Qualifying event variants
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/commission-engine/automation"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/payment"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// EVENTS
// =============================================================================

// IngestEventRequest is a qualifying event. Fields used depend on Kind.
type IngestEventRequest struct {
	Kind string `json:"kind" validate:"required,oneof=sale recruit_threshold position_change"`

	// sale
	SaleID           string `json:"sale_id,omitempty" validate:"required_if=Kind sale"`
	SellerID         string `json:"seller_id,omitempty" validate:"required_if=Kind sale"`
	Product          string `json:"product,omitempty" validate:"required_if=Kind sale"`
	BaseAmount       string `json:"base_amount,omitempty" validate:"omitempty,numeric"`
	AcquisitionDate  string `json:"acquisition_date,omitempty" validate:"required_if=Kind sale"`
	InstallationDate string `json:"installation_date,omitempty"`

	// recruit_threshold
	RecruitID string `json:"recruit_id,omitempty" validate:"required_if=Kind recruit_threshold"`
	Month     string `json:"month,omitempty" validate:"required_if=Kind recruit_threshold"`
	Points    int    `json:"points,omitempty" validate:"gte=0"`
	ReachedAt string `json:"reached_at,omitempty"`

	// position_change
	DistributorID string `json:"distributor_id,omitempty" validate:"required_if=Kind position_change"`
	NewRank       string `json:"new_rank,omitempty" validate:"required_if=Kind position_change"`
	EffectiveDate string `json:"effective_date,omitempty" validate:"required_if=Kind position_change"`
}

// ToEvent converts the request to a domain event. Errors wrap
// generic.ErrInvalidEvent.
func (r IngestEventRequest) ToEvent() (commission.Event, error) {
	kind, err := commission.ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}

	var ev commission.Event
	switch kind {
	case commission.KindSale:
		sale := commission.Sale{
			SaleID:   r.SaleID,
			SellerID: network.NodeID(r.SellerID),
			Product:  rules.ProductID(r.Product),
		}
		if sale.AcquisitionDate, err = parseDateField("acquisition_date", r.AcquisitionDate); err != nil {
			return nil, err
		}
		if sale.InstallationDate, err = parseDateField("installation_date", r.InstallationDate); err != nil {
			return nil, err
		}
		if r.BaseAmount != "" {
			if sale.BaseAmount, err = generic.ParseAmount(r.BaseAmount, generic.CurrencyEUR); err != nil {
				return nil, fmt.Errorf("%w: %v", generic.ErrInvalidEvent, err)
			}
		}
		ev = sale
	case commission.KindRecruitReachedThreshold:
		month, err := generic.ParseMonth(r.Month)
		if err != nil {
			return nil, fmt.Errorf("%w: month: %v", generic.ErrInvalidEvent, err)
		}
		reached, err := parseDateField("reached_at", r.ReachedAt)
		if err != nil {
			return nil, err
		}
		ev = commission.RecruitReachedThreshold{
			RecruitID: network.NodeID(r.RecruitID),
			Month:     month,
			Points:    r.Points,
			ReachedAt: reached,
		}
	case commission.KindPositionChange:
		rank, err := network.ParseRank(r.NewRank)
		if err != nil || !rank.Valid() {
			return nil, fmt.Errorf("%w: new_rank %q", generic.ErrInvalidEvent, r.NewRank)
		}
		effective, err := parseDateField("effective_date", r.EffectiveDate)
		if err != nil {
			return nil, err
		}
		ev = commission.PositionChange{
			DistributorID: network.NodeID(r.DistributorID),
			NewRank:       rank,
			EffectiveDate: effective,
		}
	}
	return ev, ev.Validate()
}

func parseDateField(name, value string) (generic.TimePoint, error) {
	if value == "" {
		return generic.TimePoint{}, nil
	}
	tp, err := generic.ParseDate(value)
	if err != nil {
		return generic.TimePoint{}, fmt.Errorf("%w: %s: %v", generic.ErrInvalidEvent, name, err)
	}
	return tp, nil
}

// EventDTO represents a stored event in API responses.
type EventDTO struct {
	Key         string `json:"key"`
	Kind        string `json:"kind"`
	Source      string `json:"source"`
	OccurredAt  string `json:"occurred_at"`
	IngestedAt  string `json:"ingested_at"`
	ProcessedAt string `json:"processed_at,omitempty"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
}

func toEventDTO(rec automation.EventRecord) EventDTO {
	dto := EventDTO{
		Key:        rec.Key,
		Kind:       string(rec.Kind),
		IngestedAt: rec.IngestedAt.Format(time.RFC3339),
		Attempts:   rec.Attempts,
		LastError:  rec.LastError,
	}
	if rec.Event != nil {
		dto.Source = string(rec.Event.Source())
		dto.OccurredAt = rec.Event.OccurredAt().String()
	}
	if rec.ProcessedAt != nil {
		dto.ProcessedAt = rec.ProcessedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

// LineItemDTO represents a commission line item.
type LineItemDTO struct {
	ID             string         `json:"id"`
	SourceEventKey string         `json:"source_event_key"`
	Type           string         `json:"type"`
	BeneficiaryID  string         `json:"beneficiary_id"`
	Generation     int            `json:"generation"`
	Amount         generic.Amount `json:"amount"`
	ReferenceDate  string         `json:"reference_date"`
	Rank           string         `json:"rank"`
	Product        string         `json:"product,omitempty"`
	RuleVersion    string         `json:"rule_version"`
	ComputedAt     string         `json:"computed_at"`
}

func toLineItemDTO(li commission.LineItem) LineItemDTO {
	return LineItemDTO{
		ID:             li.ID,
		SourceEventKey: li.SourceEventKey,
		Type:           string(li.Type),
		BeneficiaryID:  string(li.BeneficiaryID),
		Generation:     li.Generation,
		Amount:         li.Amount,
		ReferenceDate:  li.ReferenceDate.String(),
		Rank:           li.Rank.String(),
		Product:        string(li.Product),
		RuleVersion:    li.RuleVersion,
		ComputedAt:     li.ComputedAt.Format(time.RFC3339),
	}
}

// ObligationDTO represents a payment obligation.
type ObligationDTO struct {
	ID            string         `json:"id"`
	LineItemID    string         `json:"line_item_id"`
	BeneficiaryID string         `json:"beneficiary_id"`
	Type          string         `json:"type"`
	Amount        generic.Amount `json:"amount"`
	DueDate       string         `json:"due_date"`
	Status        string         `json:"status"`
	PaidAt        string         `json:"paid_at,omitempty"`
	PaidRef       string         `json:"paid_ref,omitempty"`
}

func toObligationDTO(ob payment.Obligation) ObligationDTO {
	dto := ObligationDTO{
		ID:            ob.ID,
		LineItemID:    ob.LineItemID,
		BeneficiaryID: string(ob.BeneficiaryID),
		Type:          string(ob.Type),
		Amount:        ob.Amount,
		DueDate:       ob.DueDate.String(),
		Status:        string(ob.Status),
		PaidRef:       ob.PaidRef,
	}
	if ob.PaidAt != nil {
		dto.PaidAt = ob.PaidAt.Format(time.RFC3339)
	}
	return dto
}

// MarkPaidRequest is the payroll confirmation.
type MarkPaidRequest struct {
	Reference string `json:"reference" validate:"required"`
}

// StatementDTO aggregates a beneficiary's obligations for one due date.
type StatementDTO struct {
	BeneficiaryID string                    `json:"beneficiary_id"`
	DueDate       string                    `json:"due_date"`
	Total         generic.Amount            `json:"total"`
	ByType        map[string]generic.Amount `json:"by_type"`
	ObligationIDs []string                  `json:"obligation_ids"`
	Paid          bool                      `json:"paid"`
}

func toStatementDTO(st payment.Statement) StatementDTO {
	byType := make(map[string]generic.Amount, len(st.ByType))
	for t, amount := range st.ByType {
		byType[string(t)] = amount
	}
	return StatementDTO{
		BeneficiaryID: string(st.BeneficiaryID),
		DueDate:       st.DueDate.String(),
		Total:         st.Total,
		ByType:        byType,
		ObligationIDs: st.ObligationIDs,
		Paid:          st.Paid,
	}
}

// =============================================================================
// UNRESOLVED QUEUE
// =============================================================================

// UnresolvedDTO represents an entry of the operator queue.
type UnresolvedDTO struct {
	ID             string `json:"id"`
	SourceEventKey string `json:"source_event_key"`
	Type           string `json:"type"`
	BeneficiaryID  string `json:"beneficiary_id,omitempty"`
	Generation     int    `json:"generation"`
	Rank           string `json:"rank,omitempty"`
	Product        string `json:"product,omitempty"`
	Reason         string `json:"reason"`
	Detail         string `json:"detail"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	ResolvedAt     string `json:"resolved_at,omitempty"`
	ResolvedBy     string `json:"resolved_by,omitempty"`
	Note           string `json:"note,omitempty"`
}

func toUnresolvedDTO(u commission.Unresolved) UnresolvedDTO {
	dto := UnresolvedDTO{
		ID:             u.ID,
		SourceEventKey: u.SourceEventKey,
		Type:           string(u.Type),
		BeneficiaryID:  string(u.BeneficiaryID),
		Generation:     u.Generation,
		Product:        string(u.Product),
		Reason:         string(u.Reason),
		Detail:         u.Detail,
		Status:         string(u.Status),
		CreatedAt:      u.CreatedAt.Format(time.RFC3339),
		ResolvedBy:     u.ResolvedBy,
		Note:           u.Note,
	}
	if u.Rank.Valid() {
		dto.Rank = u.Rank.String()
	}
	if u.ResolvedAt != nil {
		dto.ResolvedAt = u.ResolvedAt.Format(time.RFC3339)
	}
	return dto
}

// ResolveRequest closes a queue entry.
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required"`
	Note       string `json:"note" validate:"max=1000"`
}

// =============================================================================
// RUNS
// =============================================================================

// RunDTO represents an automation run.
type RunDTO struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	Summary     automation.Summary `json:"summary"`
	Error       string             `json:"error,omitempty"`
	StartedAt   string             `json:"started_at"`
	CompletedAt string             `json:"completed_at,omitempty"`
}

func toRunDTO(run automation.Run) RunDTO {
	dto := RunDTO{
		ID:        run.ID,
		Status:    string(run.Status),
		Summary:   run.Summary,
		Error:     run.Error,
		StartedAt: run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// NETWORK
// =============================================================================

// DistributorDTO represents a network node.
type DistributorDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	SponsorID     string `json:"sponsor_id,omitempty"`
	Rank          string `json:"rank"`
	JoinDate      string `json:"join_date"`
	Active        bool   `json:"active"`
	MonthlyPoints int    `json:"monthly_points"`
	Generation    int    `json:"generation,omitempty"`
}

func toDistributorDTO(n network.Node) DistributorDTO {
	return DistributorDTO{
		ID:            string(n.ID),
		Name:          n.Name,
		SponsorID:     string(n.SponsorID),
		Rank:          n.Rank.String(),
		JoinDate:      n.JoinDate.String(),
		Active:        n.Active,
		MonthlyPoints: n.MonthlyPoints,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
