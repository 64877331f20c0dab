package payment

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// SCHEDULER
// =============================================================================

// ObligationReader looks up an obligation by line item. It returns
// (nil, nil) when none exists.
type ObligationReader interface {
	ObligationByLineItem(ctx context.Context, lineItemID string) (*Obligation, error)
}

// Conflict is an existing obligation whose amount disagrees with the
// recomputed line item. The existing obligation is never overwritten.
type Conflict struct {
	LineItem commission.LineItem
	Existing Obligation
	Err      *generic.SchedulingConflictError
}

// Plan is the outcome of Schedule. Only Created needs persisting.
type Plan struct {
	Created   []Obligation
	Existing  []Obligation
	Conflicts []Conflict

	ordered []Obligation
}

// Obligations returns created and existing obligations in input order.
func (p Plan) Obligations() []Obligation {
	return append([]Obligation(nil), p.ordered...)
}

// Scheduler converts line items into obligations. Scheduling the same line
// item twice returns the stored obligation unchanged.
type Scheduler struct {
	calendar Calendar
	reader   ObligationReader
}

func NewScheduler(calendar Calendar, reader ObligationReader) *Scheduler {
	if calendar == nil {
		calendar = DefaultCalendar()
	}
	return &Scheduler{calendar: calendar, reader: reader}
}

// WithReader returns a scheduler sharing the calendar but reading through r,
// typically a store transaction.
func (s *Scheduler) WithReader(r ObligationReader) *Scheduler {
	return &Scheduler{calendar: s.calendar, reader: r}
}

func (s *Scheduler) Calendar() Calendar { return s.calendar }

// Schedule plans obligations for items. Business conflicts are reported in
// the plan; only lookup failures and calendar misconfiguration are errors.
func (s *Scheduler) Schedule(ctx context.Context, items []commission.LineItem) (Plan, error) {
	var plan Plan
	inBatch := make(map[string]Obligation, len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		if ob, ok := inBatch[item.ID]; ok {
			plan.Existing = append(plan.Existing, ob)
			plan.ordered = append(plan.ordered, ob)
			continue
		}

		existing, err := s.lookup(ctx, item.ID)
		if err != nil {
			return Plan{}, err
		}
		if existing != nil {
			if !existing.Amount.Equal(item.Amount) {
				plan.Conflicts = append(plan.Conflicts, Conflict{
					LineItem: item,
					Existing: *existing,
					Err: &generic.SchedulingConflictError{
						LineItemID:   item.ID,
						ObligationID: existing.ID,
						Existing:     existing.Amount,
						Computed:     item.Amount,
					},
				})
				continue
			}
			inBatch[item.ID] = *existing
			plan.Existing = append(plan.Existing, *existing)
			plan.ordered = append(plan.ordered, *existing)
			continue
		}

		due, err := s.calendar.DueDate(item.Type, item.ReferenceDate)
		if err != nil {
			return Plan{}, fmt.Errorf("line item %s: %w", item.ID, err)
		}
		ob := NewObligation(item, due)
		inBatch[item.ID] = ob
		plan.Created = append(plan.Created, ob)
		plan.ordered = append(plan.ordered, ob)
	}

	return plan, nil
}

func (s *Scheduler) lookup(ctx context.Context, lineItemID string) (*Obligation, error) {
	if s.reader == nil {
		return nil, nil
	}
	return s.reader.ObligationByLineItem(ctx, lineItemID)
}

// =============================================================================
// STATEMENTS - Per beneficiary per pay date
// =============================================================================

// Statement aggregates the obligations one beneficiary is due on one date.
type Statement struct {
	BeneficiaryID network.NodeID
	DueDate       generic.TimePoint
	Total         generic.Amount
	ByType        map[rules.CommissionType]generic.Amount
	ObligationIDs []string
	Paid          bool // Every obligation in the statement is Paid
}

// BuildStatements groups non-cancelled obligations by (beneficiary, due date),
// ordered by due date then beneficiary.
func BuildStatements(obligations []Obligation) []Statement {
	type key struct {
		beneficiary network.NodeID
		due         string
	}
	index := make(map[key]int)
	var statements []Statement

	for _, ob := range obligations {
		if ob.Status == StatusCancelled {
			continue
		}
		k := key{beneficiary: ob.BeneficiaryID, due: ob.DueDate.String()}
		i, ok := index[k]
		if !ok {
			i = len(statements)
			index[k] = i
			statements = append(statements, Statement{
				BeneficiaryID: ob.BeneficiaryID,
				DueDate:       ob.DueDate,
				Total:         generic.EUR("0"),
				ByType:        make(map[rules.CommissionType]generic.Amount),
				Paid:          true,
			})
		}
		st := &statements[i]
		st.Total = st.Total.Add(ob.Amount)
		if prev, ok := st.ByType[ob.Type]; ok {
			st.ByType[ob.Type] = prev.Add(ob.Amount)
		} else {
			st.ByType[ob.Type] = ob.Amount
		}
		st.ObligationIDs = append(st.ObligationIDs, ob.ID)
		st.Paid = st.Paid && ob.Status == StatusPaid
	}

	sort.SliceStable(statements, func(i, j int) bool {
		if !statements[i].DueDate.Equal(statements[j].DueDate) {
			return statements[i].DueDate.Before(statements[j].DueDate)
		}
		return statements[i].BeneficiaryID < statements[j].BeneficiaryID
	})
	return statements
}
