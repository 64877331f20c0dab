package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/payment"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// mapReader is an in-memory ObligationReader.
type mapReader map[string]payment.Obligation

func (m mapReader) ObligationByLineItem(_ context.Context, lineItemID string) (*payment.Obligation, error) {
	ob, ok := m[lineItemID]
	if !ok {
		return nil, nil
	}
	return &ob, nil
}

func (m mapReader) save(obs []payment.Obligation) {
	for _, ob := range obs {
		m[ob.LineItemID] = ob
	}
}

func item(beneficiary string, typ rules.CommissionType, amount string, ref generic.TimePoint) commission.LineItem {
	key := "sale:S-1"
	ben := network.NodeID("n-" + beneficiary)
	return commission.LineItem{
		ID:             commission.LineItemID(key, typ, ben),
		BeneficiaryID:  ben,
		Type:           typ,
		Amount:         generic.EUR(amount),
		SourceEventKey: key,
		ReferenceDate:  ref,
	}
}

// =============================================================================
// CALENDAR RULES
// =============================================================================

func TestCalendar_DefaultRules(t *testing.T) {
	cal := payment.DefaultCalendar()

	cases := []struct {
		name string
		typ  rules.CommissionType
		ref  generic.TimePoint
		want string
	}{
		{"CVD 15th of next month", rules.TypeCVD, generic.NewTimePoint(2025, 3, 18), "2025-04-15"},
		{"CVD across year end", rules.TypeCVD, generic.NewTimePoint(2025, 12, 5), "2026-01-15"},
		{"CCA 22nd of next month", rules.TypeCCA, generic.NewTimePoint(2025, 1, 31), "2025-02-22"},
		{"CAE month ends on Monday", rules.TypeCAE, generic.NewTimePoint(2025, 3, 31), "2025-04-11"},
		{"CAE month ends on Friday", rules.TypeCAE, generic.NewTimePoint(2025, 2, 28), "2025-03-07"},
		{"CAE month ends on Sunday", rules.TypeCAE, generic.NewTimePoint(2025, 8, 31), "2025-09-05"},
		{"CAE any day of the month", rules.TypeCAE, generic.NewTimePoint(2025, 8, 3), "2025-09-05"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			due, err := cal.DueDate(tc.typ, tc.ref)
			require.NoError(t, err)
			assert.Equal(t, tc.want, due.String())
		})
	}
}

func TestDayOfNextMonth_ClampsToMonthEnd(t *testing.T) {
	due := payment.DayOfNextMonth{Day: 31}.Apply(generic.NewTimePoint(2025, 1, 15))
	assert.Equal(t, "2025-02-28", due.String())
}

func TestCalendar_MissingRuleOrReference(t *testing.T) {
	cal := payment.Calendar{rules.TypeCVD: payment.OffsetDays{Days: 30}}

	_, err := cal.DueDate(rules.TypeCAE, generic.NewTimePoint(2025, 1, 1))
	assert.Error(t, err)

	_, err = cal.DueDate(rules.TypeCVD, generic.TimePoint{})
	assert.Error(t, err)

	due, err := cal.DueDate(rules.TypeCVD, generic.NewTimePoint(2025, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, "2025-01-31", due.String())
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestSchedule_CreatesDatedObligations(t *testing.T) {
	ref := generic.NewTimePoint(2025, 3, 18)
	items := []commission.LineItem{
		item("S", rules.TypeCVD, "60", ref),
		item("A1", rules.TypeCVD, "15", ref),
	}

	plan, err := payment.NewScheduler(nil, mapReader{}).Schedule(context.Background(), items)
	require.NoError(t, err)

	require.Len(t, plan.Created, 2)
	for i, ob := range plan.Created {
		assert.Equal(t, items[i].ID, ob.LineItemID)
		assert.Equal(t, payment.ObligationID(items[i].ID), ob.ID)
		assert.Equal(t, payment.StatusScheduled, ob.Status)
		assert.Equal(t, "2025-04-15", ob.DueDate.String())
		assert.True(t, ob.Amount.Equal(items[i].Amount))
	}
}

func TestSchedule_Idempotent(t *testing.T) {
	// GIVEN: Line items scheduled and persisted once
	// WHEN: Scheduling the same items again (e.g. on the next server start)
	// THEN: Nothing new is created and the same obligations are returned
	ctx := context.Background()
	reader := mapReader{}
	scheduler := payment.NewScheduler(nil, reader)
	ref := generic.NewTimePoint(2025, 3, 31)
	items := []commission.LineItem{
		item("E", rules.TypeCAE, "40", ref),
		item("M1", rules.TypeCAE, "150", ref),
	}

	first, err := scheduler.Schedule(ctx, items)
	require.NoError(t, err)
	reader.save(first.Created)

	second, err := scheduler.Schedule(ctx, items)
	require.NoError(t, err)

	assert.Empty(t, second.Created)
	assert.Empty(t, second.Conflicts)
	assert.Equal(t, first.Obligations(), second.Obligations())
}

func TestSchedule_DuplicateWithinBatch(t *testing.T) {
	ref := generic.NewTimePoint(2025, 3, 18)
	li := item("S", rules.TypeCVD, "60", ref)

	plan, err := payment.NewScheduler(nil, nil).Schedule(context.Background(), []commission.LineItem{li, li})
	require.NoError(t, err)

	assert.Len(t, plan.Created, 1)
	assert.Len(t, plan.Existing, 1)
}

func TestSchedule_AmountMismatchIsConflict(t *testing.T) {
	// GIVEN: An obligation already scheduled for 60 EUR
	// WHEN: The line item is recomputed at 65 EUR
	// THEN: A conflict is reported and the stored obligation is untouched
	ctx := context.Background()
	reader := mapReader{}
	ref := generic.NewTimePoint(2025, 3, 18)
	original := item("S", rules.TypeCVD, "60", ref)

	plan, err := payment.NewScheduler(nil, reader).Schedule(ctx, []commission.LineItem{original})
	require.NoError(t, err)
	reader.save(plan.Created)

	changed := original
	changed.Amount = generic.EUR("65")
	plan, err = payment.NewScheduler(nil, reader).Schedule(ctx, []commission.LineItem{changed})
	require.NoError(t, err)

	assert.Empty(t, plan.Created)
	require.Len(t, plan.Conflicts, 1)
	assert.ErrorIs(t, plan.Conflicts[0].Err, generic.ErrSchedulingConflict)
	assert.Equal(t, "60.00 EUR", plan.Conflicts[0].Existing.Amount.String())
	assert.Equal(t, "60.00 EUR", reader[original.ID].Amount.String())
}

func TestSchedule_DueDateIgnoresRunDate(t *testing.T) {
	ref := generic.NewTimePoint(2024, 11, 2)
	plan, err := payment.NewScheduler(nil, nil).Schedule(context.Background(),
		[]commission.LineItem{item("S", rules.TypeCCA, "1.5", ref)})
	require.NoError(t, err)

	assert.Equal(t, "2024-12-22", plan.Created[0].DueDate.String())
}

func TestSchedule_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := payment.NewScheduler(nil, nil).Schedule(ctx,
		[]commission.LineItem{item("S", rules.TypeCVD, "60", generic.NewTimePoint(2025, 1, 1))})
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

func TestObligation_Transitions(t *testing.T) {
	ob := payment.NewObligation(item("S", rules.TypeCVD, "60", generic.NewTimePoint(2025, 1, 1)), generic.NewTimePoint(2025, 2, 15))

	paidAt := time.Date(2025, 2, 15, 9, 0, 0, 0, time.UTC)
	require.NoError(t, ob.MarkPaid("PAY-2025-02", paidAt))
	assert.Equal(t, payment.StatusPaid, ob.Status)
	assert.Equal(t, "PAY-2025-02", ob.PaidRef)

	assert.ErrorIs(t, ob.MarkPaid("again", paidAt), generic.ErrInvalidTransition)
	assert.ErrorIs(t, ob.Cancel(), generic.ErrInvalidTransition)

	other := payment.NewObligation(item("A1", rules.TypeCVD, "15", generic.NewTimePoint(2025, 1, 1)), generic.NewTimePoint(2025, 2, 15))
	require.NoError(t, other.Cancel())
	assert.ErrorIs(t, other.MarkPaid("x", paidAt), generic.ErrInvalidTransition)
}

// =============================================================================
// STATEMENTS
// =============================================================================

func TestBuildStatements_GroupsPerBeneficiaryAndDate(t *testing.T) {
	due := generic.NewTimePoint(2025, 4, 15)
	a := payment.NewObligation(item("S", rules.TypeCVD, "60", generic.NewTimePoint(2025, 3, 1)), due)
	b := payment.NewObligation(item("S", rules.TypeCCA, "1.5", generic.NewTimePoint(2025, 3, 1)), due)
	c := payment.NewObligation(item("A1", rules.TypeCVD, "15", generic.NewTimePoint(2025, 3, 1)), due)
	cancelled := payment.NewObligation(item("A2", rules.TypeCVD, "10", generic.NewTimePoint(2025, 3, 1)), due)
	require.NoError(t, cancelled.Cancel())

	statements := payment.BuildStatements([]payment.Obligation{a, b, c, cancelled})

	require.Len(t, statements, 2)
	assert.Equal(t, "n-A1", string(statements[0].BeneficiaryID))
	assert.Equal(t, "n-S", string(statements[1].BeneficiaryID))
	assert.Equal(t, "61.50 EUR", statements[1].Total.String())
	assert.Len(t, statements[1].ObligationIDs, 2)
	assert.False(t, statements[1].Paid)
}
