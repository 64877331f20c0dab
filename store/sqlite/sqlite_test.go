package sqlite_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/automation"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/payment"
	"github.com/warp/commission-engine/rules"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var fixedNow = time.Date(2025, 4, 2, 6, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:",
		sqlite.WithLogger(quietLogger()),
		sqlite.WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func node(id, sponsor string, rank network.Rank) network.Node {
	return network.Node{
		ID:        network.NodeID(id),
		SponsorID: network.NodeID(sponsor),
		Rank:      rank,
		JoinDate:  generic.NewTimePoint(2022, 1, 10),
		Active:    true,
	}
}

// seedChain stores S <- A1 <- A2 <- A3.
func seedChain(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	for _, n := range []network.Node{
		node("A3", "", network.RankManager),
		node("A2", "A3", network.RankETL),
		node("A1", "A2", network.RankETT),
		node("S", "A1", network.RankConseiller),
	} {
		require.NoError(t, store.SaveDistributor(ctx, n))
	}
}

func ultraSale(id string) commission.Sale {
	return commission.Sale{
		SaleID:           id,
		SellerID:         "S",
		Product:          rules.ProductFreeboxUltra,
		AcquisitionDate:  generic.NewTimePoint(2025, 3, 10),
		InstallationDate: generic.NewTimePoint(2025, 3, 18),
	}
}

func newRunner(store *sqlite.Store, source automation.RuleSource) *automation.Runner {
	return automation.NewRunner(store, source, automation.DefaultConfig(),
		automation.WithLogger(quietLogger()),
		automation.WithClock(func() time.Time { return fixedNow }),
	)
}

// =============================================================================
// NETWORK
// =============================================================================

func TestDistributors_UpsertAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedChain(t, store)

	updated := node("A1", "A2", network.RankETL)
	updated.MonthlyPoints = 30
	require.NoError(t, store.SaveDistributor(ctx, updated))
	require.NoError(t, store.SavePromotion(ctx, network.Promotion{
		DistributorID: "A1", NewRank: network.RankETL, EffectiveDate: generic.NewTimePoint(2025, 2, 1),
	}))
	require.NoError(t, store.SavePromotion(ctx, network.Promotion{
		DistributorID: "A1", NewRank: network.RankETL, EffectiveDate: generic.NewTimePoint(2025, 2, 1),
	}))

	got, err := store.GetDistributor(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, network.RankETL, got.Rank)
	assert.Equal(t, 30, got.MonthlyPoints)

	promotions, err := store.ListPromotions(ctx)
	require.NoError(t, err)
	assert.Len(t, promotions, 1)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	root, err := snap.Root("S")
	require.NoError(t, err)
	assert.Equal(t, network.NodeID("A3"), root)

	_, err = store.GetDistributor(ctx, "ghost")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// EVENT INBOX
// =============================================================================

func TestIngestEvent_DuplicateKeyRejected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.IngestEvent(ctx, ultraSale("FBX-1001")))
	err := store.IngestEvent(ctx, ultraSale("FBX-1001"))

	var dup *generic.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "sale:FBX-1001", dup.EventKey)

	pending, err := store.ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	sale, ok := pending[0].Event.(commission.Sale)
	require.True(t, ok)
	assert.Equal(t, rules.ProductFreeboxUltra, sale.Product)
	assert.Equal(t, "2025-03-18", sale.InstallationDate.String())
}

func TestIngestEvent_InvalidPayloadRejected(t *testing.T) {
	store := newStore(t)
	sale := ultraSale("")

	err := store.IngestEvent(context.Background(), sale)
	assert.ErrorIs(t, err, generic.ErrInvalidEvent)
}

func TestWithTx_ClaimTwiceIsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.IngestEvent(ctx, ultraSale("FBX-1001")))

	require.NoError(t, store.WithTx(ctx, func(tx automation.Tx) error {
		return tx.ClaimEvent(ctx, "sale:FBX-1001", fixedNow)
	}))
	err := store.WithTx(ctx, func(tx automation.Tx) error {
		return tx.ClaimEvent(ctx, "sale:FBX-1001", fixedNow)
	})
	assert.ErrorIs(t, err, generic.ErrDuplicateEvent)

	err = store.WithTx(ctx, func(tx automation.Tx) error {
		return tx.ClaimEvent(ctx, "sale:unknown", fixedNow)
	})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestWithTx_RollbackLeavesEventPending(t *testing.T) {
	// GIVEN: A claim followed by a failing write in the same transaction
	// WHEN: The transaction aborts
	// THEN: The event is still pending and no line item exists
	ctx := context.Background()
	store := newStore(t)
	seedChain(t, store)
	require.NoError(t, store.IngestEvent(ctx, ultraSale("FBX-1001")))

	li := commission.LineItem{
		ID:             commission.LineItemID("sale:FBX-1001", rules.TypeCVD, "S"),
		BeneficiaryID:  "S",
		Type:           rules.TypeCVD,
		Amount:         generic.EUR("60"),
		SourceEventKey: "sale:FBX-1001",
		ReferenceDate:  generic.NewTimePoint(2025, 3, 18),
		ComputedAt:     fixedNow,
	}
	err := store.WithTx(ctx, func(tx automation.Tx) error {
		if err := tx.ClaimEvent(ctx, "sale:FBX-1001", fixedNow); err != nil {
			return err
		}
		if _, err := tx.AppendLineItems(ctx, []commission.LineItem{li}); err != nil {
			return err
		}
		return generic.ErrLockNotAcquired
	})
	require.ErrorIs(t, err, generic.ErrLockNotAcquired)

	ev, err := store.GetEvent(ctx, "sale:FBX-1001")
	require.NoError(t, err)
	assert.True(t, ev.Pending())
	items, err := store.ListLineItems(ctx, sqlite.LineItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRecordEventFailure_CountsAttempts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.IngestEvent(ctx, ultraSale("FBX-1001")))

	require.NoError(t, store.RecordEventFailure(ctx, "sale:FBX-1001", generic.ErrIntegrity))
	require.NoError(t, store.RecordEventFailure(ctx, "sale:FBX-1001", generic.ErrIntegrity))

	ev, err := store.GetEvent(ctx, "sale:FBX-1001")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, generic.ErrIntegrity.Error(), ev.LastError)
	assert.True(t, ev.Pending())
}

func TestListPendingEvents_FewestAttemptsFirst(t *testing.T) {
	// GIVEN: Two events that keep failing, ingested before a fresh one
	// WHEN: Listing a batch of 2
	// THEN: The fresh event comes first
	ctx := context.Background()
	store := newStore(t)
	for _, id := range []string{"FBX-1", "FBX-2", "FBX-3"} {
		require.NoError(t, store.IngestEvent(ctx, ultraSale(id)))
	}
	for _, key := range []string{"sale:FBX-1", "sale:FBX-2"} {
		require.NoError(t, store.RecordEventFailure(ctx, key, generic.ErrIntegrity))
	}

	batch, err := store.ListPendingEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "sale:FBX-3", batch[0].Key)
	assert.Equal(t, "sale:FBX-1", batch[1].Key)
}

func TestIngestEvent_ThresholdReReportSupersedesPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	report := commission.RecruitReachedThreshold{
		RecruitID: "R",
		Month:     generic.NewTimePoint(2025, 3, 1),
		Points:    10,
		ReachedAt: generic.NewTimePoint(2025, 3, 12),
	}
	require.NoError(t, store.IngestEvent(ctx, report))
	require.NoError(t, store.RecordEventFailure(ctx, report.Key(), errors.New("not qualified yet")))

	report.Points = 25
	report.ReachedAt = generic.NewTimePoint(2025, 3, 20)
	require.NoError(t, store.IngestEvent(ctx, report))

	rec, err := store.GetEvent(ctx, report.Key())
	require.NoError(t, err)
	assert.Equal(t, 25, rec.Event.(commission.RecruitReachedThreshold).Points)
	assert.Zero(t, rec.Attempts)
	assert.Empty(t, rec.LastError)

	report.Points = 20
	var dup *generic.DuplicateEventError
	assert.ErrorAs(t, store.IngestEvent(ctx, report), &dup)

	require.NoError(t, store.WithTx(ctx, func(tx automation.Tx) error {
		return tx.ClaimEvent(ctx, report.Key(), fixedNow)
	}))
	report.Points = 40
	assert.ErrorAs(t, store.IngestEvent(ctx, report), &dup, "a processed month is never reopened by a re-report")
}

func TestRecordPromotions_AppendsHistoryAndRank(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedChain(t, store)

	history := []network.Promotion{
		{DistributorID: "A2", NewRank: network.RankETL, EffectiveDate: generic.NewTimePoint(2022, 1, 10)},
		{DistributorID: "A2", NewRank: network.RankManager, EffectiveDate: generic.NewTimePoint(2025, 3, 1)},
	}
	var created int
	require.NoError(t, store.WithTx(ctx, func(tx automation.Tx) error {
		var err error
		created, err = tx.RecordPromotions(ctx, history)
		return err
	}))
	assert.Equal(t, 2, created)

	require.NoError(t, store.WithTx(ctx, func(tx automation.Tx) error {
		var err error
		created, err = tx.RecordPromotions(ctx, history[:1])
		return err
	}))
	assert.Zero(t, created)

	a2, err := store.GetDistributor(ctx, "A2")
	require.NoError(t, err)
	assert.Equal(t, network.RankManager, a2.Rank, "an older promotion never lowers the current rank")

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, network.RankETL, snap.RankAt("A2", generic.NewTimePoint(2024, 12, 31)))
}

// =============================================================================
// RUNNER AGAINST SQLITE
// =============================================================================

func TestRunOnce_PersistsLedger(t *testing.T) {
	// GIVEN: A Freebox Ultra sale by S, with 3 ancestors
	// WHEN: The runner processes the batch twice
	// THEN: 4 line items and 4 obligations exist once, and both runs are audited
	ctx := context.Background()
	store := newStore(t)
	seedChain(t, store)
	require.NoError(t, store.IngestEvent(ctx, ultraSale("FBX-1001")))

	runner := newRunner(store, store)
	summary, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.LineItemsCreated)
	assert.Equal(t, 4, summary.ObligationsCreated)

	second, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.EventsProcessed)

	items, err := store.ListLineItems(ctx, sqlite.LineItemFilter{SourceEventKey: "sale:FBX-1001"})
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, rules.DefaultVersionID, items[0].RuleVersion)

	obligations, err := store.ListObligations(ctx, sqlite.ObligationFilter{})
	require.NoError(t, err)
	require.Len(t, obligations, 4)
	for _, ob := range obligations {
		assert.Equal(t, "2025-04-15", ob.DueDate.String())
		assert.Equal(t, payment.StatusScheduled, ob.Status)
	}

	seller, err := store.ListObligations(ctx, sqlite.ObligationFilter{BeneficiaryID: "S"})
	require.NoError(t, err)
	require.Len(t, seller, 1)
	assert.Equal(t, "60.00 EUR", seller[0].Amount.String())

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, automation.RunCompleted, run.Status)
		require.NotNil(t, run.CompletedAt)
	}
}

func TestRunOnce_ReopenedEventBecomesConflict(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedChain(t, store)
	require.NoError(t, store.IngestEvent(ctx, ultraSale("FBX-1001")))
	_, err := newRunner(store, store).RunOnce(ctx)
	require.NoError(t, err)

	v := rules.DefaultVersion()
	for i, e := range v.Entries {
		if e.Type == rules.TypeCVD && e.Product == rules.ProductFreeboxUltra && e.Generation == 0 {
			v.Entries[i].Rate = rules.Flat("65")
		}
	}
	corrected, err := rules.NewBook(v)
	require.NoError(t, err)

	require.NoError(t, store.ReopenEvent(ctx, "sale:FBX-1001"))
	summary, err := newRunner(store, automation.StaticRules{Book: corrected}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)

	queue, err := store.ListUnresolved(ctx, commission.UnresolvedOpen)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, commission.ReasonSchedulingConflict, queue[0].Reason)

	seller, err := store.ListObligations(ctx, sqlite.ObligationFilter{BeneficiaryID: "S"})
	require.NoError(t, err)
	require.Len(t, seller, 1)
	assert.Equal(t, "60.00 EUR", seller[0].Amount.String())
}

// =============================================================================
// OPERATOR ACTIONS
// =============================================================================

func processedStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store := newStore(t)
	seedChain(t, store)
	ctx := context.Background()
	require.NoError(t, store.IngestEvent(ctx, ultraSale("FBX-1001")))
	_, err := newRunner(store, store).RunOnce(ctx)
	require.NoError(t, err)
	return store
}

func TestObligationTransitions(t *testing.T) {
	ctx := context.Background()
	store := processedStore(t)

	obligations, err := store.ListObligations(ctx, sqlite.ObligationFilter{})
	require.NoError(t, err)
	require.Len(t, obligations, 4)

	paid, err := store.MarkObligationPaid(ctx, obligations[0].ID, "PAYROLL-2025-04", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, paid.Status)

	stored, err := store.GetObligation(ctx, obligations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "PAYROLL-2025-04", stored.PaidRef)
	require.NotNil(t, stored.PaidAt)

	_, err = store.CancelObligation(ctx, obligations[0].ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	cancelled, err := store.CancelObligation(ctx, obligations[1].ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, cancelled.Status)

	_, err = store.MarkObligationPaid(ctx, obligations[1].ID, "late", fixedNow)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	_, err = store.CancelObligation(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	scheduled, err := store.ListObligations(ctx, sqlite.ObligationFilter{Status: payment.StatusScheduled})
	require.NoError(t, err)
	assert.Len(t, scheduled, 2)
}

func TestObligations_DueWindowFilter(t *testing.T) {
	ctx := context.Background()
	store := processedStore(t)

	in, err := store.ListObligations(ctx, sqlite.ObligationFilter{
		DueFrom: generic.NewTimePoint(2025, 4, 1),
		DueTo:   generic.NewTimePoint(2025, 4, 15),
	})
	require.NoError(t, err)
	assert.Len(t, in, 4)

	out, err := store.ListObligations(ctx, sqlite.ObligationFilter{DueTo: generic.NewTimePoint(2025, 4, 14)})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResolveUnresolved(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedChain(t, store)

	sale := ultraSale("FBX-2001")
	sale.Product = "freebox_delta"
	sale.BaseAmount = generic.EUR("45")
	require.NoError(t, store.IngestEvent(ctx, sale))
	_, err := newRunner(store, store).RunOnce(ctx)
	require.NoError(t, err)

	queue, err := store.ListUnresolved(ctx, commission.UnresolvedOpen)
	require.NoError(t, err)
	require.NotEmpty(t, queue)

	resolved, err := store.ResolveUnresolved(ctx, queue[0].ID, "ops@warp", "paid manually")
	require.NoError(t, err)
	assert.Equal(t, commission.UnresolvedResolved, resolved.Status)
	assert.Equal(t, "ops@warp", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = store.ResolveUnresolved(ctx, queue[0].ID, "ops@warp", "")
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	_, err = store.ResolveUnresolved(ctx, "missing", "ops@warp", "")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	open, err := store.ListUnresolved(ctx, commission.UnresolvedOpen)
	require.NoError(t, err)
	assert.Len(t, open, len(queue)-1)
}

// =============================================================================
// RULE VERSIONS
// =============================================================================

func TestRuleBook_DefaultsThenStoredVersions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	book, err := store.RuleBook(ctx)
	require.NoError(t, err)
	assert.Equal(t, rules.DefaultVersionID, book.Versions()[0].ID)

	require.NoError(t, store.SaveRuleVersion(ctx, rules.DefaultVersion()))

	next := rules.DefaultVersion()
	next.ID = "plan-2025"
	next.Effective = generic.DateRange{From: generic.NewTimePoint(2025, 1, 1)}
	require.NoError(t, store.SaveRuleVersion(ctx, next))

	book, err = store.RuleBook(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, book.Len())
	v, ok := book.VersionAt(generic.NewTimePoint(2025, 6, 1))
	require.True(t, ok)
	assert.Equal(t, "plan-2025", v.ID)

	stale := rules.DefaultVersion()
	stale.ID = "plan-2023"
	stale.Effective = generic.DateRange{From: generic.NewTimePoint(2023, 1, 1)}
	assert.ErrorIs(t, store.SaveRuleVersion(ctx, stale), generic.ErrInvalidRuleBook)

	ids, err := store.RuleVersionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"plan-2024", "plan-2025"}, ids)
}

func TestReset_ClearsData(t *testing.T) {
	ctx := context.Background()
	store := processedStore(t)

	require.NoError(t, store.Reset(ctx))

	nodes, err := store.ListDistributors(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	obligations, err := store.ListObligations(ctx, sqlite.ObligationFilter{})
	require.NoError(t, err)
	assert.Empty(t, obligations)
}
