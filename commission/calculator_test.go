package commission_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var joined = generic.NewTimePoint(2022, 1, 10)

func distributor(id, sponsor string, rank network.Rank) network.Node {
	return network.Node{
		ID:        network.NodeID(id),
		SponsorID: network.NodeID(sponsor),
		Rank:      rank,
		JoinDate:  joined,
		Active:    true,
	}
}

func snapshot(t *testing.T, nodes []network.Node, promotions ...network.Promotion) *network.Snapshot {
	t.Helper()
	snap, err := network.NewSnapshot(nodes, promotions)
	require.NoError(t, err)
	return snap
}

func compute(t *testing.T, ev commission.Event, snap *network.Snapshot, book *rules.Book) commission.Result {
	t.Helper()
	res, err := commission.NewCalculator().Compute(ev, snap, book)
	require.NoError(t, err)
	return res
}

func byType(items []commission.LineItem, typ rules.CommissionType) []commission.LineItem {
	var out []commission.LineItem
	for _, li := range items {
		if li.Type == typ {
			out = append(out, li)
		}
	}
	return out
}

// sellerChain: S (seller) <- A1 (ETT) <- A2 (ETL) <- A3 (Manager)
func sellerChain() []network.Node {
	return []network.Node{
		distributor("A3", "", network.RankManager),
		distributor("A2", "A3", network.RankETL),
		distributor("A1", "A2", network.RankETT),
		distributor("S", "A1", network.RankConseiller),
	}
}

func ultraSale() commission.Sale {
	return commission.Sale{
		SaleID:           "FBX-1001",
		SellerID:         "S",
		Product:          rules.ProductFreeboxUltra,
		AcquisitionDate:  generic.NewTimePoint(2025, 3, 10),
		InstallationDate: generic.NewTimePoint(2025, 3, 18),
	}
}

// =============================================================================
// CVD
// =============================================================================

func TestCompute_CVD_SellerAndThreeAncestors(t *testing.T) {
	// GIVEN: A Freebox Ultra sale (base 30 EUR) by a node with 3 eligible ancestors
	// WHEN: Computing commissions
	// THEN: 4 CVD line items, one per generation, each at its generation rate
	res := compute(t, ultraSale(), snapshot(t, sellerChain()), rules.DefaultBook())

	cvd := byType(res.LineItems, rules.TypeCVD)
	require.Len(t, cvd, 4)
	assert.Empty(t, res.Unresolved)
	assert.Empty(t, res.Skipped)

	want := []struct {
		beneficiary network.NodeID
		generation  int
		amount      string
	}{
		{"S", 0, "60.00 EUR"},
		{"A1", 1, "15.00 EUR"},
		{"A2", 2, "10.00 EUR"},
		{"A3", 3, "5.00 EUR"},
	}
	for i, w := range want {
		assert.Equal(t, w.beneficiary, cvd[i].BeneficiaryID)
		assert.Equal(t, w.generation, cvd[i].Generation)
		assert.Equal(t, w.amount, cvd[i].Amount.String())
		assert.Equal(t, "sale:FBX-1001", cvd[i].SourceEventKey)
		assert.Equal(t, "2025-03-18", cvd[i].ReferenceDate.String(), "CVD is dated from installation")
		assert.Equal(t, rules.DefaultVersionID, cvd[i].RuleVersion)
	}
	assert.Equal(t, "90.00 EUR", res.Total().String())
}

func TestCompute_CVD_IneligibleAncestorStillCountsAsHop(t *testing.T) {
	// GIVEN: A1 is deactivated
	// WHEN: S sells
	// THEN: A1 gets nothing but A2 is still paid as generation 2
	nodes := sellerChain()
	nodes[2].Active = false

	cvd := byType(compute(t, ultraSale(), snapshot(t, nodes), rules.DefaultBook()).LineItems, rules.TypeCVD)

	require.Len(t, cvd, 3)
	assert.Equal(t, network.NodeID("S"), cvd[0].BeneficiaryID)
	assert.Equal(t, network.NodeID("A2"), cvd[1].BeneficiaryID)
	assert.Equal(t, 2, cvd[1].Generation)
	assert.Equal(t, "10.00 EUR", cvd[1].Amount.String())
}

func TestCompute_CVD_DepthLimitedByVersion(t *testing.T) {
	nodes := append([]network.Node{distributor("A4", "", network.RankRC)}, sellerChain()...)
	nodes[1].SponsorID = "A4" // A3 now has a sponsor at generation 4

	cvd := byType(compute(t, ultraSale(), snapshot(t, nodes), rules.DefaultBook()).LineItems, rules.TypeCVD)

	assert.Len(t, cvd, 4, "generation 4 is beyond the CVD depth")
}

func TestCompute_MissingRuleIsUnresolvedNotDropped(t *testing.T) {
	// GIVEN: A rule version with CVD rates for generations 0 and 1 only, depth 3
	// WHEN: S sells
	// THEN: Two line items, two unresolved commissions, nothing silently lost
	v := rules.Version{
		ID:        "partial",
		Effective: generic.DateRange{From: generic.NewTimePoint(2024, 1, 1)},
		Products:  rules.DefaultProducts(),
		Entries: []rules.Entry{
			{Type: rules.TypeCVD, Product: rules.ProductFreeboxUltra, Generation: 0, Rate: rules.Flat("60")},
			{Type: rules.TypeCVD, Product: rules.ProductFreeboxUltra, Generation: 1, Rate: rules.Flat("15")},
		},
		CVD: rules.CVDPolicy{MaxGeneration: 3},
	}
	book, err := rules.NewBook(v)
	require.NoError(t, err)

	res := compute(t, ultraSale(), snapshot(t, sellerChain()), book)

	require.Len(t, res.LineItems, 2)
	require.Len(t, res.Unresolved, 2)
	for _, u := range res.Unresolved {
		assert.Equal(t, commission.ReasonRuleNotFound, u.Reason)
		assert.Equal(t, commission.UnresolvedOpen, u.Status)
		assert.Equal(t, rules.TypeCVD, u.Type)
		assert.Contains(t, u.Detail, "partial")
	}
	assert.Equal(t, network.NodeID("A2"), res.Unresolved[0].BeneficiaryID)
	assert.Equal(t, 2, res.Unresolved[0].Generation)
}

func TestCompute_SaleBeforeAnyRuleVersion(t *testing.T) {
	sale := ultraSale()
	sale.AcquisitionDate = generic.NewTimePoint(2023, 6, 1)
	sale.InstallationDate = generic.TimePoint{}

	res := compute(t, sale, snapshot(t, sellerChain()), rules.DefaultBook())

	assert.Empty(t, res.LineItems)
	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, network.NodeID("S"), res.Unresolved[0].BeneficiaryID)
}

func TestCompute_UnknownSellerIsIntegrityError(t *testing.T) {
	sale := ultraSale()
	sale.SellerID = "ghost"

	_, err := commission.NewCalculator().Compute(sale, snapshot(t, sellerChain()), rules.DefaultBook())
	assert.ErrorIs(t, err, generic.ErrIntegrity)
}

func TestCompute_InvalidEvent(t *testing.T) {
	_, err := commission.NewCalculator().Compute(commission.Sale{SaleID: "x"}, snapshot(t, sellerChain()), rules.DefaultBook())
	assert.ErrorIs(t, err, generic.ErrInvalidEvent)
}

// =============================================================================
// CAE
// =============================================================================

// caeNetwork: R (recruit) <- E (ETT) <- M1 (Manager) <- M2 (Manager) <- T (RC)
func caeNetwork() []network.Node {
	recruit := distributor("R", "E", network.RankConseiller)
	recruit.JoinDate = generic.NewTimePoint(2025, 3, 5)
	return []network.Node{
		distributor("T", "", network.RankRC),
		distributor("M2", "T", network.RankManager),
		distributor("M1", "M2", network.RankManager),
		distributor("E", "M1", network.RankETT),
		recruit,
	}
}

func threshold(points int) commission.RecruitReachedThreshold {
	return commission.RecruitReachedThreshold{
		RecruitID: "R",
		Month:     generic.NewTimePoint(2025, 3, 1),
		Points:    points,
		ReachedAt: generic.NewTimePoint(2025, 3, 20),
	}
}

func TestCompute_CAE_OpenLineSameRankEachPaid(t *testing.T) {
	// GIVEN: Recruit reaches 25 points in its start month
	//        upline = ETT (gen1), Manager (gen2), Manager (gen3), RC (gen4)
	// WHEN: Computing the leadership bonus
	// THEN: The walk covers 2 generations, extends to the second Manager
	//       (same rank), stops at the RC; each Manager uses its own generation rate
	res := compute(t, threshold(25), snapshot(t, caeNetwork()), rules.DefaultBook())

	require.Len(t, res.LineItems, 3)
	assert.Empty(t, res.Unresolved)

	want := []struct {
		beneficiary network.NodeID
		rank        network.Rank
		generation  int
		amount      string
	}{
		{"E", network.RankETT, 1, "40.00 EUR"},
		{"M1", network.RankManager, 2, "150.00 EUR"},
		{"M2", network.RankManager, 3, "60.00 EUR"},
	}
	for i, w := range want {
		li := res.LineItems[i]
		assert.Equal(t, rules.TypeCAE, li.Type)
		assert.Equal(t, w.beneficiary, li.BeneficiaryID)
		assert.Equal(t, w.rank, li.Rank)
		assert.Equal(t, w.generation, li.Generation)
		assert.Equal(t, w.amount, li.Amount.String())
		assert.Equal(t, "cae:R:2025-03", li.SourceEventKey)
		assert.Equal(t, "2025-03-31", li.ReferenceDate.String())
	}
}

func TestCompute_CAE_WalkStopsAtBaseDepthWithoutSameRank(t *testing.T) {
	nodes := caeNetwork()
	nodes[1].Rank = network.RankRD // M2 no longer shares M1's rank

	res := compute(t, threshold(30), snapshot(t, nodes), rules.DefaultBook())

	require.Len(t, res.LineItems, 2)
	assert.Equal(t, network.NodeID("M1"), res.LineItems[1].BeneficiaryID)
}

func TestCompute_CAE_ExtensionDisabledByPolicy(t *testing.T) {
	v := rules.DefaultVersion()
	v.CAE.ExtendWhileSameRank = false
	book, err := rules.NewBook(v)
	require.NoError(t, err)

	res := compute(t, threshold(25), snapshot(t, caeNetwork()), book)

	assert.Len(t, res.LineItems, 2)
}

func TestCompute_CAE_BelowThresholdSkipped(t *testing.T) {
	res := compute(t, threshold(24), snapshot(t, caeNetwork()), rules.DefaultBook())

	assert.True(t, res.Empty())
	assert.Contains(t, res.Skipped, "below threshold")
	assert.True(t, res.NotYetQualified, "a later report in the month may still qualify")
}

func TestCompute_CAE_OnlyInStartMonth(t *testing.T) {
	ev := threshold(40)
	ev.Month = generic.NewTimePoint(2025, 4, 1)
	ev.ReachedAt = generic.NewTimePoint(2025, 4, 2)

	res := compute(t, ev, snapshot(t, caeNetwork()), rules.DefaultBook())

	assert.True(t, res.Empty())
	assert.Contains(t, res.Skipped, "not in 2025-04")
	assert.False(t, res.NotYetQualified)
}

func TestCompute_CAE_KeyIsRecruitAndMonth(t *testing.T) {
	a := threshold(25)
	b := threshold(31)
	b.ReachedAt = generic.NewTimePoint(2025, 3, 28)

	assert.Equal(t, a.Key(), b.Key(), "re-reported points in the same month share a key")
}

// =============================================================================
// CCA
// =============================================================================

// ccaNetwork builds s0 <- g1 <- ... <- g7 where g7 is X.
func ccaNetwork(ettSince generic.TimePoint) ([]network.Node, []network.Promotion) {
	nodes := []network.Node{distributor("X", "", network.RankETT)}
	sponsor := "X"
	for _, id := range []string{"g6", "g5", "g4", "g3", "g2", "g1", "s0"} {
		nodes = append(nodes, distributor(id, sponsor, network.RankConseiller))
		sponsor = id
	}
	promotions := []network.Promotion{{DistributorID: "X", NewRank: network.RankETT, EffectiveDate: ettSince}}
	return nodes, promotions
}

func ccaSale() commission.Sale {
	return commission.Sale{
		SaleID:          "FBX-7",
		SellerID:        "s0",
		Product:         rules.ProductFreeboxUltra,
		AcquisitionDate: generic.NewTimePoint(2025, 6, 1),
	}
}

func TestCompute_CCA_WithinWindow(t *testing.T) {
	// GIVEN: X attained ETT two and a half years before the sale
	// WHEN: Its 7th-generation descendant sells a Freebox Ultra
	// THEN: X receives 5% of the 30 EUR base amount
	nodes, promos := ccaNetwork(generic.NewTimePoint(2023, 1, 15))

	cca := byType(compute(t, ccaSale(), snapshot(t, nodes, promos...), rules.DefaultBook()).LineItems, rules.TypeCCA)

	require.Len(t, cca, 1)
	assert.Equal(t, network.NodeID("X"), cca[0].BeneficiaryID)
	assert.Equal(t, 7, cca[0].Generation)
	assert.Equal(t, "1.50 EUR", cca[0].Amount.String())
	assert.Equal(t, "2025-06-01", cca[0].ReferenceDate.String())
}

func TestCompute_CCA_OutsideWindow(t *testing.T) {
	// GIVEN: X attained ETT four years before the sale
	// THEN: No CCA line item
	nodes, promos := ccaNetwork(generic.NewTimePoint(2021, 6, 1))

	res := compute(t, ccaSale(), snapshot(t, nodes, promos...), rules.DefaultBook())

	assert.Empty(t, byType(res.LineItems, rules.TypeCCA))
	assert.NotEmpty(t, byType(res.LineItems, rules.TypeCVD), "CVD is unaffected")
}

func TestCompute_CCA_BeforeAttainment(t *testing.T) {
	nodes, promos := ccaNetwork(generic.NewTimePoint(2025, 7, 1))

	res := compute(t, ccaSale(), snapshot(t, nodes, promos...), rules.DefaultBook())

	assert.Empty(t, byType(res.LineItems, rules.TypeCCA))
}

func TestCompute_CCA_WindowEndsOnAnniversary(t *testing.T) {
	nodes, promos := ccaNetwork(generic.NewTimePoint(2022, 6, 1))
	snap := snapshot(t, nodes, promos...)

	lastDay := ccaSale()
	lastDay.AcquisitionDate = generic.NewTimePoint(2025, 5, 31)
	assert.Len(t, byType(compute(t, lastDay, snap, rules.DefaultBook()).LineItems, rules.TypeCCA), 1)

	anniversary := ccaSale()
	assert.Empty(t, byType(compute(t, anniversary, snap, rules.DefaultBook()).LineItems, rules.TypeCCA))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestCompute_Deterministic(t *testing.T) {
	nodes, promos := ccaNetwork(generic.NewTimePoint(2024, 1, 1))
	snap := snapshot(t, nodes, promos...)
	book := rules.DefaultBook()

	first := compute(t, ccaSale(), snap, book)
	second := compute(t, ccaSale(), snap, book)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCompute_AtMostOnePerEventTypeBeneficiary(t *testing.T) {
	nodes, promos := ccaNetwork(generic.NewTimePoint(2024, 1, 1))
	res := compute(t, ccaSale(), snapshot(t, nodes, promos...), rules.DefaultBook())

	seen := map[string]bool{}
	for _, li := range res.LineItems {
		key := li.IdempotencyKey()
		assert.False(t, seen[key], "duplicate %s", key)
		seen[key] = true
		assert.Equal(t, commission.LineItemID(li.SourceEventKey, li.Type, li.BeneficiaryID), li.ID)
	}
	assert.Len(t, seen, 5, "4 CVD + 1 CCA")
}

func TestCompute_PositionChangePaysNothing(t *testing.T) {
	ev := commission.PositionChange{DistributorID: "A1", NewRank: network.RankETL, EffectiveDate: generic.NewTimePoint(2025, 2, 1)}

	res := compute(t, ev, snapshot(t, sellerChain()), rules.DefaultBook())

	assert.True(t, res.Empty())
	assert.NotEmpty(t, res.Skipped)
	assert.Equal(t, "promotion:A1:ETL:2025-02-01", ev.Key())
}
