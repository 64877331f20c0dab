package commission

import (
	"fmt"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// RESULT
// =============================================================================

// Result is the outcome of computing one event. A missing rule never fails
// the event: it becomes an Unresolved entry while the other payouts proceed.
type Result struct {
	EventKey   string
	LineItems  []LineItem
	Unresolved []Unresolved

	// Skipped explains why an event produced nothing (below threshold, no
	// eligible beneficiary, promotion). Empty when anything was produced.
	Skipped string

	// NotYetQualified is set when the event may still qualify on a later
	// report (points below the CAE threshold). Such an event must not be
	// marked processed.
	NotYetQualified bool
}

func (r Result) Empty() bool { return len(r.LineItems) == 0 && len(r.Unresolved) == 0 }

// Total sums the line item amounts.
func (r Result) Total() generic.Amount {
	total := generic.EUR("0")
	for _, li := range r.LineItems {
		total = total.Add(li.Amount)
	}
	return total
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Calculator computes line items. It holds no state and performs no I/O;
// everything it reads comes from the snapshot and the rule book.
type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

// Compute dispatches on the event variant. The only errors returned are
// invalid events and *generic.IntegrityError from the snapshot.
func (c *Calculator) Compute(ev Event, snap *network.Snapshot, book *rules.Book) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}

	b := &resultBuilder{
		res:  Result{EventKey: ev.Key()},
		seen: make(map[string]bool),
		book: book,
	}

	var err error
	switch e := ev.(type) {
	case Sale:
		err = c.computeSale(b, e, snap)
	case RecruitReachedThreshold:
		err = c.computeLeadershipBonus(b, e, snap)
	case PositionChange:
		// Promotions only feed rank history; they pay nothing themselves.
		b.skip("position change carries no payout")
	default:
		err = fmt.Errorf("%w: unsupported event type %T", generic.ErrInvalidEvent, ev)
	}
	if err != nil {
		return Result{}, err
	}

	if b.res.Empty() && b.res.Skipped == "" {
		b.skip("no eligible beneficiary")
	}
	if !b.res.Empty() {
		b.res.Skipped = ""
	}
	return b.res, nil
}

// =============================================================================
// SALE - CVD and CCA
// =============================================================================

func (c *Calculator) computeSale(b *resultBuilder, sale Sale, snap *network.Snapshot) error {
	seller, ok := snap.Node(sale.SellerID)
	if !ok {
		return &generic.IntegrityError{NodeID: string(sale.SellerID), Reason: "unknown node"}
	}
	ancestors, err := snap.GetAncestors(seller.ID)
	if err != nil {
		return err
	}

	date := sale.AcquisitionDate
	version, ok := b.book.VersionAt(date)
	if !ok {
		b.unresolved(sale.Key(), rules.LookupKey{Type: rules.TypeCVD, Product: sale.Product}, seller.ID, snap.RankAt(seller.ID, date),
			&generic.RuleNotFoundError{Type: string(rules.TypeCVD), Product: string(sale.Product), Date: date})
		return nil
	}

	base := sale.BaseAmount
	if base.IsZero() {
		if p, ok := version.Product(sale.Product); ok {
			base = p.BaseAmount
		}
	}

	c.computeCVD(b, sale, snap, version, seller, ancestors, base)
	c.computeCCA(b, sale, snap, version, ancestors, base)
	return nil
}

// computeCVD pays the seller (generation 0) and each CVD-eligible ancestor up
// to the version's CVD depth. Ineligible ancestors still count as hops.
func (c *Calculator) computeCVD(b *resultBuilder, sale Sale, snap *network.Snapshot, version *rules.Version,
	seller network.Node, ancestors []network.Node, base generic.Amount) {

	date := sale.AcquisitionDate
	elig := version.EligibilityFor(rules.TypeCVD)

	for gen := 0; gen <= version.CVD.MaxGeneration && gen <= len(ancestors); gen++ {
		beneficiary := seller
		if gen > 0 {
			beneficiary = ancestors[gen-1]
		}
		rank := snap.RankAt(beneficiary.ID, date)
		if gen > 0 && !elig.Allows(beneficiary, rank) {
			continue
		}
		b.pay(payout{
			eventKey:    sale.Key(),
			key:         rules.LookupKey{Type: rules.TypeCVD, Rank: rank, Product: sale.Product, Generation: gen},
			beneficiary: beneficiary.ID,
			base:        base,
			date:        date,
			reference:   sale.InstalledOrAcquired(),
		})
	}
}

// computeCCA pays the ancestor exactly CCA.Generation hops above the seller,
// provided that on the sale date it holds CCA.MinRank or higher and the date
// lies within WindowYears of its first attainment of that rank.
func (c *Calculator) computeCCA(b *resultBuilder, sale Sale, snap *network.Snapshot, version *rules.Version,
	ancestors []network.Node, base generic.Amount) {

	policy := version.CCA
	if policy.Generation <= 0 || len(ancestors) < policy.Generation {
		return
	}

	date := sale.AcquisitionDate
	beneficiary := ancestors[policy.Generation-1]
	rank := snap.RankAt(beneficiary.ID, date)
	if !rank.AtLeast(policy.MinRank) || !version.EligibilityFor(rules.TypeCCA).Allows(beneficiary, rank) {
		return
	}

	attained, ok := snap.FirstAttained(beneficiary.ID, policy.MinRank)
	if !ok || !generic.YearWindow(attained, policy.WindowYears).Contains(date) {
		return
	}

	key := rules.LookupKey{Type: rules.TypeCCA, Rank: rank, Product: sale.Product, Generation: policy.Generation}
	if base.IsZero() {
		b.unresolved(sale.Key(), key, beneficiary.ID, rank,
			fmt.Errorf("no base amount for product %s", sale.Product))
		return
	}

	b.pay(payout{
		eventKey:    sale.Key(),
		key:         key,
		beneficiary: beneficiary.ID,
		base:        base,
		date:        date,
		reference:   sale.AcquisitionDate,
	})
}

// =============================================================================
// RECRUIT THRESHOLD - CAE
// =============================================================================

// computeLeadershipBonus walks the recruit's upline. The first BaseDepth
// generations are always visited; beyond that the walk continues only while
// each ancestor holds the same rank as the one below it (open line). Every
// eligible ancestor gets the full amount for its own rank and path generation.
func (c *Calculator) computeLeadershipBonus(b *resultBuilder, ev RecruitReachedThreshold, snap *network.Snapshot) error {
	recruit, ok := snap.Node(ev.RecruitID)
	if !ok {
		return &generic.IntegrityError{NodeID: string(ev.RecruitID), Reason: "unknown node"}
	}
	ancestors, err := snap.GetAncestors(recruit.ID)
	if err != nil {
		return err
	}

	date := ev.OccurredAt()
	version, ok := b.book.VersionAt(date)
	if !ok {
		b.unresolved(ev.Key(), rules.LookupKey{Type: rules.TypeCAE, Product: rules.AnyProduct, Generation: 1}, "", network.RankUnknown,
			&generic.RuleNotFoundError{Type: string(rules.TypeCAE), Date: date})
		return nil
	}

	policy := version.CAE
	if ev.Points < policy.PointsThreshold {
		b.res.NotYetQualified = true
		b.skip(fmt.Sprintf("%d points below threshold %d", ev.Points, policy.PointsThreshold))
		return nil
	}
	if !recruit.JoinDate.IsZero() && !recruit.JoinDate.SameMonth(ev.Month) {
		b.skip(fmt.Sprintf("recruit joined %s, not in %s", recruit.JoinDate.MonthKey(), ev.Month.MonthKey()))
		return nil
	}

	elig := version.EligibilityFor(rules.TypeCAE)
	reference := ev.Month.EndOfMonth()
	previous := network.RankUnknown

	for i, ancestor := range ancestors {
		gen := i + 1
		if policy.MaxDepth > 0 && gen > policy.MaxDepth {
			break
		}
		rank := snap.RankAt(ancestor.ID, date)
		if gen > policy.BaseDepth && (!policy.ExtendWhileSameRank || rank != previous) {
			break
		}
		previous = rank

		if !elig.Allows(ancestor, rank) {
			continue
		}
		b.pay(payout{
			eventKey:    ev.Key(),
			key:         rules.LookupKey{Type: rules.TypeCAE, Rank: rank, Product: rules.AnyProduct, Generation: gen},
			beneficiary: ancestor.ID,
			date:        date,
			reference:   reference,
		})
	}
	return nil
}

// =============================================================================
// RESULT BUILDER
// =============================================================================

type payout struct {
	eventKey    string
	key         rules.LookupKey
	beneficiary network.NodeID
	base        generic.Amount
	date        generic.TimePoint // Rule effective date
	reference   generic.TimePoint // Payment calendar date
}

type resultBuilder struct {
	res  Result
	seen map[string]bool
	book *rules.Book
}

func (b *resultBuilder) pay(p payout) {
	id := LineItemID(p.eventKey, p.key.Type, p.beneficiary)
	if b.seen[id] {
		return
	}

	rate, version, err := b.book.Lookup(p.key, p.date)
	if err != nil {
		b.unresolved(p.eventKey, p.key, p.beneficiary, p.key.Rank, err)
		return
	}

	amount := rate.Apply(p.base)
	if !amount.IsPositive() {
		return
	}

	b.seen[id] = true
	b.res.LineItems = append(b.res.LineItems, LineItem{
		ID:             id,
		BeneficiaryID:  p.beneficiary,
		Generation:     p.key.Generation,
		Type:           p.key.Type,
		Amount:         amount,
		SourceEventKey: p.eventKey,
		ReferenceDate:  p.reference,
		Rank:           p.key.Rank,
		Product:        p.key.Product,
		RuleVersion:    version.ID,
	})
}

func (b *resultBuilder) unresolved(eventKey string, key rules.LookupKey, beneficiary network.NodeID, rank network.Rank, cause error) {
	id := UnresolvedID(eventKey, key.Type, beneficiary, ReasonRuleNotFound)
	if b.seen[id] {
		return
	}
	b.seen[id] = true

	b.res.Unresolved = append(b.res.Unresolved, Unresolved{
		ID:             id,
		SourceEventKey: eventKey,
		Type:           key.Type,
		BeneficiaryID:  beneficiary,
		Generation:     key.Generation,
		Rank:           rank,
		Product:        key.Product,
		Reason:         ReasonRuleNotFound,
		Detail:         cause.Error(),
		Status:         UnresolvedOpen,
	})
}

func (b *resultBuilder) skip(reason string) {
	if b.res.Skipped == "" {
		b.res.Skipped = reason
	}
}
