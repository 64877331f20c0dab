/*
Package rules provides the versioned commission rule tables.

PURPOSE:
  Pure data plus lookup. A rule Version holds the rate tables for CVD, CAE
  and CCA, the product catalog with base amounts, the eligibility predicates
  and the walk policies, all valid for one effective date range. A Book is
  the append-only history of versions.

KEY CONCEPTS IN THIS FILE (types.go):
  - CommissionType: CVD (direct sale), CAE (leadership bonus), CCA (royalty)
  - Rate: Flat euro amount or percentage of a product base amount
  - Entry: One table row keyed by (type, rank, product, generation)
  - Eligibility: Minimum rank, minimum points, active flag
  - CAEPolicy / CCAPolicy: Walk depth and window parameters

WILDCARDS:
  An entry with Rank == network.RankUnknown matches every rank, and an entry
  with Product == AnyProduct matches every product. Exact matches win over
  wildcards (see Version.Lookup).

SEE ALSO:
  - book.go: Versioned lookups
  - presets.go: The shipped rule tables
  - factory/rulebook.go: JSON representation
*/
package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
)

// =============================================================================
// COMMISSION TYPE
// =============================================================================

type CommissionType string

const (
	TypeCVD CommissionType = "CVD" // Direct-sale commission
	TypeCAE CommissionType = "CAE" // Leadership bonus on new recruits
	TypeCCA CommissionType = "CCA" // Deep-network royalty
)

func CommissionTypes() []CommissionType {
	return []CommissionType{TypeCVD, TypeCAE, TypeCCA}
}

func ParseCommissionType(s string) (CommissionType, error) {
	switch t := CommissionType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeCVD, TypeCAE, TypeCCA:
		return t, nil
	default:
		return "", fmt.Errorf("unknown commission type %q", s)
	}
}

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductID string

// AnyProduct is the product wildcard used in rule entries.
const AnyProduct ProductID = "*"

type Product struct {
	ID         ProductID
	Name       string
	BaseAmount generic.Amount // Reference amount for percentage rates
}

// =============================================================================
// RATES AND ENTRIES
// =============================================================================

type RateKind string

const (
	RateFlat    RateKind = "flat"    // Value is a euro amount
	RatePercent RateKind = "percent" // Value is a percentage of the base amount
)

type Rate struct {
	Kind  RateKind
	Value decimal.Decimal
}

func Flat(value string) Rate    { return Rate{Kind: RateFlat, Value: generic.MustParseDecimal(value)} }
func Percent(value string) Rate { return Rate{Kind: RatePercent, Value: generic.MustParseDecimal(value)} }

// Apply computes the payout for a base amount, rounded to cents.
func (r Rate) Apply(base generic.Amount) generic.Amount {
	switch r.Kind {
	case RatePercent:
		return base.Percent(r.Value).Round()
	default:
		return generic.NewAmountFromDecimal(r.Value, generic.CurrencyEUR).Round()
	}
}

func (r Rate) String() string {
	if r.Kind == RatePercent {
		return r.Value.String() + "%"
	}
	return r.Value.StringFixed(generic.CentPlaces) + " EUR"
}

// Entry is one row of a rate table.
type Entry struct {
	Type       CommissionType
	Rank       network.Rank // RankUnknown = any rank
	Product    ProductID    // AnyProduct or empty = any product
	Generation int          // 0 = the seller, 1 = sponsor, ...
	Rate       Rate
}

// LookupKey identifies the rate a commission needs.
type LookupKey struct {
	Type       CommissionType
	Rank       network.Rank
	Product    ProductID
	Generation int
}

func (k LookupKey) String() string {
	return fmt.Sprintf("%s/%s/%s/g%d", k.Type, k.Rank, k.Product, k.Generation)
}

// =============================================================================
// ELIGIBILITY AND POLICIES
// =============================================================================

// Eligibility is the predicate a beneficiary must satisfy for one commission type.
type Eligibility struct {
	MinRank          network.Rank
	MinMonthlyPoints int
	RequireActive    bool
}

// Allows evaluates the predicate against a node and its rank at the event date.
func (e Eligibility) Allows(n network.Node, rankAt network.Rank) bool {
	if e.RequireActive && !n.Active {
		return false
	}
	if e.MinRank != network.RankUnknown && !rankAt.AtLeast(e.MinRank) {
		return false
	}
	return n.MonthlyPoints >= e.MinMonthlyPoints
}

// CAEPolicy controls the leadership-bonus upline walk.
//
// The walk always covers BaseDepth generations above the recruit. Past that,
// it continues while ExtendWhileSameRank holds and the next ancestor has the
// same rank as the previous one. MaxDepth (0 = unbounded) caps the walk.
type CAEPolicy struct {
	PointsThreshold     int
	BaseDepth           int
	ExtendWhileSameRank bool
	MaxDepth            int
}

// CCAPolicy controls the deep-network royalty.
type CCAPolicy struct {
	Generation  int          // Beneficiary distance above the seller
	MinRank     network.Rank // Rank required, and whose first attainment opens the window
	WindowYears int
}

// CVDPolicy controls the direct-sale commission depth.
type CVDPolicy struct {
	MaxGeneration int // Deepest ancestor generation paid; 0 = seller only
}
