/*
Package factory provides JSON to Go rule book conversion.

PURPOSE:
  Converts JSON rule book definitions into rules.Book and rules.Version
  values, and back. Rate tables can then be changed without a release:
  a new version is appended with a later effective date.

JSON SCHEMA:
  {
    "versions": [
      {
        "id": "plan-2024",
        "name": "Plan 2024",
        "effective_from": "2024-01-01",
        "effective_to": "",
        "products": [
          {"id": "freebox_ultra", "name": "Freebox Ultra", "base_amount": "30.00"}
        ],
        "entries": [
          {"type": "CVD", "rank": "*", "product": "freebox_ultra",
           "generation": 0, "rate": {"kind": "flat", "value": "60"}},
          {"type": "CCA", "rank": "*", "product": "*",
           "generation": 7, "rate": {"kind": "percent", "value": "5"}}
        ],
        "eligibility": {
          "CAE": {"min_rank": "ETT", "require_active": true}
        },
        "cvd": {"max_generation": 3},
        "cae": {"points_threshold": 25, "base_depth": 2,
                "extend_while_same_rank": true, "max_depth": 6},
        "cca": {"generation": 7, "min_rank": "ETT", "window_years": 3}
      }
    ]
  }

USAGE:
  factory := NewRuleBookFactory()
  book, err := factory.Parse(jsonString)
  data, err := json.Marshal(factory.ToJSON(book))

SEE ALSO:
  - rules/book.go: Book and Version
  - rules/presets.go: The shipped tables
  - store/sqlite/rules.go: Persistence of versions
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type BookJSON struct {
	Versions []VersionJSON `json:"versions"`
}

type VersionJSON struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	EffectiveFrom string                     `json:"effective_from"`
	EffectiveTo   string                     `json:"effective_to,omitempty"` // Empty = open-ended
	Products      []ProductJSON              `json:"products,omitempty"`
	Entries       []EntryJSON                `json:"entries"`
	Eligibility   map[string]EligibilityJSON `json:"eligibility,omitempty"`
	CVD           CVDJSON                    `json:"cvd"`
	CAE           CAEJSON                    `json:"cae"`
	CCA           CCAJSON                    `json:"cca"`
}

type ProductJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BaseAmount string `json:"base_amount"`
}

type EntryJSON struct {
	Type       string   `json:"type"`
	Rank       string   `json:"rank"`    // "*" = any
	Product    string   `json:"product"` // "*" = any
	Generation int      `json:"generation"`
	Rate       RateJSON `json:"rate"`
}

type RateJSON struct {
	Kind  string `json:"kind"` // flat, percent
	Value string `json:"value"`
}

type EligibilityJSON struct {
	MinRank          string `json:"min_rank,omitempty"`
	MinMonthlyPoints int    `json:"min_monthly_points,omitempty"`
	RequireActive    bool   `json:"require_active"`
}

type CVDJSON struct {
	MaxGeneration int `json:"max_generation"`
}

type CAEJSON struct {
	PointsThreshold     int  `json:"points_threshold"`
	BaseDepth           int  `json:"base_depth"`
	ExtendWhileSameRank bool `json:"extend_while_same_rank"`
	MaxDepth            int  `json:"max_depth"`
}

type CCAJSON struct {
	Generation  int    `json:"generation"`
	MinRank     string `json:"min_rank"`
	WindowYears int    `json:"window_years"`
}

// =============================================================================
// RULE BOOK FACTORY
// =============================================================================

// RuleBookFactory converts JSON rule books to Go structs.
type RuleBookFactory struct{}

func NewRuleBookFactory() *RuleBookFactory {
	return &RuleBookFactory{}
}

// Parse parses a JSON rule book.
func (f *RuleBookFactory) Parse(jsonStr string) (*rules.Book, error) {
	var bj BookJSON
	if err := json.Unmarshal([]byte(jsonStr), &bj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rule book JSON: %v", generic.ErrInvalidRuleBook, err)
	}
	return f.FromJSON(bj)
}

// FromJSON builds a Book, appending versions in the given order.
func (f *RuleBookFactory) FromJSON(bj BookJSON) (*rules.Book, error) {
	if len(bj.Versions) == 0 {
		return nil, fmt.Errorf("%w: no versions", generic.ErrInvalidRuleBook)
	}
	book := &rules.Book{}
	for _, vj := range bj.Versions {
		v, err := f.VersionFromJSON(vj)
		if err != nil {
			return nil, err
		}
		if err := book.Append(v); err != nil {
			return nil, err
		}
	}
	return book, nil
}

// ParseVersion parses a single JSON version.
func (f *RuleBookFactory) ParseVersion(jsonStr string) (rules.Version, error) {
	var vj VersionJSON
	if err := json.Unmarshal([]byte(jsonStr), &vj); err != nil {
		return rules.Version{}, fmt.Errorf("%w: failed to parse version JSON: %v", generic.ErrInvalidRuleBook, err)
	}
	return f.VersionFromJSON(vj)
}

// VersionFromJSON converts and validates one version.
func (f *RuleBookFactory) VersionFromJSON(vj VersionJSON) (rules.Version, error) {
	from, err := generic.ParseDate(vj.EffectiveFrom)
	if err != nil || from.IsZero() {
		return rules.Version{}, invalid(vj.ID, "effective_from %q", vj.EffectiveFrom)
	}
	to, err := generic.ParseDate(vj.EffectiveTo)
	if err != nil {
		return rules.Version{}, invalid(vj.ID, "effective_to %q", vj.EffectiveTo)
	}

	v := rules.Version{
		ID:          vj.ID,
		Name:        vj.Name,
		Effective:   generic.DateRange{From: from, To: to},
		Products:    make(map[rules.ProductID]rules.Product, len(vj.Products)),
		Eligibility: make(map[rules.CommissionType]rules.Eligibility, len(vj.Eligibility)),
		CVD:         rules.CVDPolicy{MaxGeneration: vj.CVD.MaxGeneration},
		CAE: rules.CAEPolicy{
			PointsThreshold:     vj.CAE.PointsThreshold,
			BaseDepth:           vj.CAE.BaseDepth,
			ExtendWhileSameRank: vj.CAE.ExtendWhileSameRank,
			MaxDepth:            vj.CAE.MaxDepth,
		},
	}

	for _, pj := range vj.Products {
		base, err := generic.ParseAmount(pj.BaseAmount, generic.CurrencyEUR)
		if err != nil {
			return rules.Version{}, invalid(vj.ID, "product %s base amount %q", pj.ID, pj.BaseAmount)
		}
		id := rules.ProductID(pj.ID)
		v.Products[id] = rules.Product{ID: id, Name: pj.Name, BaseAmount: base}
	}

	for _, ej := range vj.Entries {
		entry, err := parseEntry(ej)
		if err != nil {
			return rules.Version{}, invalid(vj.ID, "%v", err)
		}
		v.Entries = append(v.Entries, entry)
	}

	for typeName, elj := range vj.Eligibility {
		t, err := rules.ParseCommissionType(typeName)
		if err != nil {
			return rules.Version{}, invalid(vj.ID, "%v", err)
		}
		minRank, err := network.ParseRank(elj.MinRank)
		if err != nil {
			return rules.Version{}, invalid(vj.ID, "eligibility %s: %v", t, err)
		}
		v.Eligibility[t] = rules.Eligibility{
			MinRank:          minRank,
			MinMonthlyPoints: elj.MinMonthlyPoints,
			RequireActive:    elj.RequireActive,
		}
	}

	ccaRank, err := network.ParseRank(vj.CCA.MinRank)
	if err != nil {
		return rules.Version{}, invalid(vj.ID, "cca: %v", err)
	}
	v.CCA = rules.CCAPolicy{Generation: vj.CCA.Generation, MinRank: ccaRank, WindowYears: vj.CCA.WindowYears}

	if err := v.Validate(); err != nil {
		return rules.Version{}, err
	}
	return v, nil
}

// ToJSON converts a Book to BookJSON.
func (f *RuleBookFactory) ToJSON(book *rules.Book) BookJSON {
	bj := BookJSON{}
	for _, v := range book.Versions() {
		bj.Versions = append(bj.Versions, f.VersionToJSON(v))
	}
	return bj
}

// VersionToJSON converts a Version to VersionJSON. Products are sorted by ID.
func (f *RuleBookFactory) VersionToJSON(v rules.Version) VersionJSON {
	vj := VersionJSON{
		ID:            v.ID,
		Name:          v.Name,
		EffectiveFrom: v.Effective.From.String(),
		EffectiveTo:   v.Effective.To.String(),
		CVD:           CVDJSON{MaxGeneration: v.CVD.MaxGeneration},
		CAE: CAEJSON{
			PointsThreshold:     v.CAE.PointsThreshold,
			BaseDepth:           v.CAE.BaseDepth,
			ExtendWhileSameRank: v.CAE.ExtendWhileSameRank,
			MaxDepth:            v.CAE.MaxDepth,
		},
		CCA: CCAJSON{Generation: v.CCA.Generation, MinRank: v.CCA.MinRank.String(), WindowYears: v.CCA.WindowYears},
	}

	for _, p := range v.Products {
		vj.Products = append(vj.Products, ProductJSON{ID: string(p.ID), Name: p.Name, BaseAmount: p.BaseAmount.StringFixed()})
	}
	sort.Slice(vj.Products, func(i, j int) bool { return vj.Products[i].ID < vj.Products[j].ID })

	for _, e := range v.Entries {
		product := string(e.Product)
		if product == "" {
			product = string(rules.AnyProduct)
		}
		vj.Entries = append(vj.Entries, EntryJSON{
			Type:       string(e.Type),
			Rank:       e.Rank.String(),
			Product:    product,
			Generation: e.Generation,
			Rate:       RateJSON{Kind: string(e.Rate.Kind), Value: e.Rate.Value.String()},
		})
	}

	if len(v.Eligibility) > 0 {
		vj.Eligibility = make(map[string]EligibilityJSON, len(v.Eligibility))
		for t, e := range v.Eligibility {
			minRank := ""
			if e.MinRank != network.RankUnknown {
				minRank = e.MinRank.String()
			}
			vj.Eligibility[string(t)] = EligibilityJSON{
				MinRank:          minRank,
				MinMonthlyPoints: e.MinMonthlyPoints,
				RequireActive:    e.RequireActive,
			}
		}
	}
	return vj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseEntry(ej EntryJSON) (rules.Entry, error) {
	t, err := rules.ParseCommissionType(ej.Type)
	if err != nil {
		return rules.Entry{}, err
	}
	rank, err := network.ParseRank(ej.Rank)
	if err != nil {
		return rules.Entry{}, fmt.Errorf("%s entry: %w", t, err)
	}
	rate, err := parseRate(ej.Rate)
	if err != nil {
		return rules.Entry{}, fmt.Errorf("%s entry g%d: %w", t, ej.Generation, err)
	}
	product := rules.ProductID(ej.Product)
	if product == "" {
		product = rules.AnyProduct
	}
	return rules.Entry{Type: t, Rank: rank, Product: product, Generation: ej.Generation, Rate: rate}, nil
}

func parseRate(rj RateJSON) (rules.Rate, error) {
	value, err := generic.ParseAmount(rj.Value, generic.CurrencyEUR)
	if err != nil {
		return rules.Rate{}, fmt.Errorf("rate value %q", rj.Value)
	}
	if value.IsNegative() {
		return rules.Rate{}, fmt.Errorf("negative rate %q", rj.Value)
	}
	switch rules.RateKind(rj.Kind) {
	case rules.RateFlat, rules.RatePercent:
		return rules.Rate{Kind: rules.RateKind(rj.Kind), Value: value.Value}, nil
	default:
		return rules.Rate{}, fmt.Errorf("unknown rate kind %q", rj.Kind)
	}
}

func invalid(versionID, format string, args ...any) error {
	return fmt.Errorf("%w: version %s: %s", generic.ErrInvalidRuleBook, versionID, fmt.Sprintf(format, args...))
}
