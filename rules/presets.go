package rules

import (
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
)

// =============================================================================
// PRESET RULE TABLES
// =============================================================================
// These are the tables of the current compensation plan. Deployments can
// replace them with a JSON rule book (see factory/rulebook.go).

const (
	ProductFreeboxUltra      ProductID = "freebox_ultra"
	ProductFreeboxPop        ProductID = "freebox_pop"
	ProductFreeboxRevolution ProductID = "freebox_revolution"
	ProductFreeboxEssentiel  ProductID = "freebox_essentiel"
	ProductForfaitMobile     ProductID = "forfait_mobile"
)

// DefaultVersionID identifies the preset version.
const DefaultVersionID = "plan-2024"

// DefaultProducts returns the product catalog with base amounts.
func DefaultProducts() map[ProductID]Product {
	return map[ProductID]Product{
		ProductFreeboxUltra:      {ID: ProductFreeboxUltra, Name: "Freebox Ultra", BaseAmount: generic.EUR("30")},
		ProductFreeboxPop:        {ID: ProductFreeboxPop, Name: "Freebox Pop", BaseAmount: generic.EUR("20")},
		ProductFreeboxRevolution: {ID: ProductFreeboxRevolution, Name: "Freebox Revolution", BaseAmount: generic.EUR("25")},
		ProductFreeboxEssentiel:  {ID: ProductFreeboxEssentiel, Name: "Freebox Essentiel", BaseAmount: generic.EUR("15")},
		ProductForfaitMobile:     {ID: ProductForfaitMobile, Name: "Forfait Free 5G", BaseAmount: generic.EUR("10")},
	}
}

// cvdTable lists flat CVD amounts by product, indexed by generation (0 = seller).
var cvdTable = map[ProductID][]string{
	ProductFreeboxUltra:      {"60", "15", "10", "5"},
	ProductFreeboxPop:        {"40", "10", "6", "3"},
	ProductFreeboxRevolution: {"50", "12", "8", "4"},
	ProductFreeboxEssentiel:  {"30", "8", "5", "2"},
	ProductForfaitMobile:     {"15", "4", "2", "1"},
}

// caeTable lists flat CAE amounts by beneficiary rank, indexed by generation-1.
var caeTable = map[network.Rank][]string{
	network.RankETT:     {"40", "20"},
	network.RankETL:     {"60", "30", "20"},
	network.RankManager: {"150", "150", "60", "40"},
	network.RankRC:      {"200", "200", "100", "60"},
	network.RankRD:      {"250", "250", "120", "80"},
	network.RankRVP:     {"300", "300", "150", "100"},
	network.RankSVP:     {"350", "350", "180", "120"},
}

// DefaultVersion returns the preset rule version, effective from 2024-01-01.
func DefaultVersion() Version {
	var entries []Entry

	for _, product := range []ProductID{
		ProductFreeboxUltra, ProductFreeboxPop, ProductFreeboxRevolution,
		ProductFreeboxEssentiel, ProductForfaitMobile,
	} {
		for gen, amount := range cvdTable[product] {
			entries = append(entries, Entry{Type: TypeCVD, Product: product, Generation: gen, Rate: Flat(amount)})
		}
	}

	for _, rank := range network.Ranks() {
		for i, amount := range caeTable[rank] {
			entries = append(entries, Entry{Type: TypeCAE, Rank: rank, Product: AnyProduct, Generation: i + 1, Rate: Flat(amount)})
		}
	}

	entries = append(entries, Entry{Type: TypeCCA, Product: AnyProduct, Generation: 7, Rate: Percent("5")})

	return Version{
		ID:        DefaultVersionID,
		Name:      "Plan de rémunération 2024",
		Effective: generic.DateRange{From: generic.NewTimePoint(2024, 1, 1)},
		Products:  DefaultProducts(),
		Entries:   entries,
		Eligibility: map[CommissionType]Eligibility{
			TypeCVD: {MinRank: network.RankConseiller, RequireActive: true},
			TypeCAE: {MinRank: network.RankETT, RequireActive: true},
			TypeCCA: {MinRank: network.RankETT, RequireActive: true},
		},
		CVD: CVDPolicy{MaxGeneration: 3},
		CAE: CAEPolicy{
			PointsThreshold:     25,
			BaseDepth:           2,
			ExtendWhileSameRank: true,
			MaxDepth:            6,
		},
		CCA: CCAPolicy{Generation: 7, MinRank: network.RankETT, WindowYears: 3},
	}
}

// DefaultBook returns a book holding only DefaultVersion.
func DefaultBook() *Book {
	b, err := NewBook(DefaultVersion())
	if err != nil {
		panic(err)
	}
	return b
}
