package rules

import (
	"fmt"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
)

// =============================================================================
// VERSION - One effective-dated rule set
// =============================================================================

// Version is immutable once appended to a Book. A rate change is a new
// Version with a later effective date, so recomputing an old event always
// resolves against the tables that were in force on its date.
type Version struct {
	ID        string
	Name      string
	Effective generic.DateRange

	Products    map[ProductID]Product
	Entries     []Entry
	Eligibility map[CommissionType]Eligibility

	CVD CVDPolicy
	CAE CAEPolicy
	CCA CCAPolicy
}

// Lookup returns the most specific entry matching key. An exact rank beats
// the rank wildcard, then an exact product beats the product wildcard.
func (v *Version) Lookup(key LookupKey) (Rate, bool) {
	best := -1
	bestScore := -1
	for i, e := range v.Entries {
		if e.Type != key.Type || e.Generation != key.Generation {
			continue
		}
		score := 0
		switch {
		case e.Rank == key.Rank && e.Rank != network.RankUnknown:
			score += 2
		case e.Rank == network.RankUnknown:
		default:
			continue
		}
		switch {
		case e.Product == key.Product && !isAnyProduct(e.Product):
			score++
		case isAnyProduct(e.Product):
		default:
			continue
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Rate{}, false
	}
	return v.Entries[best].Rate, true
}

// Product returns the catalog entry for id.
func (v *Version) Product(id ProductID) (Product, bool) {
	p, ok := v.Products[id]
	return p, ok
}

// EligibilityFor returns the predicate for t. Types without one allow everyone.
func (v *Version) EligibilityFor(t CommissionType) Eligibility {
	return v.Eligibility[t]
}

// Validate checks the version in isolation.
func (v *Version) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("%w: version without id", generic.ErrInvalidRuleBook)
	}
	if err := v.Effective.Validate(); err != nil {
		return fmt.Errorf("%w: version %s: %v", generic.ErrInvalidRuleBook, v.ID, err)
	}
	seen := make(map[LookupKey]bool, len(v.Entries))
	for _, e := range v.Entries {
		if e.Generation < 0 {
			return fmt.Errorf("%w: version %s: negative generation in %s entry", generic.ErrInvalidRuleBook, v.ID, e.Type)
		}
		if e.Rate.Kind != RateFlat && e.Rate.Kind != RatePercent {
			return fmt.Errorf("%w: version %s: unknown rate kind %q", generic.ErrInvalidRuleBook, v.ID, e.Rate.Kind)
		}
		key := LookupKey{Type: e.Type, Rank: e.Rank, Product: normalizeProduct(e.Product), Generation: e.Generation}
		if seen[key] {
			return fmt.Errorf("%w: version %s: duplicate entry %s", generic.ErrInvalidRuleBook, v.ID, key)
		}
		seen[key] = true
	}
	if v.CAE.BaseDepth < 0 || v.CAE.MaxDepth < 0 {
		return fmt.Errorf("%w: version %s: negative CAE depth", generic.ErrInvalidRuleBook, v.ID)
	}
	if v.CCA.Generation < 0 || v.CCA.WindowYears < 0 {
		return fmt.Errorf("%w: version %s: negative CCA parameter", generic.ErrInvalidRuleBook, v.ID)
	}
	return nil
}

func isAnyProduct(p ProductID) bool { return p == "" || p == AnyProduct }

func normalizeProduct(p ProductID) ProductID {
	if isAnyProduct(p) {
		return AnyProduct
	}
	return p
}

// =============================================================================
// BOOK - Append-only version history
// =============================================================================

// Book is the ordered, append-only set of rule versions. At most one version
// covers any date. An open-ended version is implicitly closed by the next one.
type Book struct {
	versions []Version
}

// NewBook appends versions in order.
func NewBook(versions ...Version) (*Book, error) {
	b := &Book{}
	for _, v := range versions {
		if err := b.Append(v); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Append adds a version that starts after every existing one.
func (b *Book) Append(v Version) error {
	if err := v.Validate(); err != nil {
		return err
	}
	for _, existing := range b.versions {
		if existing.ID == v.ID {
			return fmt.Errorf("%w: duplicate version id %s", generic.ErrInvalidRuleBook, v.ID)
		}
	}
	if n := len(b.versions); n > 0 {
		last := b.versions[n-1]
		if !last.Effective.From.Before(v.Effective.From) {
			return fmt.Errorf("%w: version %s starts %s, not after %s (%s)",
				generic.ErrInvalidRuleBook, v.ID, v.Effective.From, last.ID, last.Effective.From)
		}
		if !last.Effective.OpenEnded() && last.Effective.To.After(v.Effective.From) {
			return fmt.Errorf("%w: version %s overlaps %s", generic.ErrInvalidRuleBook, v.ID, last.ID)
		}
	}
	b.versions = append(b.versions, v)
	return nil
}

// Versions returns a copy of the history, oldest first.
func (b *Book) Versions() []Version {
	return append([]Version(nil), b.versions...)
}

func (b *Book) Len() int { return len(b.versions) }

// VersionAt returns the version in force on date.
func (b *Book) VersionAt(date generic.TimePoint) (*Version, bool) {
	for i := len(b.versions) - 1; i >= 0; i-- {
		v := &b.versions[i]
		if date.Before(v.Effective.From) {
			continue
		}
		if v.Effective.Contains(date) {
			return v, true
		}
		// date is after the newest version that started before it
		return nil, false
	}
	return nil, false
}

// Lookup resolves key against the version in force on date.
func (b *Book) Lookup(key LookupKey, date generic.TimePoint) (Rate, *Version, error) {
	v, ok := b.VersionAt(date)
	if !ok {
		return Rate{}, nil, notFound(key, date, "")
	}
	rate, ok := v.Lookup(key)
	if !ok {
		return Rate{}, v, notFound(key, date, v.ID)
	}
	return rate, v, nil
}

func notFound(key LookupKey, date generic.TimePoint, version string) error {
	return &generic.RuleNotFoundError{
		Type:       string(key.Type),
		Rank:       key.Rank.String(),
		Product:    string(normalizeProduct(key.Product)),
		Generation: key.Generation,
		Date:       date,
		Version:    version,
	}
}
