package generic

import "fmt"

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

// Period is an inclusive range [Start, End]. Eligibility windows use it.
//
// Examples:
//   - Qualifying month March 2025: Mar 1 - Mar 31
//   - Royalty window from 2023-06-10 for 3 years: 2023-06-10 - 2026-06-09
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// MonthPeriod returns the calendar month holding t.
func MonthPeriod(t TimePoint) Period {
	return Period{Start: t.StartOfMonth(), End: t.EndOfMonth()}
}

// YearWindow returns the rolling window of n years starting at start. The
// anniversary day itself is outside the window.
func YearWindow(start TimePoint, years int) Period {
	return Period{Start: start, End: start.AddYears(years).AddDays(-1)}
}

// =============================================================================
// DATE RANGE - Half-open effective range
// =============================================================================

// DateRange is the half-open range [From, To). A zero To means open-ended.
// Rule versions carry one so that consecutive versions never share a day.
type DateRange struct {
	From TimePoint
	To   TimePoint
}

func (r DateRange) OpenEnded() bool { return r.To.IsZero() }

func (r DateRange) Contains(t TimePoint) bool {
	if t.Before(r.From) {
		return false
	}
	return r.OpenEnded() || t.Before(r.To)
}

// Overlaps reports whether the two ranges share at least one day.
func (r DateRange) Overlaps(other DateRange) bool {
	aEndsBeforeB := !r.OpenEnded() && r.To.BeforeOrEqual(other.From)
	bEndsBeforeA := !other.OpenEnded() && other.To.BeforeOrEqual(r.From)
	return !aEndsBeforeB && !bEndsBeforeA
}

func (r DateRange) Validate() error {
	if r.From.IsZero() {
		return fmt.Errorf("%w: missing start", ErrInvalidPeriod)
	}
	if !r.OpenEnded() && !r.From.Before(r.To) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, r)
	}
	return nil
}

func (r DateRange) String() string {
	if r.OpenEnded() {
		return "[" + r.From.String() + ", ∞)"
	}
	return "[" + r.From.String() + ", " + r.To.String() + ")"
}
