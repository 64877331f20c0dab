package generic

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// TIME POINT - Calendar date (commissions are dated to the day)
// =============================================================================

// DateLayout is the wire and storage format of a TimePoint.
const DateLayout = "2006-01-02"

// MonthLayout is the format of a month key ("2025-03").
const MonthLayout = "2006-01"

type TimePoint struct {
	Time time.Time
}

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a wall-clock time to its UTC calendar day.
func DateOf(t time.Time) TimePoint {
	u := t.UTC()
	return NewTimePoint(u.Year(), u.Month(), u.Day())
}

func Today() TimePoint { return DateOf(time.Now()) }

// ParseDate parses "2006-01-02". The empty string yields the zero TimePoint.
func ParseDate(s string) (TimePoint, error) {
	if s == "" {
		return TimePoint{}, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return TimePoint{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return TimePoint{Time: t}, nil
}

// ParseMonth parses "2006-01" into the first day of that month.
func ParseMonth(s string) (TimePoint, error) {
	t, err := time.Parse(MonthLayout, s)
	if err != nil {
		return TimePoint{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return TimePoint{Time: t}, nil
}

func MustParseDate(s string) TimePoint {
	tp, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return tp
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

func (tp TimePoint) normalize() time.Time {
	return time.Date(tp.Time.Year(), tp.Time.Month(), tp.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint   { return TimePoint{Time: tp.normalize().AddDate(0, 0, n)} }
func (tp TimePoint) AddMonths(n int) TimePoint { return TimePoint{Time: tp.normalize().AddDate(0, n, 0)} }
func (tp TimePoint) AddYears(n int) TimePoint  { return TimePoint{Time: tp.normalize().AddDate(n, 0, 0)} }

// Properties
func (tp TimePoint) Year() int             { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month     { return tp.Time.Month() }
func (tp TimePoint) Day() int              { return tp.Time.Day() }
func (tp TimePoint) Weekday() time.Weekday { return tp.Time.Weekday() }
func (tp TimePoint) IsZero() bool          { return tp.Time.IsZero() }

// MonthKey identifies the calendar month ("2025-03").
func (tp TimePoint) MonthKey() string { return tp.Time.Format(MonthLayout) }

// SameMonth reports whether both dates fall in the same calendar month.
func (tp TimePoint) SameMonth(other TimePoint) bool {
	return tp.Year() == other.Year() && tp.Month() == other.Month()
}

func (tp TimePoint) StartOfMonth() TimePoint { return StartOfMonth(tp.Year(), tp.Month()) }
func (tp TimePoint) EndOfMonth() TimePoint   { return EndOfMonth(tp.Year(), tp.Month()) }

// StartOfWeek returns the Monday of the week holding tp.
func (tp TimePoint) StartOfWeek() TimePoint {
	offset := (int(tp.Weekday()) + 6) % 7
	return tp.AddDays(-offset)
}

func (tp TimePoint) String() string {
	if tp.IsZero() {
		return ""
	}
	return tp.Time.Format(DateLayout)
}

func (tp TimePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(tp.String())
}

func (tp *TimePoint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*tp = parsed
	return nil
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

func DaysBetween(from, to TimePoint) int {
	return int(to.normalize().Sub(from.normalize()).Hours() / 24)
}

func StartOfMonth(year int, month time.Month) TimePoint { return NewTimePoint(year, month, 1) }

func EndOfMonth(year int, month time.Month) TimePoint {
	t := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return TimePoint{Time: t}
}

// DayOfMonthClamped returns the given day in (year, month), clamped to the
// month's last day.
func DayOfMonthClamped(year int, month time.Month, day int) TimePoint {
	last := EndOfMonth(year, month)
	if day > last.Day() {
		return last
	}
	if day < 1 {
		day = 1
	}
	return NewTimePoint(last.Year(), last.Month(), day)
}
