/*
Package payment turns commission line items into dated payment obligations.

PURPOSE:
  Applies the payment calendar of each commission type to the business date
  of the triggering event, and deduplicates against obligations that were
  already scheduled. The engine never marks anything Paid: payroll does.

KEY CONCEPTS IN THIS FILE (calendar.go):
  - CalendarRule: Pure function from a reference date to a due date
  - Calendar: Commission type -> CalendarRule, configurable

CALENDAR RULES (defaults):
  CVD: 15th of month N+1 after the installation/acquisition date
  CCA: 22nd of month N+1 after the acquisition date
  CAE: Friday of the week following the qualifying month-end
       (weeks start on Monday)

  The reference date is always the triggering event's date, never the run
  date, so re-running the scheduler later cannot shift a due date.

SEE ALSO:
  - obligation.go: PaymentObligation and its status transitions
  - scheduler.go: Idempotent scheduling
*/
package payment

import (
	"fmt"
	"time"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// CALENDAR RULES
// =============================================================================

// CalendarRule computes a due date. Implementations must be pure.
type CalendarRule interface {
	Apply(reference generic.TimePoint) generic.TimePoint
	String() string
}

// DayOfNextMonth schedules on a fixed day of the month after the reference
// date, clamped to that month's last day.
type DayOfNextMonth struct {
	Day int
}

func (r DayOfNextMonth) Apply(reference generic.TimePoint) generic.TimePoint {
	next := reference.StartOfMonth().AddMonths(1)
	return generic.DayOfMonthClamped(next.Year(), next.Month(), r.Day)
}

func (r DayOfNextMonth) String() string { return fmt.Sprintf("day %d of month N+1", r.Day) }

// WeekdayAfterMonthEnd schedules on a weekday of the week following the week
// that holds the reference month's last day.
type WeekdayAfterMonthEnd struct {
	Weekday time.Weekday
}

// FridayAfterMonthEnd is the CAE rule.
func FridayAfterMonthEnd() WeekdayAfterMonthEnd {
	return WeekdayAfterMonthEnd{Weekday: time.Friday}
}

func (r WeekdayAfterMonthEnd) Apply(reference generic.TimePoint) generic.TimePoint {
	nextMonday := reference.EndOfMonth().StartOfWeek().AddDays(7)
	offset := (int(r.Weekday) + 6) % 7
	return nextMonday.AddDays(offset)
}

func (r WeekdayAfterMonthEnd) String() string {
	return fmt.Sprintf("%s of the week after month end", r.Weekday)
}

// OffsetDays schedules a fixed number of days after the reference date.
type OffsetDays struct {
	Days int
}

func (r OffsetDays) Apply(reference generic.TimePoint) generic.TimePoint {
	return reference.AddDays(r.Days)
}

func (r OffsetDays) String() string { return fmt.Sprintf("%d days after reference", r.Days) }

// =============================================================================
// CALENDAR
// =============================================================================

type Calendar map[rules.CommissionType]CalendarRule

// DefaultCalendar returns the observed payment calendar.
func DefaultCalendar() Calendar {
	return Calendar{
		rules.TypeCVD: DayOfNextMonth{Day: 15},
		rules.TypeCCA: DayOfNextMonth{Day: 22},
		rules.TypeCAE: FridayAfterMonthEnd(),
	}
}

// DueDate applies the rule registered for t.
func (c Calendar) DueDate(t rules.CommissionType, reference generic.TimePoint) (generic.TimePoint, error) {
	rule, ok := c[t]
	if !ok {
		return generic.TimePoint{}, fmt.Errorf("no payment calendar rule for %s", t)
	}
	if reference.IsZero() {
		return generic.TimePoint{}, fmt.Errorf("no reference date for %s payment", t)
	}
	return rule.Apply(reference), nil
}
