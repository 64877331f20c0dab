/*
Package generic provides the shared primitives of the commission engine.

PURPOSE:
  Domain-agnostic building blocks used by every other package: money
  amounts, calendar dates, date ranges and the error taxonomy. Nothing
  in here knows about distributors, ranks or commission types.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A money quantity with a currency (e.g., 40.00 EUR)
  - Currency: ISO code, EUR for every amount the engine produces

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Rounding: Amounts leaving the calculator are rounded to cents
  3. Immutability: All operations return new values

USAGE:
  base := generic.EUR("30")
  royalty := base.Percent(generic.MustParseDecimal("5")).Round()

SEE ALSO:
  - time.go: Calendar dates (TimePoint)
  - period.go: Date ranges and eligibility windows
  - errors.go: Error taxonomy
*/
package generic

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money with currency
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const (
	CurrencyEUR Currency = "EUR"
)

// CentPlaces is the number of decimal places kept on persisted amounts.
const CentPlaces = 2

var hundred = decimal.NewFromInt(100)

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromDecimal(value decimal.Decimal, currency Currency) Amount {
	return Amount{Value: value, Currency: currency}
}

// EUR parses a decimal string into a euro amount. Invalid input yields zero.
func EUR(value string) Amount {
	return Amount{Value: MustParseDecimal(value), Currency: CurrencyEUR}
}

// ParseAmount parses a decimal string with an explicit currency.
func ParseAmount(value string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if currency == "" {
		currency = CurrencyEUR
	}
	return Amount{Value: d, Currency: currency}, nil
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Currency: a.currency(b)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Currency: a.currency(b)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Currency: a.Currency} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }

// Percent returns pct percent of the amount (Percent(5) on 30 EUR = 1.5 EUR).
func (a Amount) Percent(pct decimal.Decimal) Amount {
	return Amount{Value: a.Value.Mul(pct).Div(hundred), Currency: a.Currency}
}

// Round rounds half away from zero to cents.
func (a Amount) Round() Amount {
	return Amount{Value: a.Value.Round(CentPlaces), Currency: a.Currency}
}

// Equal compares value and currency. 40 and 40.00 are equal.
func (a Amount) Equal(b Amount) bool {
	return a.Value.Equal(b.Value) && a.normalizedCurrency() == b.normalizedCurrency()
}

// StringFixed returns the value with two decimals, without currency.
func (a Amount) StringFixed() string { return a.Value.StringFixed(CentPlaces) }

func (a Amount) String() string {
	return a.Value.StringFixed(CentPlaces) + " " + string(a.normalizedCurrency())
}

func (a Amount) normalizedCurrency() Currency {
	if a.Currency == "" {
		return CurrencyEUR
	}
	return a.Currency
}

func (a Amount) currency(b Amount) Currency {
	if a.Currency != "" {
		return a.Currency
	}
	return b.Currency
}

type amountJSON struct {
	Value    string   `json:"value"`
	Currency Currency `json:"currency"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Value: a.StringFixed(), Currency: a.normalizedCurrency()})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw amountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseAmount(raw.Value, raw.Currency)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
