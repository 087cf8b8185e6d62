/*
Package generic provides the shared primitives of the clinic ledger.

PURPOSE:
  Domain-agnostic building blocks used by every other package: money
  arithmetic, clinic-day bucketing, clocks, identifiers, currency
  formatting and the error taxonomy. Nothing in here knows what an
  invoice or a cuadre is.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a single-currency amount backed by decimal.Decimal
  - Epsilon: the rounding tolerance used by overpayment checks
  - NewID: prefixed unique identifiers

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point drift
  2. Single currency: Money carries no unit
  3. Values: Money is a value type, every operation returns a new Money

USAGE:
  total := generic.NewMoney(1000)
  paid := generic.Sum(generic.NewMoney(400), generic.NewMoney(600))
  owed := total.Sub(paid)

SEE ALSO:
  - time.go: Clinic-day bucketing and clocks
  - format.go: Currency rendering
  - errors.go: Error taxonomy
*/
package generic

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Epsilon is the tolerance applied when comparing payments to balances.
var Epsilon = Money{Value: decimal.New(1, -2)}

func NewMoney(value float64) Money             { return Money{Value: decimal.NewFromFloat(value)} }
func MoneyFromInt(value int64) Money           { return Money{Value: decimal.NewFromInt(value)} }
func MoneyFromDecimal(d decimal.Decimal) Money { return Money{Value: d} }

// ParseMoney parses a decimal string such as "1250.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, &ValidationError{Field: "amount", Message: "not a number: " + s}
	}
	return Money{Value: d}, nil
}

func (m Money) Add(b Money) Money               { return Money{Value: m.Value.Add(b.Value)} }
func (m Money) Sub(b Money) Money               { return Money{Value: m.Value.Sub(b.Value)} }
func (m Money) Mul(s decimal.Decimal) Money     { return Money{Value: m.Value.Mul(s)} }
func (m Money) Neg() Money                      { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool                    { return m.Value.IsZero() }
func (m Money) IsPositive() bool                { return m.Value.IsPositive() }
func (m Money) IsNegative() bool                { return m.Value.IsNegative() }
func (m Money) Equal(b Money) bool              { return m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool        { return m.Value.GreaterThan(b.Value) }
func (m Money) GreaterThanOrEqual(b Money) bool { return m.Value.GreaterThanOrEqual(b.Value) }
func (m Money) LessThan(b Money) bool           { return m.Value.LessThan(b.Value) }
func (m Money) Cmp(b Money) int                 { return m.Value.Cmp(b.Value) }
func (m Money) Round() Money                    { return Money{Value: m.Value.Round(2)} }
func (m Money) Float64() float64                { f, _ := m.Value.Float64(); return f }
func (m Money) String() string                  { return m.Value.StringFixed(2) }

// Percent returns m * rate / 100.
func (m Money) Percent(rate decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(rate).Div(hundred)}
}

// Discounted returns m * (1 - pct/100).
func (m Money) Discounted(pct decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(hundred.Sub(pct)).Div(hundred)}
}

// Sum adds up any number of amounts. Sum() is zero.
func Sum(amounts ...Money) Money {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a.Value)
	}
	return Money{Value: total}
}

// MarshalJSON writes the amount as a bare JSON number so documents stay
// readable by other clients of the same store.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Value.String()), nil
}

// UnmarshalJSON accepts both numbers and quoted decimal strings.
func (m *Money) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		m.Value = decimal.Zero
		return nil
	}
	return m.Value.UnmarshalJSON(b)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// NewID returns prefix + "-" + a random UUID, or just the UUID when the
// prefix is empty.
func NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}
