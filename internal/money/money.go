// Package money provides shared decimal amount parsing, rounding, and
// minor-unit conversion for fiat balances.
//
// Amounts carry 2 decimal places. Gateways take integer minor units
// (kobo, cents): 1 NGN = 100 kobo.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for stored amounts.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "1025.50") to an amount.
//
// Rules:
//   - Empty string is rejected
//   - Negative amounts are rejected
//   - More than 2 fractional digits are rejected rather than rounded
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	if !d.Equal(d.Round(Places)) {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimal places", s, Places)
	}
	return d, nil
}

// Round2 rounds half away from zero to 2 decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Percent returns pct percent of amount, rounded to 2 places.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round2(amount.Mul(pct).Div(hundred))
}

// ToMinor converts an amount to integer minor units (kobo, cents).
func ToMinor(d decimal.Decimal) int64 {
	return Round2(d).Mul(hundred).IntPart()
}

// FromMinor converts integer minor units back to an amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Places)
}

// Format renders an amount with exactly 2 decimal places (e.g. "1025.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Positive reports whether d > 0.
func Positive(d decimal.Decimal) bool {
	return d.IsPositive()
}
