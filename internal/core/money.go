package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	cent     = decimal.New(1, -2)
	thousand = decimal.NewFromInt(1000)
)

// Round2 rounds to cents, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// NudgeFractional adds one cent to non-integral amounts so repeated rounding
// never leaves a category a fraction of a cent short.
func NudgeFractional(d decimal.Decimal) decimal.Decimal {
	if d.IsInteger() {
		return d
	}
	return d.Add(cent)
}

// FromMilliunits converts ledger minor units (thousandths) to an amount.
func FromMilliunits(m int64) decimal.Decimal {
	return decimal.NewFromInt(m).Div(thousand)
}

// ToMilliunits converts an amount to ledger minor units after rounding to cents.
func ToMilliunits(d decimal.Decimal) int64 {
	return Round2(d).Mul(thousand).IntPart()
}

// ParseAmount accepts "12.34" or "12,34". Negative values are rejected.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
