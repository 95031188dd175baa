package model

import "github.com/shopspring/decimal"

// Precision is the number of fractional digits kept for sizes, prices and
// pnl. Cumulative cost is kept exact.
const Precision int32 = 8

// Round rounds d to the Amount precision (half away from zero).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

// Sign returns -1, 0 or 1 as a decimal so it can be multiplied into amounts.
func Sign(d decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(d.Sign()))
}

// MinAbs returns whichever of a and b has the smaller magnitude, carrying
// the sign of a.
func MinAbs(a, b decimal.Decimal) decimal.Decimal {
	if b.Abs().LessThan(a.Abs()) {
		return b.Abs().Mul(Sign(a))
	}
	return a
}
