// Package bps converts basis-point ratios into human-readable values for
// API responses and metrics. The engine core works exclusively in integer
// basis points; decimal arithmetic appears only at presentation edges.
package bps

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimal returns the ratio as a decimal fraction (10000 bps -> 1).
func Decimal(ratioBps uint64) decimal.Decimal {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(ratioBps), 0)
	return d.Shift(-4)
}

// Percent returns the ratio as a percentage value (15000 bps -> 150).
func Percent(ratioBps uint64) decimal.Decimal {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(ratioBps), 0)
	return d.Shift(-2)
}

// PercentString formats the ratio as a percent string, e.g. "150%",
// "133.33%". Trailing zeros are trimmed.
func PercentString(ratioBps uint64) string {
	return Percent(ratioBps).String() + "%"
}
