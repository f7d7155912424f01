package engine

import (
	"math"
	"math/bits"
)

const (
	// BpsScale is the basis-point scale: 10000 bps = 100%.
	BpsScale = 10000

	// MinReserveRatioBps is the minimum acceptable collateralization
	// ratio for minting and audit verification (150%).
	MinReserveRatioBps = 15000
)

// Ratio returns the reserve ratio of reserves to supply in basis points,
// rounded down. A zero supply yields a ratio of 0 by definition; there is
// no failure mode.
//
// The intermediate product reserves*10000 is computed in 128 bits so the
// result is exact over the full uint64 range. A quotient that does not fit
// in 64 bits saturates to math.MaxUint64, which is already far beyond any
// ratio the engine compares against.
func Ratio(reserves, supply uint64) uint64 {
	if supply == 0 {
		return 0
	}
	hi, lo := bits.Mul64(reserves, BpsScale)
	if hi >= supply {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, supply)
	return q
}
