package ledger

import (
	"fmt"
	"math"
	"strconv"
)

// USD is a fixed-point dollar amount with 12 fractional digits, so per-token
// prices down to fractions of a micro-dollar accumulate without float drift.
type USD int64

// usdScale is the number of base units per dollar.
const usdScale = 1_000_000_000_000

// FromFloat converts a float dollar amount, rounding half to even at the
// twelfth fractional digit.
func FromFloat(f float64) USD {
	return USD(math.RoundToEven(f * usdScale))
}

// TokenCost computes tokens x perTokenPrice exactly in fixed point.
func TokenCost(tokens int, perToken float64) USD {
	return USD(math.RoundToEven(float64(tokens) * perToken * usdScale))
}

// Float64 returns the full-precision dollar value.
func (u USD) Float64() float64 {
	return float64(u) / usdScale
}

// Rounded returns the dollar value rounded half to even at the given number
// of fractional digits. This is the only place precision is dropped.
func (u USD) Rounded(digits int) float64 {
	if digits < 0 || digits > 12 {
		digits = 12
	}
	step := USD(1)
	for i := 0; i < 12-digits; i++ {
		step *= 10
	}
	return float64(u.roundToEven(step)) / usdScale
}

// roundToEven rounds to the nearest multiple of step, ties to even multiples.
func (u USD) roundToEven(step USD) USD {
	if step <= 1 {
		return u
	}
	neg := u < 0
	if neg {
		u = -u
	}
	q, r := u/step, u%step
	switch {
	case 2*r > step:
		q++
	case 2*r == step && q%2 != 0:
		q++
	}
	out := q * step
	if neg {
		out = -out
	}
	return out
}

// String formats the amount with trailing zeros trimmed, e.g. "0.0042".
func (u USD) String() string {
	s := strconv.FormatFloat(u.Float64(), 'f', -1, 64)
	return fmt.Sprintf("$%s", s)
}
