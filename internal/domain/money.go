package domain

import (
	"errors"
	"fmt"
	"math"
)

// SubunitsPerMajor is the conversion factor between major currency units and
// the smallest subunit for two-decimal currencies (rupees to paise, dollars to
// cents). Every conversion in the codebase goes through this package; no other
// component multiplies or divides by this factor.
const SubunitsPerMajor = 100

// ErrInvalidAmount indicates a negative or non-finite monetary input.
var ErrInvalidAmount = errors.New("money: invalid amount")

// ToSubunits converts a major-unit decimal amount into integer subunits using
// round-half-to-even.
func ToSubunits(major float64) (int64, error) {
	if math.IsNaN(major) || math.IsInf(major, 0) {
		return 0, fmt.Errorf("%w: amount must be finite", ErrInvalidAmount)
	}
	if major < 0 {
		return 0, fmt.Errorf("%w: amount must not be negative", ErrInvalidAmount)
	}
	return int64(math.RoundToEven(major * SubunitsPerMajor)), nil
}

// ToMajorUnits converts integer subunits back to a major-unit decimal. Used
// only at the serialization boundary; persisted state stays in subunits.
func ToMajorUnits(subunits int64) float64 {
	return float64(subunits) / SubunitsPerMajor
}

// RoundedShare applies a basis-point rate to a subunit amount, rounding
// half-to-even. Tax and percentage discounts use this so that percentage
// arithmetic shares the single rounding rule.
func RoundedShare(subunits int64, basisPoints int64) int64 {
	if subunits <= 0 || basisPoints <= 0 {
		return 0
	}
	return int64(math.RoundToEven(float64(subunits) * float64(basisPoints) / 10000))
}
