// Package numeric provides decimal conversion and rounding helpers used across services.
package numeric

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// SpotPriceDecimals is the venue-wide decimal cap for spot prices.
	SpotPriceDecimals int32 = 8
	// PerpPriceDecimals is the venue-wide decimal cap for perpetual prices.
	PerpPriceDecimals int32 = 6

	significantDigits = 5
)

// Parse converts a decimal wire string into a fixed-precision decimal.
// On failure, it returns (zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// RoundPrice rounds px to five significant digits, capped at
// maxDecimals-szDecimals fractional places. Zero passes through unchanged.
func RoundPrice(px decimal.Decimal, maxDecimals, szDecimals int32) decimal.Decimal {
	if px.IsZero() {
		return px
	}

	maxPlaces := maxDecimals - szDecimals
	if maxPlaces < 0 {
		maxPlaces = 0
	}

	needed := int32(significantDigits) - orderOfMagnitude(px) - 1
	if needed < 0 {
		needed = 0
	}
	if needed > maxPlaces {
		needed = maxPlaces
	}
	return px.Round(needed)
}

// ScaleFromStep derives the effective fractional precision from a decimal "step" string.
func ScaleFromStep(step string) int32 {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return int32(len(frac))
}

// orderOfMagnitude returns floor(log10(|d|)). The float conversion is only
// used for magnitude, never for the value itself.
func orderOfMagnitude(d decimal.Decimal) int32 {
	f, _ := d.Abs().Float64()
	if f <= 0 {
		return 0
	}
	return int32(math.Floor(math.Log10(f)))
}
