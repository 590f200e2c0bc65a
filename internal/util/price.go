// Package util provides small price and channel helpers shared across packages.
package util

import "math"

// PennyTick is the minimum price increment for option quotes under $3.
const PennyTick = 0.01

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// MaxFloat returns max(x, floor), used to keep synthetic prices above a minimum tick.
func MaxFloat(x, floor float64) float64 {
	if x < floor {
		return floor
	}
	return x
}
