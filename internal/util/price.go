// Package util provides common utility functions for price and strike math.
package util

import (
	"fmt"
	"math"
	"time"
)

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 123.43 becomes 123.45.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// NearestStrike rounds spot to the nearest strike on the given grid.
// NIFTY weeklies trade on a 50-point grid, so NearestStrike(24683, 50) = 24700.
func NearestStrike(spot, interval float64) float64 {
	if interval <= 0 {
		return spot
	}
	return math.Round(spot/interval) * interval
}

// OptionSymbol builds an NSE-style weekly option symbol from its parts,
// e.g. OptionSymbol("NSE:NIFTY", expiry, 24700, "CE") -> "NSE:NIFTY25090424700CE".
func OptionSymbol(prefix string, expiry time.Time, strike float64, class string) string {
	return fmt.Sprintf("%s%s%d%s", prefix, expiry.Format("060102"), int(strike), class)
}
