package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick(t *testing.T) {
	assert.InDelta(t, 123.45, RoundToTick(123.43, 0.05), 1e-9)
	assert.InDelta(t, 123.40, RoundToTick(123.42, 0.05), 1e-9)
	assert.InDelta(t, 99.9, RoundToTick(99.9, 0), 1e-9, "non-positive tick is a no-op")
}

func TestNearestStrike(t *testing.T) {
	assert.InDelta(t, 24700, NearestStrike(24683, 50), 1e-9)
	assert.InDelta(t, 24650, NearestStrike(24674, 50), 1e-9)
	assert.InDelta(t, 24700, NearestStrike(24700, 50), 1e-9)
	assert.InDelta(t, 24683, NearestStrike(24683, 0), 1e-9)
}

func TestOptionSymbol(t *testing.T) {
	expiry := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "NSE:NIFTY25090424700CE", OptionSymbol("NSE:NIFTY", expiry, 24700, "CE"))
	assert.Equal(t, "NSE:NIFTY25090424450PE", OptionSymbol("NSE:NIFTY", expiry, 24450, "PE"))
}
