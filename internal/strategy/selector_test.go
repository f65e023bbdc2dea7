package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyterm/gamma_strangler/internal/broker"
	"github.com/niftyterm/gamma_strangler/internal/models"
)

func testSelectorConfig() SelectorConfig {
	return SelectorConfig{
		CEDeltaTarget:    0.22,
		PEDeltaTarget:    -0.22,
		HedgeDeltaTarget: 0.10,
		StrikeInterval:   50,
		OffsetPoints:     100,
	}
}

func TestSelectRegular(t *testing.T) {
	chain := broker.SyntheticChain(24700, 50, 20)
	sel, err := NewStrikeSelector(testSelectorConfig()).SelectRegular(chain, 24700)
	require.NoError(t, err)

	assert.Equal(t, models.VariantRegular, sel.Variant)
	require.Len(t, sel.Legs, 4)

	var shortCE, shortPE, hedgeCE, hedgePE *LegPick
	for i := range sel.Legs {
		leg := &sel.Legs[i]
		switch {
		case !leg.IsHedge && leg.Option.Type == broker.OptionTypeCall:
			shortCE = leg
		case !leg.IsHedge && leg.Option.Type == broker.OptionTypePut:
			shortPE = leg
		case leg.IsHedge && leg.Option.Type == broker.OptionTypeCall:
			hedgeCE = leg
		default:
			hedgePE = leg
		}
	}
	require.NotNil(t, shortCE)
	require.NotNil(t, shortPE)
	require.NotNil(t, hedgeCE)
	require.NotNil(t, hedgePE)

	assert.Equal(t, models.SideSell, shortCE.Side)
	assert.Equal(t, models.SideSell, shortPE.Side)
	assert.Equal(t, models.SideBuy, hedgeCE.Side)
	assert.Equal(t, models.SideBuy, hedgePE.Side)

	// Shorts straddle spot, hedges sit further out on each wing.
	assert.Greater(t, shortCE.Option.Strike, 24700.0)
	assert.Less(t, shortPE.Option.Strike, 24700.0)
	assert.Greater(t, hedgeCE.Option.Strike, shortCE.Option.Strike)
	assert.Less(t, hedgePE.Option.Strike, shortPE.Option.Strike)

	assert.Equal(t, shortCE.Option.Strike, sel.CEStrike)
	assert.Equal(t, shortPE.Option.Strike, sel.PEStrike)

	// The picks must actually be the chain's best match for each target,
	// re-derived here independently of the selector's scan.
	assert.Equal(t, bestByDelta(chain, broker.OptionTypeCall, 0.22), shortCE.Option.Strike)
	assert.Equal(t, bestByDelta(chain, broker.OptionTypePut, -0.22), shortPE.Option.Strike)
}

// bestByDelta finds the strike whose delta is nearest the target by brute force.
func bestByDelta(chain []broker.Option, optType broker.OptionType, target float64) float64 {
	bestStrike := 0.0
	bestDiff := math.MaxFloat64
	for _, o := range chain {
		if o.Type != optType {
			continue
		}
		if diff := math.Abs(o.Delta - target); diff < bestDiff {
			bestDiff = diff
			bestStrike = o.Strike
		}
	}
	return bestStrike
}

func TestSelectRegularIsDeterministic(t *testing.T) {
	selector := NewStrikeSelector(testSelectorConfig())
	chain := broker.SyntheticChain(24683, 50, 20)

	first, err := selector.SelectRegular(chain, 24683)
	require.NoError(t, err)
	second, err := selector.SelectRegular(chain, 24683)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same chain must always yield the same legs")
}

func TestSelectOffset(t *testing.T) {
	chain := broker.SyntheticChain(24700, 50, 20)
	sel, err := NewStrikeSelector(testSelectorConfig()).SelectOffset(chain, 24700)
	require.NoError(t, err)

	assert.Equal(t, models.VariantSimplifiedOffset, sel.Variant)
	require.Len(t, sel.Legs, 2, "simplified variant carries no hedges")
	assert.InDelta(t, 24800, sel.CEStrike, 1e-9, "ATM + 100")
	assert.InDelta(t, 24600, sel.PEStrike, 1e-9, "ATM - 100")
	for _, leg := range sel.Legs {
		assert.Equal(t, models.SideSell, leg.Side)
		assert.False(t, leg.IsHedge)
	}
}

func TestSelectOffsetRoundsSpotToGrid(t *testing.T) {
	chain := broker.SyntheticChain(24683, 50, 20)
	sel, err := NewStrikeSelector(testSelectorConfig()).SelectOffset(chain, 24683)
	require.NoError(t, err)
	assert.InDelta(t, 24800, sel.CEStrike, 1e-9, "ATM rounds 24683 -> 24700")
	assert.InDelta(t, 24600, sel.PEStrike, 1e-9)
}

func TestSelectOffsetMissingStrike(t *testing.T) {
	chain := broker.SyntheticChain(24700, 50, 20)
	// Drop the 24800 CE so the required strike is absent.
	pruned := make([]broker.Option, 0, len(chain))
	for _, o := range chain {
		if o.Strike == 24800 && o.Type == broker.OptionTypeCall {
			continue
		}
		pruned = append(pruned, o)
	}

	_, err := NewStrikeSelector(testSelectorConfig()).SelectOffset(pruned, 24700)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleChain)
}

func TestSelectEmptyChain(t *testing.T) {
	selector := NewStrikeSelector(testSelectorConfig())

	_, err := selector.SelectRegular(nil, 24700)
	assert.ErrorIs(t, err, ErrStaleChain)

	_, err = selector.SelectOffset(nil, 24700)
	assert.ErrorIs(t, err, ErrStaleChain)
}

func TestPickSkipsDeadQuotes(t *testing.T) {
	chain := []broker.Option{
		{Symbol: "A", Strike: 24900, Type: broker.OptionTypeCall, Delta: 0.22, LastPrice: 0},
		{Symbol: "B", Strike: 25000, Type: broker.OptionTypeCall, Delta: 0.18, LastPrice: 42},
	}
	selector := NewStrikeSelector(testSelectorConfig())
	pick := selector.pickByDelta(chain, broker.OptionTypeCall, 0.22, 24700)
	require.NotNil(t, pick)
	assert.Equal(t, "B", pick.Symbol, "untraded quotes are never selected")
}

func TestPickTieBreaksTowardATM(t *testing.T) {
	chain := []broker.Option{
		{Symbol: "FAR", Strike: 25200, Type: broker.OptionTypeCall, Delta: 0.24, LastPrice: 30},
		{Symbol: "NEAR", Strike: 24900, Type: broker.OptionTypeCall, Delta: 0.20, LastPrice: 60},
	}
	selector := NewStrikeSelector(testSelectorConfig())
	pick := selector.pickByDelta(chain, broker.OptionTypeCall, 0.22, 24700)
	require.NotNil(t, pick)
	assert.Equal(t, "NEAR", pick.Symbol, "equidistant deltas resolve to the strike nearer ATM")
}
