// Package strategy implements strangle construction, risk accounting and the
// tiered gamma defense that manages open trades.
package strategy

import (
	"errors"
	"fmt"
	"math"

	"github.com/niftyterm/gamma_strangler/internal/broker"
	"github.com/niftyterm/gamma_strangler/internal/models"
	"github.com/niftyterm/gamma_strangler/internal/util"
)

// ErrStaleChain is returned when the chain is missing a quote the selector
// needs. Callers skip the decision for this tick rather than guessing.
var ErrStaleChain = errors.New("strategy: option chain missing required strike")

// SelectorConfig holds the strike selection targets.
type SelectorConfig struct {
	CEDeltaTarget    float64 // e.g. 0.22
	PEDeltaTarget    float64 // e.g. -0.22
	HedgeDeltaTarget float64 // delta magnitude, e.g. 0.10
	StrikeInterval   float64 // NIFTY grid, 50 points
	OffsetPoints     float64 // simplified variant ATM offset, e.g. 100
}

// LegPick is one selected leg before it becomes a position.
type LegPick struct {
	Option  broker.Option
	Side    models.Side
	IsHedge bool
}

// Selection is the full set of legs for one entry.
type Selection struct {
	Variant  models.Variant
	CEStrike float64
	PEStrike float64
	Legs     []LegPick
}

// StrikeSelector deterministically picks legs from a chain snapshot.
type StrikeSelector struct {
	cfg SelectorConfig
}

// NewStrikeSelector creates a selector with the given targets.
func NewStrikeSelector(cfg SelectorConfig) *StrikeSelector {
	return &StrikeSelector{cfg: cfg}
}

// SelectRegular picks the four-leg delta-targeted strangle: sell the CE and
// PE closest to their delta targets, buy the CE and PE hedges closest to the
// hedge delta magnitude. Ties break toward the strike nearer at-the-money,
// so the same chain always yields the same legs.
func (s *StrikeSelector) SelectRegular(chain []broker.Option, spot float64) (*Selection, error) {
	if len(chain) == 0 {
		return nil, ErrStaleChain
	}
	atm := util.NearestStrike(spot, s.cfg.StrikeInterval)

	shortCE := s.pickByDelta(chain, broker.OptionTypeCall, s.cfg.CEDeltaTarget, atm)
	shortPE := s.pickByDelta(chain, broker.OptionTypePut, s.cfg.PEDeltaTarget, atm)
	hedgeCE := s.pickByDeltaMagnitude(chain, broker.OptionTypeCall, s.cfg.HedgeDeltaTarget, atm)
	hedgePE := s.pickByDeltaMagnitude(chain, broker.OptionTypePut, s.cfg.HedgeDeltaTarget, atm)
	if shortCE == nil || shortPE == nil || hedgeCE == nil || hedgePE == nil {
		return nil, ErrStaleChain
	}

	return &Selection{
		Variant:  models.VariantRegular,
		CEStrike: shortCE.Strike,
		PEStrike: shortPE.Strike,
		Legs: []LegPick{
			{Option: *shortCE, Side: models.SideSell},
			{Option: *shortPE, Side: models.SideSell},
			{Option: *hedgeCE, Side: models.SideBuy, IsHedge: true},
			{Option: *hedgePE, Side: models.SideBuy, IsHedge: true},
		},
	}, nil
}

// SelectOffset picks the simplified late-session strangle: sell ATM+offset CE
// and ATM-offset PE, no hedges, irrespective of delta.
func (s *StrikeSelector) SelectOffset(chain []broker.Option, spot float64) (*Selection, error) {
	if len(chain) == 0 {
		return nil, ErrStaleChain
	}
	atm := util.NearestStrike(spot, s.cfg.StrikeInterval)
	ceStrike := atm + s.cfg.OffsetPoints
	peStrike := atm - s.cfg.OffsetPoints

	ce := broker.FindOption(chain, ceStrike, broker.OptionTypeCall)
	pe := broker.FindOption(chain, peStrike, broker.OptionTypePut)
	if ce == nil || pe == nil {
		return nil, fmt.Errorf("%w: CE %.0f / PE %.0f", ErrStaleChain, ceStrike, peStrike)
	}

	return &Selection{
		Variant:  models.VariantSimplifiedOffset,
		CEStrike: ce.Strike,
		PEStrike: pe.Strike,
		Legs: []LegPick{
			{Option: *ce, Side: models.SideSell},
			{Option: *pe, Side: models.SideSell},
		},
	}, nil
}

// pickByDelta finds the option of the given type whose delta is closest to
// target. On an exact tie the strike nearer atm wins; a remaining tie goes to
// the lower strike so selection stays reproducible.
func (s *StrikeSelector) pickByDelta(chain []broker.Option, optType broker.OptionType, target, atm float64) *broker.Option {
	return s.pick(chain, optType, func(o *broker.Option) float64 {
		return math.Abs(o.Delta - target)
	}, atm)
}

// pickByDeltaMagnitude matches on |delta|, used for hedges where the sign is
// implied by the option type.
func (s *StrikeSelector) pickByDeltaMagnitude(chain []broker.Option, optType broker.OptionType, target, atm float64) *broker.Option {
	return s.pick(chain, optType, func(o *broker.Option) float64 {
		return math.Abs(math.Abs(o.Delta) - target)
	}, atm)
}

func (s *StrikeSelector) pick(chain []broker.Option, optType broker.OptionType, score func(*broker.Option) float64, atm float64) *broker.Option {
	var best *broker.Option
	bestScore := math.MaxFloat64
	for i := range chain {
		o := &chain[i]
		if o.Type != optType || o.LastPrice <= 0 {
			continue
		}
		sc := score(o)
		switch {
		case sc < bestScore-1e-9:
			best, bestScore = o, sc
		case math.Abs(sc-bestScore) <= 1e-9 && best != nil:
			// Tie: prefer the strike nearer at-the-money, then the lower strike.
			dNew, dBest := math.Abs(o.Strike-atm), math.Abs(best.Strike-atm)
			if dNew < dBest-1e-9 || (math.Abs(dNew-dBest) <= 1e-9 && o.Strike < best.Strike) {
				best = o
			}
		}
	}
	return best
}
