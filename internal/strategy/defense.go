package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/niftyterm/gamma_strangler/internal/broker"
	"github.com/niftyterm/gamma_strangler/internal/models"
	"github.com/niftyterm/gamma_strangler/internal/util"
)

// CloseReasonMaxAdjustments marks a trade force-closed because a tier fired
// while the trade was already at the maximum adjustment level.
const CloseReasonMaxAdjustments = "MAX_ADJUSTMENTS_EXCEEDED"

// DefenseConfig holds the three escalating trigger tiers.
type DefenseConfig struct {
	L1SpotMovePct float64       // tier 1: spot move fraction
	L1PremiumRise float64       // tier 1: tested-leg premium rise fraction
	L2DeltaLimit  float64       // tier 2: tested-leg |delta| limit
	L3SpotMovePct float64       // tier 3: spot move fraction
	L3Window      time.Duration // tier 3: window after entry
}

// Evaluation is the defense verdict for one trade on one tick.
type Evaluation struct {
	Tier       int // 0 = no trigger
	Reason     string
	ForceClose bool // trade already at max level; close instead of adjusting
}

// AdjustmentPolicy mutates a trade's legs in response to a tier trigger.
// The contract: it may modify legs, add or replace hedges, or roll strikes,
// but it must leave the trade OPEN and keep the leg-count and quantity
// invariants intact. It returns a human-readable action descriptor for the
// adjustment log.
type AdjustmentPolicy interface {
	Apply(trade *models.Trade, tier int, chain []broker.Option, spot float64) (string, error)
}

// GammaDefenseEngine evaluates open trades against the trigger tiers.
type GammaDefenseEngine struct {
	cfg    DefenseConfig
	policy AdjustmentPolicy
}

// NewGammaDefenseEngine builds a defense engine. A nil policy falls back to
// the default roll policy with the given selector targets.
func NewGammaDefenseEngine(cfg DefenseConfig, policy AdjustmentPolicy) *GammaDefenseEngine {
	return &GammaDefenseEngine{cfg: cfg, policy: policy}
}

// Policy returns the engine's adjustment policy.
func (g *GammaDefenseEngine) Policy() AdjustmentPolicy {
	return g.policy
}

// Evaluate checks the tiers for one trade, most severe first, and returns at
// most one verdict. No trigger is the normal outcome.
func (g *GammaDefenseEngine) Evaluate(trade *models.Trade, spot float64, now time.Time) Evaluation {
	if trade.Status != models.StatusOpen || trade.EntrySpot <= 0 {
		return Evaluation{}
	}

	spotMove := math.Abs(spot-trade.EntrySpot) / trade.EntrySpot
	elapsed := now.Sub(trade.EntryTime)
	tested := trade.TestedLeg()

	tier := 0
	reason := ""
	switch {
	case spotMove >= g.cfg.L3SpotMovePct && elapsed <= g.cfg.L3Window:
		tier = 3
		reason = fmt.Sprintf("spot moved %.2f%% within %.0f min of entry",
			spotMove*100, elapsed.Minutes())
	case tested != nil && math.Abs(tested.Greeks.Delta) > g.cfg.L2DeltaLimit:
		tier = 2
		reason = fmt.Sprintf("tested %s delta %.2f breached limit %.2f",
			tested.Class, math.Abs(tested.Greeks.Delta), g.cfg.L2DeltaLimit)
	case spotMove >= g.cfg.L1SpotMovePct:
		tier = 1
		reason = fmt.Sprintf("spot moved %.2f%%", spotMove*100)
	case tested != nil && tested.PremiumRisePct() >= g.cfg.L1PremiumRise:
		tier = 1
		reason = fmt.Sprintf("tested %s premium rose %.0f%%",
			tested.Class, tested.PremiumRisePct()*100)
	}

	if tier == 0 {
		return Evaluation{}
	}
	if trade.AdjustmentLevel >= models.MaxAdjustmentLevel {
		return Evaluation{Tier: tier, Reason: reason, ForceClose: true}
	}
	return Evaluation{Tier: tier, Reason: reason}
}

// RollPolicy is the default adjustment policy. Tier 1 tightens the hedge on
// the tested side, tier 2 rolls the tested short leg back to its delta
// target, tier 3 does both. Replaced legs carry their banked P&L in the
// entry-price basis so the close-time P&L formula stays exact.
type RollPolicy struct {
	selector *StrikeSelector
	cfg      SelectorConfig
}

// NewRollPolicy builds the default policy around the selector targets.
func NewRollPolicy(cfg SelectorConfig) *RollPolicy {
	return &RollPolicy{selector: NewStrikeSelector(cfg), cfg: cfg}
}

// Ensure RollPolicy implements AdjustmentPolicy at compile time.
var _ AdjustmentPolicy = (*RollPolicy)(nil)

// Apply executes the tier's adjustment on the trade.
func (p *RollPolicy) Apply(trade *models.Trade, tier int, chain []broker.Option, spot float64) (string, error) {
	tested := trade.TestedLeg()
	if tested == nil {
		return "", fmt.Errorf("trade %s has no tested leg", trade.ID)
	}

	var actions []string
	if tier >= 2 {
		action, err := p.rollShortLeg(trade, tested, chain, spot)
		if err != nil {
			return "", err
		}
		actions = append(actions, action)
	}
	if tier == 1 || tier == 3 {
		action, err := p.tightenHedge(trade, tested.Class, chain, spot)
		if err != nil {
			return "", err
		}
		actions = append(actions, action)
	}

	if err := trade.Validate(); err != nil {
		return "", fmt.Errorf("adjustment broke trade invariants: %w", err)
	}
	return joinActions(actions), nil
}

// rollShortLeg re-picks the tested short leg at its original delta target and
// swaps it in place, banking the old leg's P&L into the new entry basis.
func (p *RollPolicy) rollShortLeg(trade *models.Trade, leg *models.Position, chain []broker.Option, spot float64) (string, error) {
	target := p.cfg.CEDeltaTarget
	optType := broker.OptionTypeCall
	if leg.Class == models.OptionPut {
		target = p.cfg.PEDeltaTarget
		optType = broker.OptionTypePut
	}

	atm := util.NearestStrike(spot, p.cfg.StrikeInterval)
	pick := p.selector.pickByDelta(chain, optType, target, atm)
	if pick == nil {
		return "", ErrStaleChain
	}

	oldStrike := leg.Strike
	banked := leg.EntryPrice - leg.CurrentPrice // short leg P&L per unit
	leg.Strike = pick.Strike
	leg.Symbol = pick.Symbol
	leg.EntryPrice = pick.LastPrice + banked
	leg.CurrentPrice = pick.LastPrice
	leg.Greeks = models.Greeks{Delta: pick.Delta, Gamma: pick.Gamma}

	if leg.Class == models.OptionCall {
		trade.CEStrike = pick.Strike
	} else {
		trade.PEStrike = pick.Strike
	}
	return fmt.Sprintf("rolled short %s %.0f -> %.0f", leg.Class, oldStrike, pick.Strike), nil
}

// tightenHedge moves the hedge on the tested side closer to the money, at
// 1.5x the normal hedge delta, to blunt further gamma damage.
func (p *RollPolicy) tightenHedge(trade *models.Trade, class models.OptionClass, chain []broker.Option, spot float64) (string, error) {
	var hedge *models.Position
	for _, l := range trade.HedgeLegs() {
		if l.Class == class {
			hedge = l
			break
		}
	}
	if hedge == nil {
		// Offset-variant trades carry no hedges; nothing to tighten.
		return "no hedge to tighten", nil
	}

	optType := broker.OptionTypeCall
	if class == models.OptionPut {
		optType = broker.OptionTypePut
	}
	atm := util.NearestStrike(spot, p.cfg.StrikeInterval)
	pick := p.selector.pickByDeltaMagnitude(chain, optType, p.cfg.HedgeDeltaTarget*1.5, atm)
	if pick == nil {
		return "", ErrStaleChain
	}

	oldStrike := hedge.Strike
	banked := hedge.CurrentPrice - hedge.EntryPrice // bought leg P&L per unit
	hedge.Strike = pick.Strike
	hedge.Symbol = pick.Symbol
	hedge.EntryPrice = pick.LastPrice - banked
	hedge.CurrentPrice = pick.LastPrice
	hedge.Greeks = models.Greeks{Delta: pick.Delta, Gamma: pick.Gamma}

	return fmt.Sprintf("tightened %s hedge %.0f -> %.0f", class, oldStrike, pick.Strike), nil
}

func joinActions(actions []string) string {
	out := ""
	for i, a := range actions {
		if i > 0 {
			out += "; "
		}
		out += a
	}
	return out
}
