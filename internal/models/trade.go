// Package models provides data structures and state management for paper trades.
package models

import (
	"fmt"
	"time"
)

// MaxAdjustmentLevel is the ceiling for gamma-defense adjustments on one trade.
// A trigger past this level forces the trade closed instead of adjusting again.
const MaxAdjustmentLevel = 3

// OptionClass identifies the option type of a leg.
type OptionClass string

const (
	// OptionCall is a call option (CE in NSE notation).
	OptionCall OptionClass = "CE"
	// OptionPut is a put option (PE in NSE notation).
	OptionPut OptionClass = "PE"
)

// Valid returns true if the OptionClass is one of the defined constants.
func (c OptionClass) Valid() bool {
	return c == OptionCall || c == OptionPut
}

// Side identifies whether a leg was sold or bought.
type Side string

const (
	// SideSell marks a short leg.
	SideSell Side = "SELL"
	// SideBuy marks a bought (hedge) leg.
	SideBuy Side = "BUY"
)

// Variant selects which strangle construction a trade uses.
type Variant string

const (
	// VariantRegular is the delta-targeted four-leg strangle.
	VariantRegular Variant = "REGULAR"
	// VariantSimplifiedOffset is the fixed ATM±offset version used late in
	// the session, with its own profit target and stop multiple.
	VariantSimplifiedOffset Variant = "SIMPLIFIED_OFFSET"
)

// Valid returns true if the Variant is one of the defined constants.
func (v Variant) Valid() bool {
	return v == VariantRegular || v == VariantSimplifiedOffset
}

// TradeStatus is the lifecycle state of a trade. The transition is one-way:
// OPEN → CLOSED, never back.
type TradeStatus string

const (
	// StatusOpen means the trade's legs are live and monitored.
	StatusOpen TradeStatus = "OPEN"
	// StatusClosed is terminal.
	StatusClosed TradeStatus = "CLOSED"
)

// Greeks carries the per-leg risk sensitivities refreshed from the chain.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
}

// Position is a single option leg. It is owned exclusively by its parent
// Trade and mutated only by price refresh and close operations.
type Position struct {
	Symbol       string      `json:"symbol"`
	Strike       float64     `json:"strike"`
	Class        OptionClass `json:"class"`
	Side         Side        `json:"side"`
	IsHedge      bool        `json:"is_hedge"`
	EntryPrice   float64     `json:"entry_price"`
	CurrentPrice float64     `json:"current_price"`
	Quantity     int         `json:"quantity"`
	Greeks       Greeks      `json:"greeks"`
}

// PnL returns the leg's unrealized profit at its current price.
// Short legs gain as premium decays; bought legs gain as premium rises.
func (p *Position) PnL() float64 {
	if p.Side == SideSell {
		return (p.EntryPrice - p.CurrentPrice) * float64(p.Quantity)
	}
	return (p.CurrentPrice - p.EntryPrice) * float64(p.Quantity)
}

// PremiumRisePct returns how far the leg's premium has risen above entry,
// as a fraction of the entry price. A non-positive entry basis (possible
// after a roll folds a banked loss into the replacement leg) yields zero so
// the premium trigger never inverts sign.
func (p *Position) PremiumRisePct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice
}

// Adjustment records one gamma-defense action taken on a trade.
// The log is append-only; rows are never mutated or deleted.
type Adjustment struct {
	TradeID   string    `json:"trade_id"`
	Tier      int       `json:"tier"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// DailySummary aggregates one calendar day of closed trades.
type DailySummary struct {
	TradeDate     string  `json:"trade_date"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	NetPnL        float64 `json:"net_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	WinRate       float64 `json:"win_rate"`
}

// Trade is a strangle entry: two short legs plus an optional hedge pair.
type Trade struct {
	ID               string      `json:"id"`
	TradeDate        string      `json:"trade_date"` // IST calendar day, 2006-01-02
	Variant          Variant     `json:"variant"`
	EntryTime        time.Time   `json:"entry_time"`
	ExitTime         time.Time   `json:"exit_time,omitempty"`
	EntrySpot        float64     `json:"entry_spot"`
	CEStrike         float64     `json:"ce_strike"`
	PEStrike         float64     `json:"pe_strike"`
	PremiumCollected float64     `json:"premium_collected"`
	RealizedPnL      float64     `json:"realized_pnl"`
	Status           TradeStatus `json:"status"`
	CloseReason      string      `json:"close_reason,omitempty"`
	AdjustmentLevel  int         `json:"adjustment_level"`
	Legs             []*Position `json:"legs"`
}

// ShortLegs returns the sold, non-hedge legs.
func (t *Trade) ShortLegs() []*Position {
	legs := make([]*Position, 0, 2)
	for _, l := range t.Legs {
		if l.Side == SideSell && !l.IsHedge {
			legs = append(legs, l)
		}
	}
	return legs
}

// HedgeLegs returns the bought hedge legs.
func (t *Trade) HedgeLegs() []*Position {
	legs := make([]*Position, 0, 2)
	for _, l := range t.Legs {
		if l.IsHedge {
			legs = append(legs, l)
		}
	}
	return legs
}

// TestedLeg returns the short leg with the larger delta magnitude, i.e. the
// side the market is moving against. Nil if the trade has no short legs.
func (t *Trade) TestedLeg() *Position {
	var tested *Position
	for _, l := range t.ShortLegs() {
		if tested == nil || abs(l.Greeks.Delta) > abs(tested.Greeks.Delta) {
			tested = l
		}
	}
	return tested
}

// UnrealizedPnL sums leg P&L at current prices.
func (t *Trade) UnrealizedPnL() float64 {
	total := 0.0
	for _, l := range t.Legs {
		total += l.PnL()
	}
	return total
}

// Close marks the trade CLOSED with the final P&L. Closing a trade twice is
// an error: status is one-way and realized P&L is computed exactly once.
func (t *Trade) Close(realizedPnL float64, reason string, at time.Time) error {
	if t.Status == StatusClosed {
		return fmt.Errorf("trade %s already closed (%s)", t.ID, t.CloseReason)
	}
	t.Status = StatusClosed
	t.RealizedPnL = realizedPnL
	t.CloseReason = reason
	t.ExitTime = at
	return nil
}

// RecordAdjustment bumps the adjustment level. The level is monotonic
// non-decreasing and capped at MaxAdjustmentLevel.
func (t *Trade) RecordAdjustment() error {
	if t.AdjustmentLevel >= MaxAdjustmentLevel {
		return fmt.Errorf("trade %s at max adjustment level %d", t.ID, MaxAdjustmentLevel)
	}
	t.AdjustmentLevel++
	return nil
}

// Validate enforces the structural invariants of a trade: exactly two short
// legs, zero or two hedge legs, and identical quantity across all legs.
func (t *Trade) Validate() error {
	if !t.Variant.Valid() {
		return fmt.Errorf("trade %s: invalid variant %q", t.ID, t.Variant)
	}
	shorts := t.ShortLegs()
	hedges := t.HedgeLegs()
	if len(shorts) != 2 {
		return fmt.Errorf("trade %s: expected 2 short legs, have %d", t.ID, len(shorts))
	}
	if n := len(hedges); n != 0 && n != 2 {
		return fmt.Errorf("trade %s: hedge legs must be paired, have %d", t.ID, n)
	}
	qty := t.Legs[0].Quantity
	for _, l := range t.Legs {
		if l.Quantity != qty {
			return fmt.Errorf("trade %s: leg quantity %d differs from %d", t.ID, l.Quantity, qty)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("trade %s: leg quantity must be positive, have %d", t.ID, l.Quantity)
		}
		if !l.Class.Valid() {
			return fmt.Errorf("trade %s: invalid option class %q", t.ID, l.Class)
		}
	}
	if t.Status == StatusClosed && t.CloseReason == "" {
		return fmt.Errorf("trade %s: closed without a reason", t.ID)
	}
	return nil
}

// EnginePhase is the lifecycle phase of the strategy engine.
type EnginePhase string

const (
	// PhaseIdle means the engine is constructed but not armed for entries.
	PhaseIdle EnginePhase = "IDLE"
	// PhaseRunning means new entries are allowed, subject to risk gates.
	PhaseRunning EnginePhase = "RUNNING"
	// PhaseStoppedForDay blocks new entries; open trades stay monitored.
	PhaseStoppedForDay EnginePhase = "STOPPED_FOR_DAY"
)

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
