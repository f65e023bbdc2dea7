package strategy

import (
	"math"
	"time"

	"github.com/niftyterm/gamma_strangler/internal/models"
)

// RiskBand classifies a gamma risk score.
type RiskBand string

const (
	// BandLow covers scores up to 50.
	BandLow RiskBand = "LOW"
	// BandModerate covers scores above 50 up to 70.
	BandModerate RiskBand = "MODERATE"
	// BandHigh covers scores above 70.
	BandHigh RiskBand = "HIGH"
)

// RiskConfig carries the capital limits and the tier thresholds the score is
// normalized against.
type RiskConfig struct {
	Capital       float64
	RiskPctPerDay float64

	L1SpotMovePct float64
	L1PremiumRise float64
	L2DeltaLimit  float64
	L3SpotMovePct float64
}

// RiskAccountant computes portfolio risk measures over the open trade set.
type RiskAccountant struct {
	cfg RiskConfig
}

// NewRiskAccountant creates an accountant with the given limits.
func NewRiskAccountant(cfg RiskConfig) *RiskAccountant {
	return &RiskAccountant{cfg: cfg}
}

// MaxDailyLoss is the rupee loss that blocks further entries for the day.
func (r *RiskAccountant) MaxDailyLoss() float64 {
	return r.cfg.Capital * r.cfg.RiskPctPerDay / 100
}

// DailyLossBreached reports whether realized plus live MTM has hit the cap.
func (r *RiskAccountant) DailyLossBreached(realizedPnL, mtm float64) bool {
	return realizedPnL+mtm <= -r.MaxDailyLoss()
}

// MTM sums unrealized P&L over all OPEN trades at current leg prices.
func (r *RiskAccountant) MTM(trades []*models.Trade) float64 {
	total := 0.0
	for _, t := range trades {
		if t.Status == models.StatusOpen {
			total += t.UnrealizedPnL()
		}
	}
	return total
}

// NetDelta is the quantity-weighted average signed delta across all open
// legs. Short legs carry the negated chain delta so that buying and selling
// the same strike cancel exactly.
func (r *RiskAccountant) NetDelta(trades []*models.Trade) float64 {
	var weighted float64
	var totalQty float64
	for _, t := range trades {
		if t.Status != models.StatusOpen {
			continue
		}
		for _, leg := range t.Legs {
			signed := leg.Greeks.Delta
			if leg.Side == models.SideSell {
				signed = -signed
			}
			weighted += signed * float64(leg.Quantity)
			totalQty += float64(leg.Quantity)
		}
	}
	if totalQty == 0 {
		return 0
	}
	return weighted / totalQty
}

// GammaRiskScore returns a bounded [0,100] composite of how close the open
// book is to the defense tiers. The score is non-decreasing in each input:
// spot move, tested-leg delta, premium rise and adjustment level each only
// push it up. The worst open trade sets the score.
func (r *RiskAccountant) GammaRiskScore(trades []*models.Trade, spot float64) float64 {
	score := 0.0
	for _, t := range trades {
		if t.Status != models.StatusOpen {
			continue
		}
		if s := r.tradeScore(t, spot); s > score {
			score = s
		}
	}
	return score
}

// tradeScore weighs each factor against its own tier threshold, capped at 1.
// Weights: spot move 35, tested delta 25, premium rise 20, adjustments 20.
func (r *RiskAccountant) tradeScore(t *models.Trade, spot float64) float64 {
	var spotMove, deltaMag, premRise float64
	if t.EntrySpot > 0 {
		spotMove = math.Abs(spot-t.EntrySpot) / t.EntrySpot
	}
	if tested := t.TestedLeg(); tested != nil {
		deltaMag = math.Abs(tested.Greeks.Delta)
		premRise = math.Max(0, tested.PremiumRisePct())
	}

	score := 35*capRatio(spotMove, r.cfg.L3SpotMovePct) +
		25*capRatio(deltaMag, r.cfg.L2DeltaLimit) +
		20*capRatio(premRise, r.cfg.L1PremiumRise) +
		20*capRatio(float64(t.AdjustmentLevel), models.MaxAdjustmentLevel)
	return math.Min(score, 100)
}

// Band maps a score to its classification.
func Band(score float64) RiskBand {
	switch {
	case score > 70:
		return BandHigh
	case score > 50:
		return BandModerate
	default:
		return BandLow
	}
}

// ElapsedMinutes returns whole-minute age of a trade at now.
func ElapsedMinutes(t *models.Trade, now time.Time) float64 {
	return now.Sub(t.EntryTime).Minutes()
}

func capRatio(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return math.Min(value/threshold, 1)
}
