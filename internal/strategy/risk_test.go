package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyterm/gamma_strangler/internal/models"
)

func testRiskConfig() RiskConfig {
	return RiskConfig{
		Capital:       500000,
		RiskPctPerDay: 2,
		L1SpotMovePct: 0.006,
		L1PremiumRise: 0.40,
		L2DeltaLimit:  0.35,
		L3SpotMovePct: 0.012,
	}
}

func riskTrade(entrySpot, ceDelta, peDelta float64) *models.Trade {
	return &models.Trade{
		ID:        "r-1",
		Variant:   models.VariantRegular,
		Status:    models.StatusOpen,
		EntrySpot: entrySpot,
		Legs: []*models.Position{
			{Class: models.OptionCall, Side: models.SideSell, EntryPrice: 80, CurrentPrice: 80, Quantity: 75, Greeks: models.Greeks{Delta: ceDelta}},
			{Class: models.OptionPut, Side: models.SideSell, EntryPrice: 78, CurrentPrice: 78, Quantity: 75, Greeks: models.Greeks{Delta: peDelta}},
			{Class: models.OptionCall, Side: models.SideBuy, IsHedge: true, EntryPrice: 25, CurrentPrice: 25, Quantity: 75, Greeks: models.Greeks{Delta: 0.10}},
			{Class: models.OptionPut, Side: models.SideBuy, IsHedge: true, EntryPrice: 24, CurrentPrice: 24, Quantity: 75, Greeks: models.Greeks{Delta: -0.10}},
		},
	}
}

func TestMaxDailyLoss(t *testing.T) {
	r := NewRiskAccountant(testRiskConfig())
	assert.InDelta(t, 10000, r.MaxDailyLoss(), 1e-9, "500k capital at 2%")
}

func TestDailyLossBreached(t *testing.T) {
	r := NewRiskAccountant(testRiskConfig())

	assert.False(t, r.DailyLossBreached(-5000, -4999))
	assert.True(t, r.DailyLossBreached(-5000, -5000), "exactly at the cap counts as breached")
	assert.True(t, r.DailyLossBreached(-12000, 0))
	assert.False(t, r.DailyLossBreached(-12000, 3000), "live MTM can pull the book back inside the cap")
	assert.False(t, r.DailyLossBreached(2000, 1000))
}

func TestMTMIgnoresClosedTrades(t *testing.T) {
	r := NewRiskAccountant(testRiskConfig())

	open := riskTrade(24700, 0.22, -0.22)
	open.Legs[0].CurrentPrice = 60 // +1500

	closed := riskTrade(24700, 0.22, -0.22)
	closed.Status = models.StatusClosed
	closed.Legs[0].CurrentPrice = 200

	assert.InDelta(t, 1500, r.MTM([]*models.Trade{open, closed}), 1e-9)
}

func TestNetDelta(t *testing.T) {
	r := NewRiskAccountant(testRiskConfig())

	t.Run("balanced strangle nets near zero", func(t *testing.T) {
		trade := riskTrade(24700, 0.22, -0.22)
		assert.InDelta(t, 0, r.NetDelta([]*models.Trade{trade}), 1e-9)
	})

	t.Run("tested call side pushes delta short", func(t *testing.T) {
		trade := riskTrade(24700, 0.45, -0.12)
		assert.Less(t, r.NetDelta([]*models.Trade{trade}), 0.0,
			"short calls gaining delta means negative book delta")
	})

	t.Run("empty book", func(t *testing.T) {
		assert.Zero(t, r.NetDelta(nil))
	})
}

func TestGammaRiskScoreBounds(t *testing.T) {
	r := NewRiskAccountant(testRiskConfig())

	calm := riskTrade(24700, 0.22, -0.22)
	score := r.GammaRiskScore([]*models.Trade{calm}, 24700)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)

	// Everything at or past its threshold pins the score at 100.
	stressed := riskTrade(24700, 0.50, -0.10)
	stressed.AdjustmentLevel = 3
	stressed.Legs[0].CurrentPrice = 160 // 100% premium rise
	score = r.GammaRiskScore([]*models.Trade{stressed}, 25100)
	assert.InDelta(t, 100, score, 1e-9)
}

func TestGammaRiskScoreMonotonicity(t *testing.T) {
	r := NewRiskAccountant(testRiskConfig())

	t.Run("spot move", func(t *testing.T) {
		trade := riskTrade(24700, 0.22, -0.22)
		prev := -1.0
		for _, spot := range []float64{24700, 24750, 24800, 24900, 25000} {
			score := r.GammaRiskScore([]*models.Trade{trade}, spot)
			assert.GreaterOrEqual(t, score, prev, "spot %v", spot)
			prev = score
		}
	})

	t.Run("tested delta", func(t *testing.T) {
		prev := -1.0
		for _, delta := range []float64{0.22, 0.28, 0.33, 0.38, 0.45} {
			trade := riskTrade(24700, delta, -0.22)
			score := r.GammaRiskScore([]*models.Trade{trade}, 24700)
			assert.GreaterOrEqual(t, score, prev, "delta %v", delta)
			prev = score
		}
	})

	t.Run("adjustment level", func(t *testing.T) {
		prev := -1.0
		for level := 0; level <= 3; level++ {
			trade := riskTrade(24700, 0.22, -0.22)
			trade.AdjustmentLevel = level
			score := r.GammaRiskScore([]*models.Trade{trade}, 24700)
			assert.GreaterOrEqual(t, score, prev, "level %d", level)
			prev = score
		}
	})

	t.Run("premium rise", func(t *testing.T) {
		prev := -1.0
		for _, price := range []float64{80, 90, 100, 112, 130} {
			trade := riskTrade(24700, 0.22, -0.22)
			trade.Legs[0].CurrentPrice = price
			score := r.GammaRiskScore([]*models.Trade{trade}, 24700)
			assert.GreaterOrEqual(t, score, prev, "price %v", price)
			prev = score
		}
	})
}

func TestGammaRiskScoreWorstTradeWins(t *testing.T) {
	r := NewRiskAccountant(testRiskConfig())
	calm := riskTrade(24700, 0.22, -0.22)
	hot := riskTrade(24700, 0.40, -0.15)
	hot.AdjustmentLevel = 2

	both := r.GammaRiskScore([]*models.Trade{calm, hot}, 24850)
	hotOnly := r.GammaRiskScore([]*models.Trade{hot}, 24850)
	assert.InDelta(t, hotOnly, both, 1e-9)
}

func TestBand(t *testing.T) {
	assert.Equal(t, BandLow, Band(0))
	assert.Equal(t, BandLow, Band(50))
	assert.Equal(t, BandModerate, Band(50.1))
	assert.Equal(t, BandModerate, Band(70))
	assert.Equal(t, BandHigh, Band(70.1))
	assert.Equal(t, BandHigh, Band(100))
}

func TestElapsedMinutes(t *testing.T) {
	entry := time.Date(2026, 8, 28, 9, 50, 0, 0, time.UTC)
	trade := &models.Trade{EntryTime: entry}
	require.InDelta(t, 45, ElapsedMinutes(trade, entry.Add(45*time.Minute)), 1e-9)
}
