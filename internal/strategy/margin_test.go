package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyterm/gamma_strangler/internal/broker"
	"github.com/niftyterm/gamma_strangler/internal/models"
)

func TestMarginForSelection(t *testing.T) {
	mock := broker.NewMockBroker(24700)
	agg := NewMarginAggregator(mock)

	sel, err := NewStrikeSelector(testSelectorConfig()).SelectRegular(mock.Chain, 24700)
	require.NoError(t, err)

	result := agg.ForSelection(context.Background(), sel, 75)
	require.True(t, result.Available)
	assert.InDelta(t, 95000, result.SpanMargin, 1e-9)
	assert.InDelta(t, 125000, result.TotalRequired, 1e-9)
	assert.InDelta(t, 45000, result.HedgeBenefit, 1e-9)
	require.Len(t, result.Legs, 4)
	for _, leg := range result.Legs {
		assert.Equal(t, 75, leg.Quantity)
	}
}

func TestMarginForTrade(t *testing.T) {
	mock := broker.NewMockBroker(24700)
	agg := NewMarginAggregator(mock)
	trade, _ := chainTrade(t, 24700)

	result := agg.ForTrade(context.Background(), trade)
	require.True(t, result.Available)
	require.Len(t, result.Legs, 4)

	// Short legs sell, hedges buy.
	sells, buys := 0, 0
	for _, leg := range result.Legs {
		switch leg.Side {
		case broker.SideSell:
			sells++
		case broker.SideBuy:
			buys++
		}
	}
	assert.Equal(t, 2, sells)
	assert.Equal(t, 2, buys)
}

func TestMarginGatewayFailure(t *testing.T) {
	mock := broker.NewMockBroker(24700)
	mock.MarginErr = errors.New("gateway error 503: unavailable")
	agg := NewMarginAggregator(mock)
	trade, _ := chainTrade(t, 24700)

	result := agg.ForTrade(context.Background(), trade)
	assert.False(t, result.Available)
	assert.Contains(t, result.Reason, "margin unavailable")
	assert.Len(t, result.Legs, 4, "legs are still reported for diagnostics")
}

func TestMarginEmptyBasket(t *testing.T) {
	agg := NewMarginAggregator(broker.NewMockBroker(24700))
	result := agg.ForTrade(context.Background(), &models.Trade{})
	assert.False(t, result.Available)
	assert.Equal(t, "no legs to margin", result.Reason)
}
