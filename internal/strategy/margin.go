package strategy

import (
	"context"
	"fmt"

	"github.com/niftyterm/gamma_strangler/internal/broker"
	"github.com/niftyterm/gamma_strangler/internal/models"
)

// MarginResult is the aggregator's answer. It is always well-formed: on any
// gateway failure Available is false and Reason says why, so callers branch
// on the result instead of handling errors.
type MarginResult struct {
	Available      bool              `json:"available"`
	Reason         string            `json:"reason,omitempty"`
	SpanMargin     float64           `json:"span_margin"`
	ExposureMargin float64           `json:"exposure_margin"`
	TotalRequired  float64           `json:"total_required"`
	HedgeBenefit   float64           `json:"hedge_benefit"`
	Legs           []broker.BasketLeg `json:"legs,omitempty"`
}

// MarginAggregator packages a trade's legs into a margin basket and
// interprets the gateway's combined computation.
type MarginAggregator struct {
	gateway broker.Broker
}

// NewMarginAggregator creates an aggregator over the gateway.
func NewMarginAggregator(gateway broker.Broker) *MarginAggregator {
	return &MarginAggregator{gateway: gateway}
}

// ForSelection computes margin for a prospective entry.
func (m *MarginAggregator) ForSelection(ctx context.Context, sel *Selection, quantity int) MarginResult {
	legs := make([]broker.BasketLeg, 0, len(sel.Legs))
	for _, pick := range sel.Legs {
		legs = append(legs, broker.BasketLeg{
			Symbol:   pick.Option.Symbol,
			Quantity: quantity,
			Side:     basketSide(pick.Side),
		})
	}
	return m.compute(ctx, legs)
}

// ForTrade computes margin for a live trade's legs.
func (m *MarginAggregator) ForTrade(ctx context.Context, trade *models.Trade) MarginResult {
	legs := make([]broker.BasketLeg, 0, len(trade.Legs))
	for _, leg := range trade.Legs {
		legs = append(legs, broker.BasketLeg{
			Symbol:   leg.Symbol,
			Quantity: leg.Quantity,
			Side:     basketSide(leg.Side),
		})
	}
	return m.compute(ctx, legs)
}

func (m *MarginAggregator) compute(ctx context.Context, legs []broker.BasketLeg) MarginResult {
	if len(legs) == 0 {
		return MarginResult{Reason: "no legs to margin"}
	}
	breakdown, err := m.gateway.ComputeBasketMargin(ctx, legs)
	if err != nil {
		return MarginResult{
			Reason: fmt.Sprintf("margin unavailable: %v", err),
			Legs:   legs,
		}
	}
	return MarginResult{
		Available:      true,
		SpanMargin:     breakdown.SpanMargin,
		ExposureMargin: breakdown.ExposureMargin,
		TotalRequired:  breakdown.TotalRequired,
		HedgeBenefit:   breakdown.HedgeBenefit,
		Legs:           legs,
	}
}

func basketSide(side models.Side) broker.OrderSide {
	if side == models.SideSell {
		return broker.SideSell
	}
	return broker.SideBuy
}
