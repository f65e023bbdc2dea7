// Package broker provides the market gateway used by the strategy engine.
// It includes a Fyers-style paper client: live market data in, simulated
// fills out. No order ever reaches a live endpoint.
package broker

import (
	"context"
	"fmt"
	"math"
)

// OptionType represents the option class of a chain entry.
type OptionType string

const (
	// OptionTypeCall represents a call (CE) contract.
	OptionTypeCall OptionType = "CE"
	// OptionTypePut represents a put (PE) contract.
	OptionTypePut OptionType = "PE"
)

// Option is one strike row of the option chain snapshot.
type Option struct {
	Symbol    string
	Strike    float64
	Type      OptionType
	Delta     float64
	Gamma     float64
	LastPrice float64
}

// OrderSide is the signed side convention used by the margin API: -1 sell, +1 buy.
type OrderSide int

const (
	// SideSell is a short (sell-to-open) order.
	SideSell OrderSide = -1
	// SideBuy is a long (buy-to-open or buy-to-close) order.
	SideBuy OrderSide = 1
)

// OrderRequest describes one leg to fill. Paper mode fills it synthetically
// at LastPrice.
type OrderRequest struct {
	Symbol    string
	Quantity  int
	Side      OrderSide
	LastPrice float64
}

// OrderFill is the synthetic execution report for a paper order.
type OrderFill struct {
	OrderID   string
	Symbol    string
	Quantity  int
	Side      OrderSide
	FillPrice float64
}

// BasketLeg is one leg of a combined margin request.
type BasketLeg struct {
	Symbol   string
	Quantity int
	Side     OrderSide
}

// MarginBreakdown is the gateway's combined margin computation for a basket.
type MarginBreakdown struct {
	SpanMargin     float64
	ExposureMargin float64
	TotalRequired  float64
	HedgeBenefit   float64
}

// Broker defines the gateway consumed by the engine. Every method takes a
// context; implementations must honor its deadline.
type Broker interface {
	// GetSpot returns the current index spot price.
	GetSpot(ctx context.Context) (float64, error)

	// GetOptionChain returns a snapshot of the weekly chain with greeks.
	GetOptionChain(ctx context.Context) ([]Option, error)

	// PlaceOrder fills a leg synthetically at its last traded price.
	// Paper mode is a construction-time invariant, not a runtime branch.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderFill, error)

	// ComputeBasketMargin asks the gateway for SPAN+exposure margin on a
	// multi-leg basket, with hedge netting applied by the exchange.
	ComputeBasketMargin(ctx context.Context, legs []BasketLeg) (*MarginBreakdown, error)

	// ValidateToken reports whether the session token is still accepted.
	ValidateToken(ctx context.Context) (bool, error)
}

// APIError represents a gateway error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Body)
}

// StrikeMatchEpsilon defines the precision tolerance for matching strikes.
const StrikeMatchEpsilon = 1e-3

// FindOption returns the chain entry at the given strike and type, or nil.
func FindOption(chain []Option, strike float64, optType OptionType) *Option {
	for i := range chain {
		if math.Abs(chain[i].Strike-strike) <= StrikeMatchEpsilon && chain[i].Type == optType {
			return &chain[i]
		}
	}
	return nil
}
