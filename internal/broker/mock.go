package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// MockBroker is a scriptable in-memory Broker for tests. Fields may be set
// directly between calls; access is serialized by an internal mutex.
type MockBroker struct {
	mu sync.Mutex

	Spot  float64
	Chain []Option

	SpotErr   error
	ChainErr  error
	MarginErr error
	OrderErr  error

	Margin     *MarginBreakdown
	TokenValid bool

	Fills     []OrderFill
	nextOrder int
}

// Ensure MockBroker implements Broker at compile time.
var _ Broker = (*MockBroker)(nil)

// NewMockBroker returns a mock with a deterministic synthetic chain around spot.
func NewMockBroker(spot float64) *MockBroker {
	return &MockBroker{
		Spot:       spot,
		Chain:      SyntheticChain(spot, 50, 20),
		TokenValid: true,
		Margin: &MarginBreakdown{
			SpanMargin:     95000,
			ExposureMargin: 30000,
			TotalRequired:  125000,
			HedgeBenefit:   45000,
		},
	}
}

// GetSpot returns the scripted spot price.
func (m *MockBroker) GetSpot(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SpotErr != nil {
		return 0, m.SpotErr
	}
	return m.Spot, nil
}

// GetOptionChain returns the scripted chain snapshot.
func (m *MockBroker) GetOptionChain(_ context.Context) ([]Option, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ChainErr != nil {
		return nil, m.ChainErr
	}
	chain := make([]Option, len(m.Chain))
	copy(chain, m.Chain)
	return chain, nil
}

// PlaceOrder records the fill and returns it at the request's last price.
func (m *MockBroker) PlaceOrder(_ context.Context, req OrderRequest) (*OrderFill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	m.nextOrder++
	fill := OrderFill{
		OrderID:   fmt.Sprintf("MOCK-%04d", m.nextOrder),
		Symbol:    req.Symbol,
		Quantity:  req.Quantity,
		Side:      req.Side,
		FillPrice: req.LastPrice,
	}
	m.Fills = append(m.Fills, fill)
	return &fill, nil
}

// ComputeBasketMargin returns the scripted breakdown.
func (m *MockBroker) ComputeBasketMargin(_ context.Context, legs []BasketLeg) (*MarginBreakdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarginErr != nil {
		return nil, m.MarginErr
	}
	if len(legs) == 0 {
		return nil, fmt.Errorf("margin basket is empty")
	}
	out := *m.Margin
	return &out, nil
}

// ValidateToken returns the scripted validity flag.
func (m *MockBroker) ValidateToken(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TokenValid, nil
}

// SetSpot moves the spot and reprices the synthetic chain around it.
func (m *MockBroker) SetSpot(spot float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Spot = spot
	m.Chain = SyntheticChain(spot, 50, 20)
}

// SyntheticChain builds a deterministic chain of count strikes on each side
// of spot. Deltas decay exponentially with distance from at-the-money, which
// is shaped closely enough to a real weekly chain for selector and defense
// tests to be meaningful.
func SyntheticChain(spot, interval float64, count int) []Option {
	atm := math.Round(spot/interval) * interval
	chain := make([]Option, 0, 4*count+2)
	for i := -count; i <= count; i++ {
		strike := atm + float64(i)*interval
		distance := math.Abs(strike - spot)
		decay := math.Exp(-distance / (spot * 0.012))

		callDelta := 0.5 * decay
		if strike < spot {
			callDelta = 1 - 0.5*decay
		}
		putDelta := callDelta - 1

		gamma := 0.0004 * decay
		callPrice := math.Max(spot-strike, 0) + spot*0.004*decay
		putPrice := math.Max(strike-spot, 0) + spot*0.004*decay

		chain = append(chain,
			Option{
				Symbol:    fmt.Sprintf("NSE:NIFTY%dCE", int(strike)),
				Strike:    strike,
				Type:      OptionTypeCall,
				Delta:     callDelta,
				Gamma:     gamma,
				LastPrice: round2(callPrice),
			},
			Option{
				Symbol:    fmt.Sprintf("NSE:NIFTY%dPE", int(strike)),
				Strike:    strike,
				Type:      OptionTypePut,
				Delta:     putDelta,
				Gamma:     gamma,
				LastPrice: round2(putPrice),
			},
		)
	}
	return chain
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
