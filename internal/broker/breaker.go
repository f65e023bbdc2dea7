package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// flapping gateway stops being hammered by the monitor loop.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(b Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.New()
	}
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	}

	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetSpot wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerBroker) GetSpot(ctx context.Context) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) { return c.broker.GetSpot(ctx) })
}

// GetOptionChain wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context) ([]Option, error) {
	return execBreaker(c.breaker, func() ([]Option, error) { return c.broker.GetOptionChain(ctx) })
}

// PlaceOrder passes through without the breaker: paper fills are local and
// must not be blocked by market-data failures.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderFill, error) {
	return c.broker.PlaceOrder(ctx, req)
}

// ComputeBasketMargin wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerBroker) ComputeBasketMargin(ctx context.Context, legs []BasketLeg) (*MarginBreakdown, error) {
	return execBreaker(c.breaker, func() (*MarginBreakdown, error) { return c.broker.ComputeBasketMargin(ctx, legs) })
}

// ValidateToken wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerBroker) ValidateToken(ctx context.Context) (bool, error) {
	return execBreaker(c.breaker, func() (bool, error) { return c.broker.ValidateToken(ctx) })
}
