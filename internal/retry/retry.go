// Package retry provides bounded retry with backoff for gateway calls.
// Exhausting retries is a soft failure: callers log, skip the tick, and the
// scheduler loop keeps running.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds one retried operation.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig keeps gateway calls short: two attempts inside a 25s budget.
var DefaultConfig = Config{
	MaxAttempts:    2,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     10 * time.Second,
	Timeout:        25 * time.Second,
}

// Do runs fn up to cfg.MaxAttempts times, backing off between transient
// failures. The whole operation shares one deadline derived from ctx.
func Do[T any](ctx context.Context, logger *logrus.Logger, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg = DefaultConfig
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		result, err := fn(opCtx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"max":     cfg.MaxAttempts,
		}).Warn("gateway call failed")

		if attempt == cfg.MaxAttempts || !IsTransient(err) {
			break
		}

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempt(s): %w", op, cfg.MaxAttempts, lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// IsTransient reports whether an error looks like a temporary network or
// rate-limit condition worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
