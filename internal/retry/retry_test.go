package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	result, err := Do(context.Background(), quietLogger(), fastConfig(), "fetch", func(context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("connection reset by peer")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), quietLogger(), fastConfig(), "fetch", func(context.Context) (string, error) {
		attempts++
		return "", errors.New("invalid symbol")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "permanent errors are not retried")
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), quietLogger(), fastConfig(), "fetch", func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("gateway timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
}

func TestDoHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, quietLogger(), fastConfig(), "fetch", func(context.Context) (int, error) {
		t.Fatal("fn must not run on a dead context")
		return 0, nil
	})
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("gateway error 503: unavailable")))
	assert.True(t, IsTransient(errors.New("rate limit exceeded")))
	assert.False(t, IsTransient(errors.New("invalid credentials")))
	assert.False(t, IsTransient(nil))
}
