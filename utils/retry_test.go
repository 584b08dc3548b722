package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errFlaky = errors.New("flaky")

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxAttempts: max, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestWithBackoffSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastRetry(5), zap.NewNop(), "op", func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffExhausts(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastRetry(4), zap.NewNop(), "op", func(int) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
}

func TestWithBackoffStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := fastRetry(5)
	cfg.Retryable = func(err error) bool { return errors.Is(err, errFlaky) }

	calls := 0
	err := WithBackoff(context.Background(), cfg, zap.NewNop(), "op", func(int) error {
		calls++
		return permanent
	})
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestWithBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithBackoff(ctx, fastRetry(3), zap.NewNop(), "op", func(int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelayIsCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 3}
	assert.Equal(t, 10*time.Millisecond, backoffDelay(cfg, 1))
	assert.Equal(t, 30*time.Millisecond, backoffDelay(cfg, 2))
	assert.Equal(t, 50*time.Millisecond, backoffDelay(cfg, 3))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("MRE_TEST_INT", "7")
	t.Setenv("MRE_TEST_BAD_INT", "x")
	t.Setenv("MRE_TEST_DUR", "90s")
	t.Setenv("MRE_TEST_LIST", " a, ,b ,c")

	assert.Equal(t, 7, EnvInt("MRE_TEST_INT", 1))
	assert.Equal(t, 1, EnvInt("MRE_TEST_BAD_INT", 1))
	assert.Equal(t, 90*time.Second, EnvDuration("MRE_TEST_DUR", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, EnvList("MRE_TEST_LIST"))
	assert.Equal(t, "fallback", Env("MRE_TEST_UNSET", "fallback"))
}
