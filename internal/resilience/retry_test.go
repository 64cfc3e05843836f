package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFraction: 0.2,
	}
}

func TestDoValFirstAttemptSucceeds(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastRetry(3), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDoValRetriesTransient(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastRetry(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", MarkTransient(eris.New("temporarily overloaded"), 503)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoValExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, MarkTransient(eris.New("still down"), 502)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	status, ok := TransientStatus(err)
	assert.True(t, ok)
	assert.Equal(t, 502, status)
}

func TestDoValFailsFastOnNonTransient(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, eris.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoValContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := DoVal(ctx, fastRetry(10), func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, MarkTransient(eris.New("flaky"), 429)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoValCustomShouldRetry(t *testing.T) {
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return true }

	calls := 0
	_, err := DoVal(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, eris.New("not normally retryable")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoValOnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, err error) { attempts = append(attempts, attempt) }

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		return MarkTransient(eris.New("flaky"), 429)
	})
	require.Error(t, err)
	// Called before each sleep, never after the final attempt.
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBackoffDelayBounds(t *testing.T) {
	cfg := RetryConfig{
		BaseBackoff:    100 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFraction: 0.2,
	}

	for attempt := 1; attempt <= 3; attempt++ {
		base := cfg.BaseBackoff * time.Duration(1<<(attempt-1))
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt, cfg)
			assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
			assert.Less(t, d, base+time.Duration(float64(base)*cfg.JitterFraction), "attempt %d", attempt)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := RetryConfig{
		BaseBackoff:    time.Second,
		MaxBackoff:     2 * time.Second,
		JitterFraction: 0,
	}
	assert.Equal(t, 2*time.Second, backoffDelay(5, cfg))
}
