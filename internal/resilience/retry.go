package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls the retry loop around one logical upstream request.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first try.
	// A value of 1 means no retries. Default: 3 (one call plus two retries).
	MaxAttempts int

	// BaseBackoff is the delay before the first retry; attempt k sleeps
	// BaseBackoff * 2^(k-1). Default: 150ms.
	BaseBackoff time.Duration

	// MaxBackoff caps a single backoff sleep. Default: 30s.
	MaxBackoff time.Duration

	// JitterFraction adds uniform jitter in [0, JitterFraction*delay) on top
	// of each computed delay. Default: 0.2.
	JitterFraction float64

	// ShouldRetry overrides the default IsTransient classification when set.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt number that
	// just failed and its error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry policy used for upstream calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseBackoff:    150 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.2,
	}
}

// DoVal executes fn up to cfg.MaxAttempts times, sleeping an exponentially
// growing, jittered backoff between attempts. Only errors classified as
// transient are retried; everything else fails fast. Backoff is applied only
// between attempts, never after the last one. Context cancellation stops the
// loop immediately.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(backoffDelay(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Do is DoVal for operations without a return value.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 150 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

// backoffDelay computes the sleep after the given 1-based failed attempt:
// base * 2^(attempt-1), capped, plus uniform jitter in [0, fraction*delay).
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if cfg.JitterFraction > 0 {
		delay += rand.Float64() * delay * cfg.JitterFraction
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback emitting a structured log line per
// retry, tagged with the upstream service and operation.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying upstream call",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
