package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls how many times an operation is attempted and how long
// to wait between attempts.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// Delay is the wait before the first retry. Default: 2s.
	Delay time.Duration

	// MaxDelay caps the wait. Default: 30s.
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry. 1 keeps it fixed. Default: 1.
	Multiplier float64

	// JitterFraction adds ±fraction of random jitter to each delay. Default: 0.
	JitterFraction float64

	// ShouldRetry overrides the default IsRetryable check.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt that just failed.
	OnRetry func(attempt int, err error)

	// WaitAfterLast also waits the delay after the final failed attempt
	// before the error is returned.
	WaitAfterLast bool
}

// FixedRetry returns a config that makes attempts tries spaced delay apart.
func FixedRetry(attempts int, delay time.Duration) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, Delay: delay, Multiplier: 1}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. fn receives the 1-based attempt number.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	_, _, err := DoVal(ctx, cfg, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoVal is Do for operations that return a value. It also reports how many
// attempts were made.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var zero T
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return zero, attempts, lastErr
		}

		attempts++
		val, err := fn(ctx, attempts)
		if err == nil {
			return val, attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(err) {
			return zero, attempts, lastErr
		}

		last := attempt >= cfg.MaxAttempts-1
		if last && !cfg.WaitAfterLast {
			break
		}

		if !last && cfg.OnRetry != nil {
			cfg.OnRetry(attempts, err)
		}

		timer := time.NewTimer(computeDelay(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempts, lastErr
		case <-timer.C:
		}
	}

	return zero, attempts, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.Delay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(store, bundleID string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Debug("retrying storefront request",
			zap.String("store", store),
			zap.String("bundle_id", bundleID),
			zap.Int("attempt", attempt),
			zap.String("class", string(Classify(err))),
			zap.Error(err),
		)
	}
}
