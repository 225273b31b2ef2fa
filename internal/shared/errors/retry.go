package errors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"taskpilot/internal/shared/logging"
)

// RetryConfig bounds how often and how slowly a transient failure is retried.
// MaxAttempts counts retries after the first call, so zero disables retrying.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of the delay, applied in both directions
}

// DefaultRetryConfig is used for task API requests and stream opens.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a call that may be repeated.
type RetryableFunc func(ctx context.Context) error

// Retry runs fn until it succeeds, fails permanently or the budget runs out.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc, logger logging.Logger) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}

// RetryWithResult is Retry for calls that produce a value. Errors that are
// not transient are returned as-is on first sight.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	var zero T
	total := config.MaxAttempts + 1

	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded on attempt %d/%d", attempt+1, total)
			}
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
		if attempt == total-1 {
			break
		}

		delay := config.backoff(attempt)
		logger.Debug("attempt %d/%d failed: %v; next in %v", attempt+1, total, err, delay)
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}

	logger.Warn("giving up after %d attempts: %v", total, lastErr)
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoff doubles BaseDelay per attempt, caps it at MaxDelay and spreads it
// by JitterFactor.
func (c RetryConfig) backoff(attempt int) time.Duration {
	delay := c.BaseDelay << uint(attempt)
	if delay <= 0 || (c.MaxDelay > 0 && delay > c.MaxDelay) {
		delay = c.MaxDelay
	}
	if c.JitterFactor > 0 && delay > 0 {
		spread := float64(delay) * c.JitterFactor
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = c.BaseDelay
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
