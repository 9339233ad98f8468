package errorx

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"okami/internal/logging"
)

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxAttempts  int           // total attempts, including the first
	BaseDelay    time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	JitterFactor float64 // e.g. 0.2 = ±20%
}

// CompleterRetryConfig is the default policy for completer transport errors:
// base 200ms, factor 2, up to 5 tries, ±20% jitter.
func CompleterRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// DefaultRetryConfig returns sensible defaults for tool transports.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry executes fn with exponential backoff, stopping on permanent errors
// and context cancellation.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes a result-returning fn with the same policy.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog allows the caller to supply its component logger.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger *logging.Logger) (T, error) {
	if logger == nil {
		logger = logging.NewComponentLogger("retry")
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	var zero T

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Retry succeeded on attempt %d", attempt)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("Attempt %d/%d failed: %v", attempt, config.MaxAttempts, err)

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt, config)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoffDelay computes the delay before attempt+1 with jitter applied.
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt-1))
	if config.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * config.JitterFactor
		delay *= 1 + jitter
	}
	if max := float64(config.MaxDelay); config.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}
