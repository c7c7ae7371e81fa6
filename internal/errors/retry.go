package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"maestro/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of retry attempts (default: 3)
	BaseDelay    time.Duration // Base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // Maximum delay between retries (default: 30s)
	JitterFactor float64       // Jitter factor for randomization (default: 0.25)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes a function with exponential backoff. Non-transient errors
// stop the loop immediately.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	return RetryWithLog(ctx, config, fn, nil)
}

// RetryWithLog executes a function with retry logic and a custom logger.
func RetryWithLog(ctx context.Context, config RetryConfig, fn RetryableFunc, logger *logging.Logger) error {
	logger = logging.OrNop(logger)

	var lastErr error
	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded", "attempts", attempt+1)
			}
			return nil
		}

		lastErr = err
		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("retries exhausted", "attempts", config.MaxAttempts+1, "err", err)
			break
		}

		delay := calculateBackoff(attempt, config)
		logger.Debug("retrying after backoff", "attempt", attempt+1, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return lastErr
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	base := config.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
	}
	maxDelay := config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
