package reconcile

import (
	"context"
	"time"

	apperrors "github.com/voxjournal/purchases/internal/errors"
)

// RetryConfig holds bounded exponential backoff settings for transient
// ledger failures. Store calls are never retried here: listener-delivered
// events are the store's own retry mechanism.
type RetryConfig struct {
	MaxAttempts     int           // attempts before giving up (default: 5)
	InitialInterval time.Duration // first backoff interval (default: 1s)
	MaxInterval     time.Duration // backoff cap (default: 2m)
	Multiplier      float64       // backoff multiplier (default: 2.0)
}

// DefaultRetryConfig returns sensible defaults for ledger retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     2 * time.Minute,
		Multiplier:      2.0,
	}
}

// withRetry runs fn with exponential backoff, retrying only errors whose
// code is retryable. Non-retryable errors return immediately; exhausting the
// attempt budget returns the last error.
func (c *Coordinator) withRetry(ctx context.Context, operation string, attempts *int, fn func() error) error {
	interval := c.retry.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		*attempts = attempt

		err := fn()
		if err == nil {
			return nil
		}
		if !apperrors.IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == c.retry.MaxAttempts {
			break
		}

		c.metrics.ObserveRetry(operation)
		c.logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_attempts", c.retry.MaxAttempts).
			Dur("next_retry", interval).
			Msg("reconcile.transient_failure")

		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.CodeNetwork, "retry cancelled", ctx.Err())
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * c.retry.Multiplier)
		if interval > c.retry.MaxInterval {
			interval = c.retry.MaxInterval
		}
	}

	return apperrors.Wrap(apperrors.CodeNetwork, "retry budget exhausted", lastErr)
}
