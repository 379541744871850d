package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/poolscope/poolscope/pkg/clients/ethereum"
	"go.uber.org/zap"
)

// RetryConfig contains configuration for transient-error retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       4,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// WithBackoff executes fn, retrying transient failures with exponential
// backoff. Any error that does not classify as transient propagates
// immediately; the classification is the caller's signal to handle range
// limits or give up.
func WithBackoff(ctx context.Context, cfg *RetryConfig, logger *zap.Logger, operation string, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Sugar().Infow("Operation succeeded after retries",
					"operation", operation,
					"attempts", attempt,
				)
			}
			return nil
		}

		if !ethereum.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Sugar().Warnw("Transient error, retrying",
			"operation", operation,
			"attempt", attempt,
			"maxAttempts", cfg.MaxAttempts,
			"retryIn", delay,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during retry: %w", operation, ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}
