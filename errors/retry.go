package errors

import (
	"context"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// RetryWithConfig retries fn while it fails with a retryable error.
// Only operations that are safe to repeat may be retried.
func RetryWithConfig(ctx context.Context, fn RetryFunc, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay
	attempts := 0

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		attempts = attempt
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	var tssErr *Error
	if As(lastErr, &tssErr) {
		tssErr.WithContext("attempts", attempts)
	}
	return lastErr
}

// Retry retries a function with default configuration
func Retry(ctx context.Context, fn RetryFunc) error {
	return RetryWithConfig(ctx, fn, DefaultRetryConfig())
}
