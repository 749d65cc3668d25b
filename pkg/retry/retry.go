// Package retry provides retry mechanisms with exponential backoff for cnpool services.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dvandal/cnpool/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// DaemonConfig returns retry configuration for coin daemon RPC calls.
// The pool keeps serving the last known-good template while these run,
// so the backoff stays short.
func DaemonConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// RedisConfig returns retry configuration for Redis operations that are
// safe to repeat (reads, idempotent writes). The round-accounting
// transaction must NOT go through retry; see ledger.RecordShare.
func RedisConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	if config == nil {
		config = DefaultConfig()
	}

	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := config.calculateDelay(attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// DoWithResult executes a function with retry logic and returns a result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := config.calculateDelay(attempt)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	wrappedErr := errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)

	return zero, wrappedErr
}

// calculateDelay calculates the delay for the given attempt using exponential backoff
func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))

	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		// Up to 10% random jitter
		jitter := delay * 0.1 * rand.Float64()
		delay += jitter
	}

	return time.Duration(delay)
}
