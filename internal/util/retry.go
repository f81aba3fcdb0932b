// Package util provides shared utility functions for fsshell.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// BackoffConfig bounds an exponential back-off retry loop.
type BackoffConfig struct {
	Attempts uint          // Total attempts including the first (default: 1000)
	Delay    time.Duration // Initial delay (default: 100µs)
	MaxDelay time.Duration // Delay cap (default: 10ms)
}

// DefaultBusyBackoff returns the back-off used while waiting for a busy vnode.
// The worst case wait is a few seconds, far longer than any single driver call.
func DefaultBusyBackoff() BackoffConfig {
	return BackoffConfig{
		Attempts: 1000,
		Delay:    100 * time.Microsecond,
		MaxDelay: 10 * time.Millisecond,
	}
}

// BusyRetryOptions returns retry options that repeat while retryIf matches,
// with capped exponential back-off. The last error is returned unwrapped.
func BusyRetryOptions(ctx context.Context, cfg BackoffConfig, retryIf retry.RetryIfFunc) []retry.Option {
	def := DefaultBusyBackoff()
	if cfg.Attempts == 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Delay == 0 {
		cfg.Delay = def.Delay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return []retry.Option{
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DatabaseRetryOptions returns retry options optimized for database operations.
// Uses linear backoff (100ms, 200ms, 300ms) suitable for transient lock errors.
func DatabaseRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}
