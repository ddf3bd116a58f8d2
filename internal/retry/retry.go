// Package retry wraps fallible operations with a bounded number of attempts.
package retry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config ...
type Config struct {
	// Retryable, when set, stops retrying as soon as it returns false.
	Retryable func(error) bool
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int
	// Delay is the wait before the first retry.
	Delay time.Duration
	// Multiplier > 1 grows the delay after every retry, capped by MaxDelay.
	Multiplier float64
	MaxDelay   time.Duration
	// ThrowLastError returns the last error when every attempt failed.
	// Otherwise the failure is swallowed and the zero value is returned.
	ThrowLastError bool
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		Delay:          300 * time.Millisecond,
		ThrowLastError: true,
	}
}

// NextDelay returns the wait before retry number attempt (0-based).
func (c Config) NextDelay(attempt int) time.Duration {
	d := c.Delay
	if c.Multiplier <= 1 {
		return d
	}
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return d
}

// Do runs op until it succeeds or MaxRetries additional attempts failed.
// Earlier failed attempts may have had partial effects; op must be idempotent
// or compensating. Context cancellation while waiting returns ctx.Err().
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), cfg Config) (T, error) {
	var zero T
	var lastErr error
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			break
		}
		if attempt == maxRetries {
			break
		}

		delay := cfg.NextDelay(attempt)
		log.WithFields(log.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
			"error":   err,
		}).Debug("operation failed, retrying")

		if delay <= 0 {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if cfg.ThrowLastError {
		return zero, lastErr
	}
	log.WithError(lastErr).Warn("operation failed after retries, error swallowed")
	return zero, nil
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, op func(ctx context.Context) error, cfg Config) error {
	_, err := Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, cfg)
	return err
}
