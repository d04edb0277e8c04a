// Package retry runs fallible operations with exponential backoff and
// jitter. The session uses it to schedule reconnects and the coordinator
// wraps each queued-mutation apply in it.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config tunes one executor: how many attempts, how the delay between
// them grows, and whether the delay is jittered.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// Network is tuned for transport-level operations: generous attempt
// budget and a high delay cap.
func Network() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Auth is tuned for credential exchanges: failing fast beats hammering
// an endpoint that will lock the account, so few attempts and no jitter.
func Auth() Config {
	return Config{
		MaxAttempts: 2,
		BaseDelay:   2 * time.Second,
		MaxDelay:    4 * time.Second,
		Multiplier:  2,
	}
}

// Quick is tuned for short operations on an already-healthy connection:
// one retry with a tight cap.
func Quick() Config {
	return Config{
		MaxAttempts: 2,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Option customizes a single Do call.
type Option func(*options)

type options struct {
	shouldRetry func(error) bool
	onRetry     func(attempt int, err error)
}

// WithShouldRetry overrides the default error classifier.
func WithShouldRetry(f func(error) bool) Option {
	return func(o *options) { o.shouldRetry = f }
}

// WithOnRetry registers a callback invoked before each delay, with the
// number of the attempt that just failed.
func WithOnRetry(f func(attempt int, err error)) Option {
	return func(o *options) { o.onRetry = f }
}

// ShouldRetry is the default classifier. Transient transport failures
// are retryable; credential and validation failures never resolve on
// their own, so retrying them only delays the caller's error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "auth") || strings.Contains(msg, "validation") {
		return false
	}

	return strings.Contains(msg, "network") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection")
}

// Do runs op up to cfg.MaxAttempts times. A failure that the classifier
// rejects, or a failure on the final attempt, is returned immediately
// without delay. Otherwise the onRetry hook fires, Do sleeps for the
// backoff delay (respecting ctx), and op runs again.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{shouldRetry: ShouldRetry}
	for _, apply := range opts {
		apply(&o)
	}

	var zero T

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		lastErr = err

		if attempt == cfg.MaxAttempts || !o.shouldRetry(err) {
			return zero, err
		}

		if o.onRetry != nil {
			o.onRetry(attempt, err)
		}

		if err := sleep(ctx, Delay(cfg, attempt)); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

// Run is Do for operations that produce no value.
func Run(ctx context.Context, cfg Config, op func(context.Context) error, opts ...Option) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)

	return err
}

// Delay returns the backoff delay after the given failed attempt
// (1-based): BaseDelay * Multiplier^(attempt-1), capped at MaxDelay,
// perturbed by ±25% when Jitter is set.
func Delay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1
	}

	d := time.Duration(float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}

	if cfg.Jitter && d > 0 {
		d = time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
	}

	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
