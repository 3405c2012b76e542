package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls exponential backoff with jitter.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64

	// Retryable decides which errors are retried. Defaults to IsTransient.
	Retryable func(err error) bool

	// OnRetry runs before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig suits calls to a remote HTTP API.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// RetryFromMillis builds a config from the integer knobs carried in config
// files. Zero values keep the defaults.
func RetryFromMillis(attempts, initialMs, maxMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	if initialMs > 0 {
		cfg.InitialBackoff = time.Duration(initialMs) * time.Millisecond
	}
	if maxMs > 0 {
		cfg.MaxBackoff = time.Duration(maxMs) * time.Millisecond
	}
	return cfg
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx ends. The last error is returned.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.Retryable(err) {
			return zero, err
		}

		delay := cfg.delay(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Retryable == nil {
		c.Retryable = IsTransient
	}
	return c
}

// delay returns the sleep before attempt+1. A server-provided Retry-After
// wins when it is longer than the computed backoff, capped at MaxBackoff.
func (c RetryConfig) delay(attempt int, err error) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	d = math.Min(d, float64(c.MaxBackoff))

	if ra := RetryAfter(err); ra > time.Duration(d) {
		d = math.Min(float64(ra), float64(c.MaxBackoff))
	}
	return time.Duration(math.Max(d, 0))
}

// LogRetries returns an OnRetry hook that logs through the global zap logger.
func LogRetries(service, operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
