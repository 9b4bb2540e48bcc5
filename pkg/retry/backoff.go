// Package retry runs an operation again after transient failures, waiting an
// exponentially growing, jittered delay between attempts.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// jitterSpread is the width of the jitter window as a fraction of the delay,
// centred on the nominal value.
const jitterSpread = 0.3

// Config defines retry behavior
type Config struct {
	// MaxRetries is the total number of attempts, at least one.
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
	// Retryable decides whether an error deserves another attempt. Nil retries everything.
	Retryable func(error) bool
}

// StartupConfig is used while a service connects to its dependencies: it
// keeps trying for several minutes before giving up.
func StartupConfig() Config {
	return Config{
		MaxRetries:    10,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// CallConfig is used around single ledger/node calls made while a per-address
// lock is held: few attempts, short delays, and only for transient errors.
func CallConfig(retryable func(error) bool) Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
		Retryable:     retryable,
	}
}

// Delay is the wait after the given failed attempt, before jitter.
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	return time.Duration(math.Min(d, float64(c.MaxDelay)))
}

func (c Config) wait(attempt int) time.Duration {
	d := c.Delay(attempt)
	if !c.JitterEnabled || d <= 0 {
		return d
	}
	offset := (rand.Float64() - 0.5) * jitterSpread * float64(d)
	return d + time.Duration(offset)
}

func (c Config) retryable(err error) bool {
	return c.Retryable == nil || c.Retryable(err)
}

// WithBackoff runs fn until it succeeds, fails permanently, runs out of
// attempts or ctx is done. A permanent error is returned unwrapped.
func WithBackoff(ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() error) error {
	_, err := Value(ctx, cfg, logger, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is WithBackoff for operations that produce a result.
func Value[T any](ctx context.Context, cfg Config, logger *zap.Logger, operation string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxRetries, 1)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s cancelled: %w", operation, err)
		}

		out, err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return out, nil
		}
		if !cfg.retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			return zero, fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
		}

		delay := cfg.wait(attempt)
		logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}
}
