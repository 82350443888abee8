package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Transient is implemented by errors that know whether a retry can help.
type Transient interface {
	Transient() bool
}

// ErrExhausted wraps the last error once every retry has been spent.
var ErrExhausted = errors.New("retries exhausted")

type Config struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	IsRetryable    func(error) bool
	OnRetry        func(attempt int, delay time.Duration, err error)
	Sleep          func(ctx context.Context, d time.Duration) error
	Logger         *zap.Logger
}

// DefaultConfig is the policy shared by agent invocations and judge calls:
// 1s initial delay doubling up to 60s, ±10% jitter, at most 5 retries.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialDelay:   time.Second,
		MaxDelay:       60 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		IsRetryable:    IsTransient,
		Logger:         zap.NewNop(),
	}
}

// IsTransient reports whether err (or anything it wraps) declares itself
// transient. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// Do runs operation, retrying it while it fails with a retryable error.
// It returns the number of attempts made alongside the final error.
func Do(ctx context.Context, cfg Config, operation func(ctx context.Context) error) (int, error) {
	cfg = withDefaults(cfg)

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				cfg.Logger.Info("Operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return attempt, nil
		}

		lastErr = err

		if !cfg.IsRetryable(err) {
			cfg.Logger.Debug("Error not retryable", zap.Error(err), zap.Int("attempt", attempt))
			return attempt, err
		}

		if attempt == cfg.MaxRetries+1 {
			return attempt, errors.Join(ErrExhausted, lastErr)
		}

		wait := addJitter(delay, cfg.JitterFraction)
		cfg.Logger.Warn("Operation failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("delay", wait),
		)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, err)
		}

		if err := cfg.Sleep(ctx, wait); err != nil {
			return attempt, err
		}

		delay = NextDelay(delay, cfg.Multiplier, cfg.MaxDelay)
	}

	return cfg.MaxRetries + 1, lastErr
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, operation func(ctx context.Context) (T, error)) (T, int, error) {
	var result T
	attempts, err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	return result, attempts, err
}

// NextDelay doubles (or multiplies) the delay, capped at max.
func NextDelay(delay time.Duration, multiplier float64, max time.Duration) time.Duration {
	return time.Duration(math.Min(float64(max), float64(delay)*multiplier))
}

func withDefaults(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsTransient
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}

	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	if rand.Intn(2) == 0 {
		return duration - jitter
	}
	return duration + jitter
}
