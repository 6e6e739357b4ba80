package util

import (
	"context"
	"errors"
	"math"
	"time"
)

// Backoff describes an exponential backoff schedule.
// The delay before attempt n (n >= 2) is Initial * Multiplier^(n-2), capped at Max.
type Backoff struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=0"`
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
	Multiplier  float64       `mapstructure:"multiplier" validate:"gte=0"`
}

// DefaultBackoff returns the schedule used when none is configured:
// 3 attempts, 1s initial delay doubling up to 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 3,
		Initial:     time.Second,
		Max:         60 * time.Second,
		Multiplier:  2.0,
	}
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	return b
}

// Delay returns the wait before the given retry (1 = first retry).
func (b Backoff) Delay(retry int) time.Duration {
	b = b.normalized()
	if retry < 1 {
		return 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(retry-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryWithBackoff calls fn until it succeeds, returns an error that
// retryable rejects, the attempts are exhausted, or ctx is done.
// A nil retryable retries every error. The returned bool reports whether the
// attempts were exhausted on a retryable error.
func RetryWithBackoff[T any](
	ctx context.Context,
	b Backoff,
	retryable func(error) bool,
	fn func(context.Context) (T, error),
) (T, bool, error) {
	b = b.normalized()
	var zero T
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := Sleep(ctx, b.Delay(attempt-1)); err != nil {
				return zero, false, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, false, nil
		}
		if isContextErr(err) {
			return zero, false, err
		}
		if retryable != nil && !retryable(err) {
			return zero, false, err
		}
		lastErr = err
	}
	return zero, true, lastErr
}

// RetryErrWithContext calls fn up to maxTries times until it returns nil,
// or until ctx is done. If maxTries <= 0, it defaults to 1.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	if maxTries <= 0 {
		maxTries = 1
	}

	var lastErr error
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isContextErr(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
