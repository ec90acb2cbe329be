// Package retry runs an operation with exponential backoff and jitter,
// honoring server-supplied Retry-After hints.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Policy configures Do. Zero-valued function fields use the defaults.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Jitter returns a uniform random duration in [0, max).
	Jitter func(max time.Duration) time.Duration
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Classify decides whether err is retryable and extracts a Retry-After hint.
	Classify func(err error) (retryable bool, hint time.Duration)
	// OnRetry is called before each backoff delay.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Backoff returns the delay after the given zero-based attempt:
// min(base*2^attempt + jitter(base), maxDelay), raised to at least hint.
func (p Policy) Backoff(attempt int, hint time.Duration) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	exp := p.BaseDelay
	for i := 0; i < attempt && exp < maxDelay; i++ {
		exp *= 2
	}

	delay := exp
	if p.BaseDelay > 0 {
		delay += p.jitter(p.BaseDelay)
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if hint > delay {
		delay = hint
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-retryable error, or
// MaxRetries retries have been spent. The last attempt's error is returned
// as is. If ctx ends during a backoff delay, Do stops and returns the
// context error wrapped together with the last attempt's error.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}

		retryable, hint := p.classify(err)
		if !retryable || attempt >= p.MaxRetries {
			return zero, err
		}

		delay := p.Backoff(attempt, hint)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		if serr := p.sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("retry aborted after attempt %d: %w: %w", attempt+1, serr, err)
		}
	}
}

func (p Policy) classify(err error) (bool, time.Duration) {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return Classify(err)
}

func (p Policy) jitter(limit time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(limit)
	}
	return UniformJitter(limit)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

func UniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
