// Package ratelimit provides sliding-window admission control keyed by
// caller-chosen identifiers. Windows live on the shared store so every
// gateway instance sees the same counts; a process-local store takes over
// when the shared one is unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/store"
)

const keyPrefix = "ratelimit:"

var ErrInvalidConfig = errors.New("invalid rate limit config")

// Config is supplied per check so different buckets can use different limits.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	return nil
}

// Result describes one admission decision. RetryAfter is only set when
// Allowed is false.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter is the contract the gateway depends on.
type RateLimiter interface {
	CheckLimit(ctx context.Context, id string, cfg Config) (Result, error)
	GetStatus(ctx context.Context, id string, cfg Config) (Result, error)
	Reset(ctx context.Context, id string) error
}

type Option func(*SlidingWindowLimiter)

// WithFallback sets the store used when the shared store reports
// store.ErrUnavailable.
func WithFallback(s store.Store) Option {
	return func(l *SlidingWindowLimiter) { l.fallback = s }
}

func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindowLimiter) { l.now = now }
}

// WithOutageCooldown sets how long checks skip the shared store and go
// straight to the fallback after it reported store.ErrUnavailable.
func WithOutageCooldown(d time.Duration) Option {
	return func(l *SlidingWindowLimiter) { l.cooldown = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *SlidingWindowLimiter) { l.logger = logger }
}

type SlidingWindowLimiter struct {
	store    store.Store
	fallback store.Store
	now      func() time.Time
	logger   *slog.Logger
	cooldown time.Duration

	// downUntil is the unix-nano time until which the shared store is
	// treated as unreachable.
	downUntil atomic.Int64
}

const DefaultOutageCooldown = 5 * time.Second

func NewSlidingWindowLimiter(s store.Store, opts ...Option) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		store:    s,
		now:      time.Now,
		logger:   slog.Default(),
		cooldown: DefaultOutageCooldown,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fallback == l.store {
		l.fallback = nil
	}
	return l
}

// Backend names the store admissions currently go to first.
func (l *SlidingWindowLimiter) Backend() string {
	return l.store.Name()
}

// CheckLimit records an event for id when there is room in the window.
// Store failures fail open: the event is reported as admitted.
func (l *SlidingWindowLimiter) CheckLimit(ctx context.Context, id string, cfg Config) (Result, error) {
	return l.check(ctx, id, cfg, true)
}

// GetStatus reports the state CheckLimit would see without recording anything.
func (l *SlidingWindowLimiter) GetStatus(ctx context.Context, id string, cfg Config) (Result, error) {
	return l.check(ctx, id, cfg, false)
}

// Reset clears every recorded event for id on the shared and fallback stores.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, id string) error {
	key := keyPrefix + id

	var errs []error
	if err := l.store.Delete(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if l.fallback != nil {
		if err := l.fallback.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reset rate limit %q: %w", id, err)
	}

	l.logger.Info("rate limit reset", "key", id)
	return nil
}

func (l *SlidingWindowLimiter) check(ctx context.Context, id string, cfg Config, insert bool) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	now := l.now()
	key := keyPrefix + id

	var state store.WindowState
	var err error
	if l.fallback != nil && now.UnixNano() < l.downUntil.Load() {
		metrics.RecordRateLimitDecision(id, "fallback")
		state, err = l.fallback.Window(ctx, key, now, cfg.Window, cfg.MaxRequests, insert)
	} else {
		state, err = l.store.Window(ctx, key, now, cfg.Window, cfg.MaxRequests, insert)
		if err != nil && errors.Is(err, store.ErrUnavailable) && l.fallback != nil {
			l.logger.Warn("shared store unavailable, using fallback store", "key", id, "cooldown", l.cooldown, "error", err)
			l.downUntil.Store(now.Add(l.cooldown).UnixNano())
			metrics.RecordRateLimitDecision(id, "fallback")
			state, err = l.fallback.Window(ctx, key, now, cfg.Window, cfg.MaxRequests, insert)
		}
	}
	if err != nil {
		l.logger.Warn("rate limit check failed, failing open", "key", id, "error", err)
		metrics.RecordStoreError("window")
		remaining := cfg.MaxRequests
		if insert {
			metrics.RecordRateLimitDecision(id, "fail_open")
			remaining--
		}
		return Result{
			Allowed:   true,
			Remaining: remaining,
			ResetAt:   now.Add(cfg.Window),
		}, nil
	}

	res := toResult(state, cfg, now, insert)
	if insert {
		if res.Allowed {
			metrics.RecordRateLimitDecision(id, "admitted")
		} else {
			metrics.RecordRateLimitDecision(id, "rejected")
			l.logger.Debug("rate limit exceeded", "key", id, "retry_after", res.RetryAfter)
		}
	}
	return res, nil
}

func toResult(state store.WindowState, cfg Config, now time.Time, inserted bool) Result {
	resetAt := now.Add(cfg.Window)
	if !state.Oldest.IsZero() {
		resetAt = state.Oldest.Add(cfg.Window)
	}

	if state.Admitted {
		remaining := cfg.MaxRequests - state.Count
		if inserted {
			remaining--
		}
		return Result{
			Allowed:   true,
			Remaining: max(remaining, 0),
			ResetAt:   resetAt,
		}
	}

	retryAfter := cfg.Window
	if !state.Oldest.IsZero() {
		retryAfter = max(state.Oldest.Add(cfg.Window).Sub(now), 0)
	}

	return Result{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
}
