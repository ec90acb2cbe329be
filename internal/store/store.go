// Package store is the shared key-value and ordered-set backend used by the
// rate limiter and the response cache. RedisStore is shared across gateway
// instances; MemoryStore is the process-local twin used when Redis is not
// configured or cannot be reached.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable marks errors caused by the backend being unreachable, as
// opposed to errors returned by a reachable backend.
var ErrUnavailable = errors.New("store unavailable")

// WindowState is the outcome of one sliding-window round-trip.
type WindowState struct {
	// Count is the number of entries left in the window after pruning and
	// before any insert made by this call.
	Count int
	// Oldest is the timestamp of the oldest entry still in the window, zero
	// when the window is empty.
	Oldest time.Time
	// Admitted reports whether Count was below the limit. When the call was
	// made with insert set, an admitted call has also recorded now.
	Admitted bool
}

type Store interface {
	// Window prunes entries at or before now-window, counts what is left and,
	// if insert is set and the count is below limit, records now. The three
	// steps run as one atomic operation.
	Window(ctx context.Context, key string, now time.Time, window time.Duration, limit int, insert bool) (WindowState, error)
	Delete(ctx context.Context, key string) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

// Connect returns a RedisStore for redisURL, or fallback when redisURL is
// empty or the server does not answer a ping within ctx.
func Connect(ctx context.Context, redisURL string, fallback *MemoryStore, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if redisURL == "" {
		logger.Info("using in-memory store", "reason", "no redis url configured")
		return fallback, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(withOutageBudget(opts))
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-memory store", "addr", opts.Addr, "error", err)
		_ = client.Close()
		return fallback, nil
	}

	logger.Info("using redis store", "addr", opts.Addr)
	return NewRedisStore(client), nil
}

// Redis limits applied when the URL does not set its own, so an outage is
// reported as ErrUnavailable quickly instead of after the go-redis defaults
// (5s dial, 3 retries).
const (
	outageDialTimeout = 500 * time.Millisecond
	outageMaxRetries  = 1
)

func withOutageBudget(opts *redis.Options) *redis.Options {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = outageDialTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = outageMaxRetries
	}
	return opts
}
