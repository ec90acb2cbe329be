package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowScript prunes, counts and conditionally inserts in one round-trip so
// concurrent callers cannot both observe room for one more entry. Scores stay
// strings on the way in and out; Lua number formatting would round them.
// Keys: [window_key]
// Args: [now_us, cutoff_us, limit, insert, member, ttl_ms]
// Returns: [count_before_insert, admitted, oldest_us or ""]
var windowScript = redis.NewScript(`
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])

local admitted = 0
if count < limit then
    admitted = 1
    if ARGV[4] == '1' then
        redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
        redis.call('PEXPIRE', KEYS[1], ARGV[6])
    end
end

local oldest = ''
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #first > 0 then
    oldest = first[2]
end

return {count, admitted, oldest}
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Window(ctx context.Context, key string, now time.Time, window time.Duration, limit int, insert bool) (WindowState, error) {
	ttl := window.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	flag := "0"
	if insert {
		flag = "1"
	}

	nowUs := now.UnixMicro()
	res, err := windowScript.Run(ctx, s.client, []string{key},
		strconv.FormatInt(nowUs, 10),
		strconv.FormatInt(nowUs-window.Microseconds(), 10),
		limit,
		flag,
		uuid.NewString(),
		ttl,
	).Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("sliding window %s: %w", key, classify(err))
	}
	if len(res) != 3 {
		return WindowState{}, fmt.Errorf("sliding window %s: unexpected reply length %d", key, len(res))
	}

	count, _ := res[0].(int64)
	admitted, _ := res[1].(int64)
	state := WindowState{
		Count:    int(count),
		Admitted: admitted == 1,
	}
	if raw, _ := res[2].(string); raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return WindowState{}, fmt.Errorf("sliding window %s: parse oldest score %q: %w", key, raw, err)
		}
		state.Oldest = time.UnixMicro(int64(score))
	}
	return state, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, classify(err))
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, classify(err))
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, classify(err))
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// classify tags connection-level failures with ErrUnavailable. Context
// errors are left alone since they describe the caller, not the server.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
