package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/felipepmaragno/llm-gateway/internal/store"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type mockStore struct {
	store.Store
	WindowFunc func(ctx context.Context, key string, now time.Time, window time.Duration, limit int, insert bool) (store.WindowState, error)
	DeleteFunc func(ctx context.Context, key string) error
	calls      int
}

func (m *mockStore) Window(ctx context.Context, key string, now time.Time, window time.Duration, limit int, insert bool) (store.WindowState, error) {
	m.calls++
	return m.WindowFunc(ctx, key, now, window, limit, insert)
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return nil
}

func (m *mockStore) Name() string { return "mock" }

func newMemoryLimiter(t *testing.T) (*SlidingWindowLimiter, *fakeClock) {
	t.Helper()
	mem := store.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	clock := newFakeClock()
	return NewSlidingWindowLimiter(mem, WithClock(clock.Now)), clock
}

func TestCheckLimit_RemainingCountsDown(t *testing.T) {
	rl, clock := newMemoryLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 3, Window: time.Second}

	for i, want := range []int{2, 1, 0} {
		res, err := rl.CheckLimit(ctx, "x", cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if res.Remaining != want {
			t.Errorf("call %d: remaining = %d, want %d", i, res.Remaining, want)
		}
		if res.RetryAfter != 0 {
			t.Errorf("call %d: retry after should be unset on admission, got %v", i, res.RetryAfter)
		}
		clock.Advance(10 * time.Millisecond)
	}

	res, err := rl.CheckLimit(ctx, "x", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth call inside the window should be rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Second {
		t.Errorf("retry after = %v, want in (0, 1s]", res.RetryAfter)
	}
	if res.RetryAfter != 970*time.Millisecond {
		t.Errorf("retry after = %v, want 970ms", res.RetryAfter)
	}
}

func TestCheckLimit_AdmitsAgainAfterWindow(t *testing.T) {
	windows := []time.Duration{50 * time.Millisecond, time.Second, time.Minute}
	limits := []int{1, 2, 5}

	for _, w := range windows {
		for _, n := range limits {
			rl, clock := newMemoryLimiter(t)
			ctx := context.Background()
			cfg := Config{MaxRequests: n, Window: w}

			for i := 0; i < n; i++ {
				res, _ := rl.CheckLimit(ctx, "k", cfg)
				if !res.Allowed {
					t.Fatalf("w=%v n=%d: call %d should be allowed", w, n, i)
				}
			}

			clock.Advance(w - time.Millisecond)
			if res, _ := rl.CheckLimit(ctx, "k", cfg); res.Allowed {
				t.Fatalf("w=%v n=%d: call %d inside the window should be rejected", w, n, n+1)
			}

			clock.Advance(time.Millisecond)
			if res, _ := rl.CheckLimit(ctx, "k", cfg); !res.Allowed {
				t.Fatalf("w=%v n=%d: call after the window should be allowed", w, n)
			}
		}
	}
}

func TestCheckLimit_SlidesRatherThanResets(t *testing.T) {
	rl, clock := newMemoryLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 2, Window: time.Second}

	rl.CheckLimit(ctx, "k", cfg)
	clock.Advance(600 * time.Millisecond)
	rl.CheckLimit(ctx, "k", cfg)
	clock.Advance(500 * time.Millisecond)

	// the first event has left the window, the second has not
	res, _ := rl.CheckLimit(ctx, "k", cfg)
	if !res.Allowed {
		t.Fatal("expected one slot freed by the sliding window")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}

	res, _ = rl.CheckLimit(ctx, "k", cfg)
	if res.Allowed {
		t.Fatal("expected rejection")
	}
	if res.RetryAfter != 500*time.Millisecond {
		t.Errorf("retry after = %v, want 500ms", res.RetryAfter)
	}
}

func TestCheckLimit_DifferentKeys(t *testing.T) {
	rl, _ := newMemoryLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Minute}

	rl.CheckLimit(ctx, "tenant1", cfg)

	if res, _ := rl.CheckLimit(ctx, "tenant1", cfg); res.Allowed {
		t.Error("tenant1 should be rate limited")
	}
	if res, _ := rl.CheckLimit(ctx, "tenant2", cfg); !res.Allowed {
		t.Error("tenant2 should not be rate limited")
	}
}

func TestGetStatus_HasNoSideEffects(t *testing.T) {
	rl, _ := newMemoryLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 3, Window: time.Minute}

	rl.CheckLimit(ctx, "k", cfg)

	for i := 0; i < 10; i++ {
		res, err := rl.GetStatus(ctx, "k", cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Remaining != 2 {
			t.Fatalf("status call %d: remaining = %d, want 2", i, res.Remaining)
		}
		if !res.Allowed {
			t.Fatalf("status call %d should report room", i)
		}
	}

	res, _ := rl.CheckLimit(ctx, "k", cfg)
	if res.Remaining != 1 {
		t.Errorf("remaining after status calls = %d, want 1", res.Remaining)
	}
}

func TestGetStatus_Exhausted(t *testing.T) {
	rl, clock := newMemoryLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Second}

	rl.CheckLimit(ctx, "k", cfg)
	clock.Advance(250 * time.Millisecond)

	res, _ := rl.GetStatus(ctx, "k", cfg)
	if res.Allowed {
		t.Error("status should report no room")
	}
	if res.RetryAfter != 750*time.Millisecond {
		t.Errorf("retry after = %v, want 750ms", res.RetryAfter)
	}
	if want := clock.Now().Add(750 * time.Millisecond); !res.ResetAt.Equal(want) {
		t.Errorf("reset at = %v, want %v", res.ResetAt, want)
	}
}

func TestReset(t *testing.T) {
	rl, _ := newMemoryLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Hour}

	rl.CheckLimit(ctx, "k", cfg)
	if res, _ := rl.CheckLimit(ctx, "k", cfg); res.Allowed {
		t.Fatal("expected rejection before reset")
	}

	if err := rl.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if res, _ := rl.CheckLimit(ctx, "k", cfg); !res.Allowed {
		t.Error("expected admission after reset")
	}
}

func TestCheckLimit_InvalidConfig(t *testing.T) {
	rl, _ := newMemoryLimiter(t)

	tests := []Config{
		{MaxRequests: 0, Window: time.Second},
		{MaxRequests: -1, Window: time.Second},
		{MaxRequests: 1, Window: 0},
	}
	for _, cfg := range tests {
		if _, err := rl.CheckLimit(context.Background(), "k", cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("CheckLimit(%+v) error = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestCheckLimit_FailsOpenOnStoreError(t *testing.T) {
	failing := &mockStore{
		WindowFunc: func(ctx context.Context, key string, now time.Time, window time.Duration, limit int, insert bool) (store.WindowState, error) {
			return store.WindowState{}, errors.New("ERR script killed")
		},
	}
	rl := NewSlidingWindowLimiter(failing)
	cfg := Config{MaxRequests: 1, Window: time.Second}

	for i := 0; i < 3; i++ {
		res, err := rl.CheckLimit(context.Background(), "k", cfg)
		if err != nil {
			t.Fatalf("fail open should not surface an error, got %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be admitted while the store errors", i)
		}
	}
}

func TestCheckLimit_UsesFallbackWhenUnavailable(t *testing.T) {
	unavailable := &mockStore{
		WindowFunc: func(ctx context.Context, key string, now time.Time, window time.Duration, limit int, insert bool) (store.WindowState, error) {
			return store.WindowState{}, store.ErrUnavailable
		},
	}
	mem := store.NewMemoryStore()
	defer mem.Close()

	clock := newFakeClock()
	rl := NewSlidingWindowLimiter(unavailable,
		WithFallback(mem),
		WithClock(clock.Now),
		WithOutageCooldown(5*time.Second),
	)
	cfg := Config{MaxRequests: 2, Window: time.Minute}
	ctx := context.Background()

	rl.CheckLimit(ctx, "k", cfg)
	rl.CheckLimit(ctx, "k", cfg)

	res, err := rl.CheckLimit(ctx, "k", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("fallback store should enforce the same limit")
	}
	if unavailable.calls != 1 {
		t.Errorf("shared store should be skipped during the cooldown, calls = %d", unavailable.calls)
	}

	clock.Advance(6 * time.Second)

	if res, _ := rl.CheckLimit(ctx, "k", cfg); res.Allowed {
		t.Error("fallback window should still be full")
	}
	if unavailable.calls != 2 {
		t.Errorf("shared store should be retried after the cooldown, calls = %d", unavailable.calls)
	}
}

func TestGetStatus_FailsOpenWithFullQuota(t *testing.T) {
	failing := &mockStore{
		WindowFunc: func(ctx context.Context, key string, now time.Time, window time.Duration, limit int, insert bool) (store.WindowState, error) {
			return store.WindowState{}, errors.New("ERR script killed")
		},
	}
	rl := NewSlidingWindowLimiter(failing)
	cfg := Config{MaxRequests: 5, Window: time.Second}

	status, err := rl.GetStatus(context.Background(), "k", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Remaining != 5 {
		t.Errorf("status remaining = %d, want 5", status.Remaining)
	}

	res, _ := rl.CheckLimit(context.Background(), "k", cfg)
	if res.Remaining != 4 {
		t.Errorf("check remaining = %d, want 4", res.Remaining)
	}
}

func TestCheckLimit_RedisOutageFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	mem := store.NewMemoryStore()
	defer mem.Close()

	rl := NewSlidingWindowLimiter(store.NewRedisStore(client), WithFallback(mem))
	cfg := Config{MaxRequests: 1, Window: time.Minute}
	ctx := context.Background()

	if res, _ := rl.CheckLimit(ctx, "k", cfg); !res.Allowed {
		t.Fatal("first call should be admitted by redis")
	}

	mr.Close()

	if res, _ := rl.CheckLimit(ctx, "k", cfg); !res.Allowed {
		t.Fatal("first call against the fallback should be admitted")
	}
	if res, _ := rl.CheckLimit(ctx, "k", cfg); res.Allowed {
		t.Fatal("fallback should reject once its own window is full")
	}
}

func TestCheckLimit_RedisAtomicUnderContention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewSlidingWindowLimiter(store.NewRedisStore(client))
	cfg := Config{MaxRequests: 25, Window: time.Minute}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rl.CheckLimit(context.Background(), "shared", cfg)
			if err == nil && res.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != cfg.MaxRequests {
		t.Errorf("admitted = %d, want exactly %d", admitted, cfg.MaxRequests)
	}
}

func TestReset_ClearsFallbackToo(t *testing.T) {
	primary := store.NewMemoryStore()
	defer primary.Close()
	fallback := store.NewMemoryStore()
	defer fallback.Close()

	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Hour}

	NewSlidingWindowLimiter(fallback).CheckLimit(ctx, "k", cfg)

	rl := NewSlidingWindowLimiter(primary, WithFallback(fallback))
	if err := rl.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if res, _ := NewSlidingWindowLimiter(fallback).CheckLimit(ctx, "k", cfg); !res.Allowed {
		t.Error("fallback window should be cleared by Reset")
	}
}
