package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func backends(t *testing.T) map[string]Store {
	t.Helper()

	mem := NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	rs, _ := newMiniredisStore(t)

	out := map[string]Store{
		"memory":    mem,
		"miniredis": rs,
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		require.NoError(t, err)
		client := redis.NewClient(opts)
		t.Cleanup(func() { client.Close() })
		out["redis"] = NewRedisStore(client)
	}
	return out
}

func TestStore_WindowAdmitsUpToLimit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := fmt.Sprintf("test:window:%s:%d", name, time.Now().UnixNano())
			now := time.Now()

			for i := 0; i < 3; i++ {
				st, err := s.Window(ctx, key, now.Add(time.Duration(i)*time.Millisecond), time.Second, 3, true)
				require.NoError(t, err)
				assert.True(t, st.Admitted, "call %d", i)
				assert.Equal(t, i, st.Count)
			}

			st, err := s.Window(ctx, key, now.Add(5*time.Millisecond), time.Second, 3, true)
			require.NoError(t, err)
			assert.False(t, st.Admitted)
			assert.Equal(t, 3, st.Count)
			assert.Equal(t, now.UnixMicro(), st.Oldest.UnixMicro())
		})
	}
}

func TestStore_WindowPrunesAtBoundary(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := fmt.Sprintf("test:prune:%s:%d", name, time.Now().UnixNano())
			now := time.Now()

			_, err := s.Window(ctx, key, now, time.Second, 1, true)
			require.NoError(t, err)

			st, err := s.Window(ctx, key, now.Add(999*time.Millisecond), time.Second, 1, true)
			require.NoError(t, err)
			assert.False(t, st.Admitted)

			st, err = s.Window(ctx, key, now.Add(time.Second), time.Second, 1, true)
			require.NoError(t, err)
			assert.True(t, st.Admitted)
			assert.Equal(t, 0, st.Count)
		})
	}
}

func TestStore_WindowPeekDoesNotInsert(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := fmt.Sprintf("test:peek:%s:%d", name, time.Now().UnixNano())
			now := time.Now()

			for i := 0; i < 5; i++ {
				st, err := s.Window(ctx, key, now, time.Minute, 2, false)
				require.NoError(t, err)
				assert.Equal(t, 0, st.Count)
				assert.True(t, st.Admitted)
				assert.True(t, st.Oldest.IsZero())
			}
		})
	}
}

func TestStore_DeleteClearsWindow(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := fmt.Sprintf("test:delete:%s:%d", name, time.Now().UnixNano())
			now := time.Now()

			_, err := s.Window(ctx, key, now, time.Minute, 1, true)
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, key))

			st, err := s.Window(ctx, key, now, time.Minute, 1, true)
			require.NoError(t, err)
			assert.True(t, st.Admitted)
		})
	}
}

func TestStore_GetSet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := fmt.Sprintf("test:kv:%s:%d", name, time.Now().UnixNano())

			_, ok, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, key, []byte("value"), time.Minute))

			got, ok, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "value", string(got))
		})
	}
}

func TestStore_ConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := fmt.Sprintf("test:concurrent:%s:%d", name, time.Now().UnixNano())
			const limit = 10

			var wg sync.WaitGroup
			var mu sync.Mutex
			admitted := 0

			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					st, err := s.Window(ctx, key, time.Now(), time.Minute, limit, true)
					if err != nil {
						return
					}
					if st.Admitted {
						mu.Lock()
						admitted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, limit, admitted)
		})
	}
}

func TestMemoryStore_ItemExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), time.Second))

	now = now.Add(2 * time.Second)
	_, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_JanitorSweepsExpired(t *testing.T) {
	s := newMemoryStore(10 * time.Millisecond)
	defer s.Close()

	past := time.Now().Add(-time.Hour)
	_, err := s.Window(context.Background(), "old", past, time.Second, 1, true)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.windows["old"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_CloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestRedisStore_UnreachableIsUnavailable(t *testing.T) {
	s, mr := newMiniredisStore(t)
	mr.Close()

	_, err := s.Window(context.Background(), "k", time.Now(), time.Second, 1, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
		{"client closed", redis.ErrClosed, true},
		{"eof", io.EOF, true},
		{"server error", errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"), false},
		{"caller cancelled", context.Canceled, false},
		{"caller deadline", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unavailable, errors.Is(classify(tt.err), ErrUnavailable))
		})
	}
}

func TestConnect(t *testing.T) {
	fallback := NewMemoryStore()
	defer fallback.Close()
	ctx := context.Background()

	t.Run("empty url uses fallback", func(t *testing.T) {
		s, err := Connect(ctx, "", fallback, nil)
		require.NoError(t, err)
		assert.Same(t, fallback, s)
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := Connect(ctx, "not a url", fallback, nil)
		assert.Error(t, err)
	})

	t.Run("unreachable uses fallback", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		s, err := Connect(pingCtx, "redis://"+addr, fallback, nil)
		require.NoError(t, err)
		assert.Equal(t, "memory", s.Name())
	})

	t.Run("reachable uses redis", func(t *testing.T) {
		mr := miniredis.RunT(t)

		s, err := Connect(ctx, "redis://"+mr.Addr(), fallback, nil)
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, "redis", s.Name())
	})
}

func TestWithOutageBudget(t *testing.T) {
	opts, err := redis.ParseURL("redis://localhost:6379/0")
	require.NoError(t, err)

	opts = withOutageBudget(opts)
	assert.Equal(t, outageDialTimeout, opts.DialTimeout)
	assert.Equal(t, outageMaxRetries, opts.MaxRetries)

	opts, err = redis.ParseURL("redis://localhost:6379/0?dial_timeout=2s&max_retries=5")
	require.NoError(t, err)

	opts = withOutageBudget(opts)
	assert.Equal(t, 2*time.Second, opts.DialTimeout, "explicit url settings win")
	assert.Equal(t, 5, opts.MaxRetries)
}
