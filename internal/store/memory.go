package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the process-local store. It is created once at startup,
// injected into every component that needs a fallback, and stopped with
// Close at shutdown. Reset clears it between tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	items   map[string]memItem
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type memWindow struct {
	// stamps are unix microseconds in ascending order.
	stamps    []int64
	expiresAt time.Time
}

type memItem struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return newMemoryStore(time.Minute)
}

func newMemoryStore(janitorInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*memWindow),
		items:   make(map[string]memItem),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.janitor(janitorInterval)
	return s
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Window(ctx context.Context, key string, now time.Time, window time.Duration, limit int, insert bool) (WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if ok && !now.Before(w.expiresAt) {
		delete(s.windows, key)
		ok = false
	}
	if !ok {
		w = &memWindow{}
	}

	nowUs := now.UnixMicro()
	cutoff := nowUs - window.Microseconds()
	keep := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i] > cutoff })
	w.stamps = w.stamps[keep:]

	state := WindowState{Count: len(w.stamps)}
	if state.Count < limit {
		state.Admitted = true
		if insert {
			at := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i] > nowUs })
			w.stamps = append(w.stamps, 0)
			copy(w.stamps[at+1:], w.stamps[at:])
			w.stamps[at] = nowUs
			w.expiresAt = now.Add(window)
		}
	}

	if len(w.stamps) > 0 {
		state.Oldest = time.UnixMicro(w.stamps[0])
		s.windows[key] = w
	} else {
		delete(s.windows, key)
	}

	return state, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.windows, key)
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt) {
		delete(s.items, key)
		return nil, false, nil
	}
	return item.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Reset drops every window and item.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows = make(map[string]*memWindow)
	s.items = make(map[string]memItem)
}

// Close stops the janitor and clears all state. It is safe to call twice.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.Reset()
	return nil
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
		}
	}
	for key, item := range s.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			delete(s.items, key)
		}
	}
}
