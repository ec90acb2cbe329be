package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/store"
)

func BenchmarkCheckLimit_Memory(b *testing.B) {
	mem := store.NewMemoryStore()
	defer mem.Close()
	rl := NewSlidingWindowLimiter(mem)
	ctx := context.Background()
	cfg := Config{MaxRequests: 10000, Window: time.Second}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.CheckLimit(ctx, "bucket-1", cfg)
	}
}

func BenchmarkCheckLimit_Memory_Parallel(b *testing.B) {
	mem := store.NewMemoryStore()
	defer mem.Close()
	rl := NewSlidingWindowLimiter(mem)
	ctx := context.Background()
	cfg := Config{MaxRequests: 10000, Window: time.Second}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rl.CheckLimit(ctx, "bucket-1", cfg)
		}
	})
}

func BenchmarkCheckLimit_Memory_ManyKeys(b *testing.B) {
	mem := store.NewMemoryStore()
	defer mem.Close()
	rl := NewSlidingWindowLimiter(mem)
	ctx := context.Background()
	cfg := Config{MaxRequests: 1000, Window: time.Second}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.CheckLimit(ctx, fmt.Sprintf("bucket-%d", i%100), cfg)
			i++
		}
	})
}

func BenchmarkCheckLimit_Memory_HighContention(b *testing.B) {
	mem := store.NewMemoryStore()
	defer mem.Close()
	rl := NewSlidingWindowLimiter(mem)
	ctx := context.Background()
	cfg := Config{MaxRequests: 10000, Window: time.Second}

	var wg sync.WaitGroup
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		wg.Add(10)
		for j := 0; j < 10; j++ {
			go func() {
				defer wg.Done()
				rl.CheckLimit(ctx, "bucket-1", cfg)
			}()
		}
		wg.Wait()
	}
}
