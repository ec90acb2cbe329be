package cost

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func BenchmarkInMemoryTracker_Record(b *testing.B) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		record := UsageRecord{
			Bucket:       "bucket-1",
			RequestID:    fmt.Sprintf("req-%d", i),
			Model:        "gpt-4",
			Provider:     "openai",
			InputTokens:  100,
			OutputTokens: 50,
			CostUSD:      0.01,
			Timestamp:    time.Now(),
		}
		tracker.Record(ctx, record)
	}
}

func BenchmarkInMemoryTracker_Record_Parallel(b *testing.B) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			record := UsageRecord{
				Bucket:       fmt.Sprintf("bucket-%d", i%10),
				RequestID:    fmt.Sprintf("req-%d", i),
				Model:        "gpt-4",
				Provider:     "openai",
				InputTokens:  100,
				OutputTokens: 50,
				CostUSD:      0.01,
				Timestamp:    time.Now(),
			}
			tracker.Record(ctx, record)
			i++
		}
	})
}

func BenchmarkInMemoryTracker_GetBucketTotalCost(b *testing.B) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		tracker.Record(ctx, UsageRecord{
			Bucket:    "bucket-1",
			RequestID: fmt.Sprintf("req-%d", i),
			CostUSD:   0.01,
			Timestamp: time.Now(),
		})
	}

	since := time.Now().Add(-1 * time.Hour)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.GetBucketTotalCost(ctx, "bucket-1", since)
	}
}

func BenchmarkCostCalculator_Calculate(b *testing.B) {
	calc := NewCalculator()
	usage := domain.Usage{
		InputTokens:  1000,
		OutputTokens: 500,
		TotalTokens:  1500,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Calculate("gpt-4o-mini-2024-07-18", usage)
	}
}
