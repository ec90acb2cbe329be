package cost

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4":                      {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":                {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":                     {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":              {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-sonnet-20240229":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
}

type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &Calculator{pricing: pricing}
}

// Calculate prices usage for model. Dated variants returned by the APIs
// (gpt-4o-mini-2024-07-18) match the longest known prefix. Unknown models
// cost zero.
func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	pricing, ok := c.lookup(model)
	if !ok {
		return 0
	}

	inputCost := float64(usage.InputTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.OutputTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) lookup(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}

	names := make([]string, 0, len(c.pricing))
	for name := range c.pricing {
		if strings.HasPrefix(model, name+"-") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ModelPricing{}, false
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	return c.pricing[names[0]], true
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

// UsageRecord describes one completed gateway call.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	Bucket       string    `json:"bucket"`
	Operation    string    `json:"operation"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CachedTokens int       `json:"cached_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Cached       bool      `json:"cached"`
	Fallback     bool      `json:"fallback"`
	LatencyMs    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Recorder persists usage records. Implementations live in the repository
// (Postgres) and queue (SQS) packages.
type Recorder interface {
	Record(ctx context.Context, record UsageRecord) error
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

var _ Recorder = (*InMemoryTracker)(nil)

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		records: make([]UsageRecord, 0),
	}
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) GetBucketUsage(ctx context.Context, bucket string, since time.Time) ([]UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []UsageRecord
	for _, r := range t.records {
		if r.Bucket == bucket && r.Timestamp.After(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) GetBucketTotalCost(ctx context.Context, bucket string, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, r := range t.records {
		if r.Bucket == bucket && r.Timestamp.After(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (t *InMemoryTracker) GetAllRecords() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]UsageRecord, len(t.records))
	copy(result, t.records)
	return result
}
