// Package cache stores completion responses for identical requests on top of
// the shared store, so every gateway instance sees the same entries.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/store"
)

const (
	keyPrefix  = "cache:"
	DefaultTTL = 5 * time.Minute
)

type Cache struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
}

func New(s store.Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: s, ttl: ttl, logger: logger}
}

// Key hashes every request field that can change the completion, plus the
// provider the caller asked for.
func Key(preferred domain.ProviderID, req *domain.CompletionRequest) string {
	data, _ := json.Marshal(struct {
		Provider      string                 `json:"provider"`
		Model         string                 `json:"model,omitempty"`
		SystemPrompt  string                 `json:"system_prompt,omitempty"`
		System        []domain.SystemSegment `json:"system,omitempty"`
		Messages      []domain.Message       `json:"messages"`
		Temperature   *float64               `json:"temperature,omitempty"`
		MaxTokens     int                    `json:"max_tokens,omitempty"`
		StopSequences []string               `json:"stop,omitempty"`
	}{
		Provider:      preferred.String(),
		Model:         req.Model,
		SystemPrompt:  req.SystemPrompt,
		System:        req.System,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.StopSequences,
	})

	hash := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(hash[:])
}

// Get returns the stored response marked as a cache hit. Store failures are
// logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (*domain.CompletionResponse, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "error", err)
		metrics.RecordStoreError("cache_get")
	}
	if !ok || err != nil {
		metrics.RecordCacheMiss()
		return nil, false
	}

	var resp domain.CompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		metrics.RecordCacheMiss()
		return nil, false
	}

	metrics.RecordCacheHit()
	resp.CacheHit = true
	return &resp, true
}

func (c *Cache) Set(ctx context.Context, key string, resp *domain.CompletionResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		metrics.RecordStoreError("cache_set")
		return err
	}
	return nil
}
