// Package gateway is the single completion entry point. It picks a provider,
// charges the caller's rate-limit bucket, retries transient failures with
// backoff and fails over to the other provider when the first one is spent.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/felipepmaragno/llm-gateway/internal/cache"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/notifications"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/retry"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
)

const (
	DefaultBucket = "global"

	opComplete = "complete"
	opTools    = "complete_with_tools"
	opStream   = "stream"

	backgroundTimeout = 5 * time.Second
)

// Config wires the gateway. Nil adapters count as unavailable; nil optional
// collaborators are skipped.
type Config struct {
	Anthropic provider.Adapter
	OpenAI    provider.Adapter
	Limiter   ratelimit.RateLimiter

	Cache      *cache.Cache
	Calculator *cost.Calculator
	Recorder   cost.Recorder
	Notifier   notifications.Notifier
	Logger     *slog.Logger

	Primary        domain.ProviderID
	EnableFallback bool
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimit      ratelimit.Config
	Bucket         string

	// Sleep and Jitter replace the real backoff wait and randomness.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(max time.Duration) time.Duration
}

type Gateway struct {
	cfg    Config
	logger *slog.Logger
	calc   *cost.Calculator

	// mu orders background Adds before the Wait in Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config) *Gateway {
	if cfg.Primary == domain.ProviderNone {
		cfg.Primary = domain.ProviderAnthropic
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = retry.DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = retry.DefaultMaxDelay
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	calc := cfg.Calculator
	if calc == nil {
		calc = cost.NewCalculator()
	}

	g := &Gateway{cfg: cfg, logger: logger, calc: calc}
	for _, id := range domain.Providers {
		metrics.SetProviderAvailable(id.String(), g.available(id))
	}
	return g
}

// Complete runs a plain text completion. Tools on the request are ignored.
func (g *Gateway) Complete(ctx context.Context, req *domain.CompletionRequest, opts ...Option) (*domain.CompletionResponse, error) {
	return g.execute(ctx, opComplete, req, opts)
}

// CompleteWithTools runs a completion that may return tool calls.
func (g *Gateway) CompleteWithTools(ctx context.Context, req *domain.CompletionRequest, opts ...Option) (*domain.CompletionResponse, error) {
	return g.execute(ctx, opTools, req, opts)
}

// Prompt completes a single user turn.
func (g *Gateway) Prompt(ctx context.Context, text, system string, opts ...Option) (*domain.CompletionResponse, error) {
	return g.Complete(ctx, &domain.CompletionRequest{
		SystemPrompt: system,
		Messages:     []domain.Message{{Role: domain.RoleUser, Content: text}},
	}, opts...)
}

// Chat completes a multi-turn conversation.
func (g *Gateway) Chat(ctx context.Context, turns []domain.Message, system string, opts ...Option) (*domain.CompletionResponse, error) {
	return g.Complete(ctx, &domain.CompletionRequest{
		SystemPrompt: system,
		Messages:     turns,
	}, opts...)
}

// ProviderStatus reports which adapters were built with a credential.
func (g *Gateway) ProviderStatus() map[domain.ProviderID]bool {
	status := make(map[domain.ProviderID]bool, len(domain.Providers))
	for _, id := range domain.Providers {
		status[id] = g.available(id)
	}
	return status
}

// EstimateTokens is a rough count at four characters per token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// RateLimitStatus peeks at a bucket without charging it.
func (g *Gateway) RateLimitStatus(ctx context.Context, key string) (ratelimit.Result, error) {
	if key == "" {
		key = g.cfg.Bucket
	}
	return g.cfg.Limiter.GetStatus(ctx, key, g.cfg.RateLimit)
}

func (g *Gateway) ResetRateLimit(ctx context.Context, key string) error {
	if key == "" {
		key = g.cfg.Bucket
	}
	return g.cfg.Limiter.Reset(ctx, key)
}

// Close waits for usage records and notifications still in flight. Work
// started after Close runs on the caller's goroutine.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) execute(ctx context.Context, op string, req *domain.CompletionRequest, opts []Option) (*domain.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o := g.resolve(opts)

	requestID := uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, "gateway."+op)
	defer span.End()
	telemetry.AddRequestAttributes(span, op, o.key, requestID)

	logger := g.logger.With("request_id", requestID, "operation", op)
	start := time.Now()

	if err := g.admit(ctx, o); err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(op, o.provider.String(), "rate_limited", time.Since(start).Seconds())
		logger.Info("request rejected by rate limiter", "bucket", o.key, "error", err)
		return nil, err
	}

	useCache := o.cache && op == opComplete && g.cfg.Cache != nil
	var cacheKey string
	if useCache {
		cacheKey = cache.Key(o.provider, req)
		if resp, ok := g.cfg.Cache.Get(ctx, cacheKey); ok {
			telemetry.AddCacheAttribute(span, true)
			metrics.RecordRequest(op, resp.Provider.String(), "cache_hit", time.Since(start).Seconds())
			g.recordUsage(requestID, op, o.key, resp, false)
			return resp, nil
		}
		telemetry.AddCacheAttribute(span, false)
	}

	resp, fellBack, err := g.dispatch(ctx, op, req, o, logger)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(op, providerLabel(err, o.provider), "error", time.Since(start).Seconds())
		return nil, err
	}

	costUSD := g.calc.Calculate(resp.Model, resp.Usage)
	telemetry.AddResponseAttributes(span, resp.Provider.String(), resp.Model, resp.LatencyMs)
	telemetry.AddTokenAttributes(span, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	telemetry.AddCostAttribute(span, costUSD)
	metrics.RecordRequest(op, resp.Provider.String(), "success", time.Since(start).Seconds())
	metrics.RecordTokens(resp.Provider.String(), resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	metrics.RecordCost(resp.Provider.String(), resp.Model, costUSD)

	if useCache {
		if err := g.cfg.Cache.Set(ctx, cacheKey, resp); err != nil {
			logger.Warn("cache write failed", "error", err)
		}
	}
	g.recordUsage(requestID, op, o.key, resp, fellBack)

	return resp, nil
}

// admit charges the bucket unless the call opted out.
func (g *Gateway) admit(ctx context.Context, o callOptions) error {
	if o.skipRateLimit || g.cfg.Limiter == nil {
		return nil
	}

	res, err := g.cfg.Limiter.CheckLimit(ctx, o.key, g.cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !res.Allowed {
		return &domain.RateLimitError{
			Key:        o.key,
			Limit:      g.cfg.RateLimit.MaxRequests,
			RetryAfter: res.RetryAfter,
			ResetAt:    res.ResetAt,
		}
	}
	return nil
}

// dispatch tries the preferred provider with its full retry budget, then the
// alternate with a fresh one. It reports whether the alternate served the call.
func (g *Gateway) dispatch(ctx context.Context, op string, req *domain.CompletionRequest, o callOptions, logger *slog.Logger) (*domain.CompletionResponse, bool, error) {
	preferred := o.provider
	alternate := preferred.Alternate()

	var lastErr error
	if g.available(preferred) {
		resp, err := g.attempt(ctx, op, g.adapter(preferred), req, o, logger)
		if err == nil {
			return resp, false, nil
		}
		if !o.fallback || ctx.Err() != nil {
			return nil, false, err
		}
		lastErr = err
	} else {
		cfgErr := &domain.ConfigurationError{Provider: preferred, Reason: "no credential configured"}
		if !o.fallback {
			return nil, false, cfgErr
		}
		lastErr = cfgErr
	}

	if !g.available(alternate) {
		return nil, false, g.exhausted(preferred, alternate, lastErr, logger)
	}

	metrics.RecordFallback(preferred.String(), alternate.String())
	logger.Warn("falling back to alternate provider",
		"from", preferred.String(),
		"to", alternate.String(),
		"error", lastErr,
	)
	g.notify(notifications.Notification{
		Type:     notifications.NotificationFallback,
		Bucket:   o.key,
		Provider: preferred.String(),
		Message:  fmt.Sprintf("%s failed, serving from %s", preferred, alternate),
		Data:     map[string]any{"to": alternate.String(), "error": lastErr.Error()},
	})

	resp, err := g.attempt(ctx, op, g.adapter(alternate), req, o, logger)
	if err == nil {
		return resp, true, nil
	}
	if ctx.Err() != nil {
		return nil, false, err
	}
	return nil, false, g.exhausted(preferred, alternate, err, logger)
}

func (g *Gateway) exhausted(preferred, alternate domain.ProviderID, lastErr error, logger *slog.Logger) error {
	logger.Error("all providers failed", "error", lastErr)
	g.notify(notifications.Notification{
		Type:    notifications.NotificationProvidersExhausted,
		Message: fmt.Sprintf("%s and %s both failed", preferred, alternate),
		Data:    map[string]any{"error": lastErr.Error()},
	})
	return &domain.ProviderError{
		Provider: domain.ProviderNone,
		Message:  "all providers failed",
		Err:      lastErr,
	}
}

// attempt runs one provider's retry loop.
func (g *Gateway) attempt(ctx context.Context, op string, a provider.Adapter, req *domain.CompletionRequest, o callOptions, logger *slog.Logger) (*domain.CompletionResponse, error) {
	name := a.ID().String()

	policy := retry.Policy{
		MaxRetries: o.maxRetries,
		BaseDelay:  o.baseDelay,
		MaxDelay:   g.cfg.MaxDelay,
		Jitter:     g.cfg.Jitter,
		Sleep:      g.cfg.Sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			metrics.RecordRetry(name)
			logger.Warn("retrying provider call",
				"provider", name,
				"attempt", attempt+1,
				"delay", delay,
				"error", err,
			)
		},
	}

	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) (*domain.CompletionResponse, error) {
		ctx, span := telemetry.StartSpan(ctx, "provider."+op)
		defer span.End()
		telemetry.AddAttemptAttributes(span, name, attempt)

		var resp *domain.CompletionResponse
		var err error
		if op == opTools {
			resp, err = a.CompleteWithTools(ctx, req)
		} else {
			resp, err = a.Complete(ctx, req)
		}
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
			metrics.RecordAttempt(name, "error")
			metrics.RecordProviderError(name, errorType(err))
			return nil, err
		}

		metrics.RecordAttempt(name, "success")
		return resp, nil
	})
}

// Stream forwards fragments from one provider. It never retries and never
// switches providers once fragments have started.
func (g *Gateway) Stream(ctx context.Context, req *domain.CompletionRequest, opts ...Option) (<-chan domain.StreamFragment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o := g.resolve(opts)

	id, err := g.streamProvider(o)
	if err != nil {
		metrics.RecordRequest(opStream, domain.ProviderNone.String(), "error", 0)
		return nil, err
	}

	if err := g.admit(ctx, o); err != nil {
		metrics.RecordRequest(opStream, id.String(), "rate_limited", 0)
		return nil, err
	}

	src, err := g.adapter(id).Stream(ctx, req)
	if err != nil {
		metrics.RecordRequest(opStream, id.String(), "error", 0)
		return nil, err
	}

	name := id.String()
	out := make(chan domain.StreamFragment)
	go func() {
		defer close(out)
		metrics.IncrementActiveStreams(name)
		defer metrics.DecrementActiveStreams(name)

		start := time.Now()
		status := "success"
		defer func() {
			metrics.RecordRequest(opStream, name, status, time.Since(start).Seconds())
		}()

		for f := range src {
			if f.Err != nil {
				status = "error"
			}
			if !provider.Emit(ctx, out, f) {
				status = "cancelled"
				return
			}
		}
	}()

	return out, nil
}

func (g *Gateway) streamProvider(o callOptions) (domain.ProviderID, error) {
	preferred := o.provider
	if g.available(preferred) {
		return preferred, nil
	}

	tried := []domain.ProviderID{preferred}
	if o.fallback {
		alternate := preferred.Alternate()
		if g.available(alternate) {
			return alternate, nil
		}
		tried = append(tried, alternate)
	}
	return domain.ProviderNone, &domain.StreamUnavailableError{Tried: tried}
}

func (g *Gateway) adapter(id domain.ProviderID) provider.Adapter {
	switch id {
	case domain.ProviderAnthropic:
		return g.cfg.Anthropic
	case domain.ProviderOpenAI:
		return g.cfg.OpenAI
	case domain.ProviderNone:
		return nil
	}
	return nil
}

func (g *Gateway) available(id domain.ProviderID) bool {
	a := g.adapter(id)
	return a != nil && a.IsAvailable()
}

func (g *Gateway) recordUsage(requestID, op, bucket string, resp *domain.CompletionResponse, fellBack bool) {
	if g.cfg.Recorder == nil {
		return
	}

	record := cost.UsageRecord{
		RequestID:    requestID,
		Bucket:       bucket,
		Operation:    op,
		Model:        resp.Model,
		Provider:     resp.Provider.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CachedTokens: resp.Usage.CacheReadInputTokens,
		Cached:       resp.CacheHit,
		Fallback:     fellBack,
		LatencyMs:    resp.LatencyMs,
		Timestamp:    time.Now(),
	}
	if !resp.CacheHit {
		record.CostUSD = g.calc.Calculate(resp.Model, resp.Usage)
	}

	g.background(func(ctx context.Context) {
		if err := g.cfg.Recorder.Record(ctx, record); err != nil {
			g.logger.Warn("failed to record usage", "request_id", requestID, "error", err)
		}
	})
}

func (g *Gateway) notify(n notifications.Notification) {
	if g.cfg.Notifier == nil {
		return
	}
	g.background(func(ctx context.Context) {
		if err := g.cfg.Notifier.Send(ctx, n); err != nil {
			g.logger.Warn("failed to send notification", "type", n.Type, "error", err)
		}
	})
}

func (g *Gateway) background(fn func(ctx context.Context)) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func errorType(err error) string {
	var pe *domain.ProviderError
	var ce *domain.ConfigurationError
	switch {
	case errors.As(err, &ce):
		return "configuration"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &pe) && pe.StatusCode == 429:
		return "rate_limited"
	case errors.As(err, &pe) && pe.StatusCode >= 500:
		return "server"
	case errors.As(err, &pe) && pe.StatusCode >= 400:
		return "client"
	default:
		return "transport"
	}
}

func providerLabel(err error, fallback domain.ProviderID) string {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.Provider.String()
	}
	return fallback.String()
}
