// Package app assembles a Gateway and its collaborators from Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/felipepmaragno/llm-gateway/internal/api"
	"github.com/felipepmaragno/llm-gateway/internal/cache"
	"github.com/felipepmaragno/llm-gateway/internal/config"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/gateway"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/logger"
	"github.com/felipepmaragno/llm-gateway/internal/notifications"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/llm-gateway/internal/provider/openai"
	"github.com/felipepmaragno/llm-gateway/internal/queue"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/felipepmaragno/llm-gateway/internal/secrets"
	"github.com/felipepmaragno/llm-gateway/internal/store"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
)

const (
	ServiceName = "llm-gateway"
	Version     = "0.1.0"
)

type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Gateway *gateway.Gateway
	Limiter *ratelimit.SlidingWindowLimiter
	Store   store.Store

	// Usage is set when DATABASE_URL is configured.
	Usage *repository.PostgresUsageRepository
	// UsageQueue is set when USAGE_QUEUE_URL is configured.
	UsageQueue *queue.SQSQueue

	memory            *store.MemoryStore
	db                *sql.DB
	shutdownTelemetry func(context.Context) error
}

// Build wires every component. Optional backends (Redis, Postgres, SQS, SNS,
// Secrets Manager, OTLP) are used only when configured; Redis alone degrades
// to the in-memory store instead of failing.
func Build(ctx context.Context, cfg *config.Config, logOut io.Writer) (*App, error) {
	a := &App{Config: cfg}
	a.Logger = logger.Setup(cfg.LogLevel, cfg.LogFormat, logOut)

	shutdown, err := telemetry.Init(ctx, ServiceName, Version, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdownTelemetry = shutdown

	a.memory = store.NewMemoryStore()
	a.Store, err = store.Connect(ctx, cfg.RedisURL, a.memory, a.Logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Limiter = ratelimit.NewSlidingWindowLimiter(a.Store,
		ratelimit.WithFallback(a.memory),
		ratelimit.WithLogger(a.Logger),
	)

	anthropicAdapter, openaiAdapter, err := a.buildAdapters(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	recorder, err := a.buildRecorder(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var notifier notifications.Notifier
	if cfg.NotificationTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.NotificationTopicARN)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("sns notifier: %w", err)
		}
		notifier = notifications.NewDedupNotifier(sns, a.Store, cfg.NotificationCooldown)
		a.Logger.Info("notifications enabled", "topic", cfg.NotificationTopicARN, "cooldown", cfg.NotificationCooldown)
	}

	a.Gateway = gateway.New(gateway.Config{
		Anthropic:      anthropicAdapter,
		OpenAI:         openaiAdapter,
		Limiter:        a.Limiter,
		Cache:          cache.New(a.Store, cfg.CacheTTL, a.Logger),
		Calculator:     cost.NewCalculator(),
		Recorder:       recorder,
		Notifier:       notifier,
		Logger:         a.Logger,
		Primary:        cfg.Primary(),
		EnableFallback: cfg.EnableFallback,
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		RateLimit: ratelimit.Config{
			MaxRequests: cfg.RateLimitMaxRequests,
			Window:      cfg.RateLimitWindow,
		},
		Bucket: cfg.RateLimitBucket,
	})

	for id, ok := range a.Gateway.ProviderStatus() {
		a.Logger.Info("provider status", "provider", id.String(), "available", ok)
	}
	return a, nil
}

func (a *App) buildAdapters(ctx context.Context) (*anthropic.Adapter, *openai.Adapter, error) {
	cfg := a.Config

	var secretStore secrets.SecretStore
	if cfg.Anthropic.SecretName != "" || cfg.OpenAI.SecretName != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, nil, fmt.Errorf("secrets manager: %w", err)
		}
		secretStore = sm
	}

	anthropicSettings, err := settings(ctx, secretStore, cfg.Anthropic)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic credentials: %w", err)
	}
	openaiSettings, err := settings(ctx, secretStore, cfg.OpenAI)
	if err != nil {
		return nil, nil, fmt.Errorf("openai credentials: %w", err)
	}

	return anthropic.New(anthropicSettings, httputil.NewClient(httputil.ProviderConfig(cfg.Anthropic.Timeout))),
		openai.New(openaiSettings, httputil.NewClient(httputil.ProviderConfig(cfg.OpenAI.Timeout))),
		nil
}

func settings(ctx context.Context, secretStore secrets.SecretStore, pc config.ProviderConfig) (provider.Settings, error) {
	key, err := secrets.ResolveAPIKey(ctx, secretStore, pc.APIKey, pc.SecretName)
	if err != nil {
		return provider.Settings{}, err
	}
	return provider.Settings{
		APIKey:      key,
		BaseURL:     pc.BaseURL,
		Model:       pc.Model,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,
		Timeout:     pc.Timeout,
	}, nil
}

// buildRecorder prefers the queue, then Postgres, then an in-process tracker.
// With both configured, records go to the queue and the usage worker moves
// them into Postgres.
func (a *App) buildRecorder(ctx context.Context) (cost.Recorder, error) {
	cfg := a.Config

	if cfg.DatabaseURL != "" {
		db, err := repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.Usage = repository.NewPostgresUsageRepository(db)
		if err := a.Usage.Migrate(ctx); err != nil {
			return nil, err
		}
		a.Logger.Info("usage records stored in postgres")
	}

	if cfg.UsageQueueURL != "" {
		q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			return nil, fmt.Errorf("usage queue: %w", err)
		}
		a.UsageQueue = q
		a.Logger.Info("usage records published to sqs", "queue", cfg.UsageQueueURL)
		return q, nil
	}

	if a.Usage != nil {
		return a.Usage, nil
	}
	return cost.NewInMemoryTracker(), nil
}

// HealthCheckers lists the dependencies /health/ready probes.
func (a *App) HealthCheckers() []api.HealthChecker {
	checkers := []api.HealthChecker{
		api.NewStoreHealthChecker(a.Store),
		api.NewProvidersHealthChecker(a.Gateway.ProviderStatus),
	}
	if a.Usage != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(a.Usage))
	}
	return checkers
}

// Close drains in-flight background work and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Gateway != nil {
		if err := a.Gateway.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain gateway: %w", err))
		}
	}
	if a.Store != nil && a.Store != store.Store(a.memory) {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.memory != nil {
		a.memory.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
