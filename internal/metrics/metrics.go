package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_requests_total",
			Help: "Total number of completion calls by serving provider and outcome",
		},
		[]string{"operation", "provider", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_request_duration_seconds",
			Help:    "End-to-end completion duration in seconds, retries included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation", "provider"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_attempts_total",
			Help: "Total number of upstream attempts by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_retries_total",
			Help: "Total number of backoff delays scheduled before a retry",
		},
		[]string{"provider"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_fallbacks_total",
			Help: "Total number of calls escalated to the alternate provider",
		},
		[]string{"from", "to"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cost_usd_total",
			Help: "Total estimated cost in USD",
		},
		[]string{"provider", "model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_ratelimit_decisions_total",
			Help: "Rate limiter decisions (admitted, rejected, fallback, fail_open)",
		},
		[]string{"bucket", "decision"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_store_errors_total",
			Help: "Total number of shared store errors",
		},
		[]string{"operation"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgateway_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgateway_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_streams",
			Help: "Number of streams currently forwarding fragments",
		},
		[]string{"provider"},
	)

	ProviderAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_provider_available",
			Help: "Whether a provider client was configured at startup (1) or not (0)",
		},
		[]string{"provider"},
	)
)

func RecordRequest(operation, provider, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(operation, provider, status).Inc()
	RequestDuration.WithLabelValues(operation, provider).Observe(durationSec)
}

func RecordAttempt(provider, status string) {
	AttemptsTotal.WithLabelValues(provider, status).Inc()
}

func RecordRetry(provider string) {
	RetriesTotal.WithLabelValues(provider).Inc()
}

func RecordFallback(from, to string) {
	FallbacksTotal.WithLabelValues(from, to).Inc()
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitDecision(bucket, decision string) {
	RateLimitDecisions.WithLabelValues(bucket, decision).Inc()
}

func RecordStoreError(operation string) {
	StoreErrors.WithLabelValues(operation).Inc()
}

func RecordCacheHit() {
	CacheHits.Inc()
}

func RecordCacheMiss() {
	CacheMisses.Inc()
}

func IncrementActiveStreams(provider string) {
	ActiveStreams.WithLabelValues(provider).Inc()
}

func DecrementActiveStreams(provider string) {
	ActiveStreams.WithLabelValues(provider).Dec()
}

func SetProviderAvailable(provider string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	ProviderAvailable.WithLabelValues(provider).Set(v)
}
