package gateway

import (
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Option overrides a process-wide default for one call.
type Option func(*callOptions)

type callOptions struct {
	provider      domain.ProviderID
	fallback      bool
	key           string
	skipRateLimit bool
	maxRetries    int
	baseDelay     time.Duration
	cache         bool
}

// WithProvider sets the preferred provider. ProviderNone keeps the default.
func WithProvider(id domain.ProviderID) Option {
	return func(o *callOptions) {
		if id != domain.ProviderNone {
			o.provider = id
		}
	}
}

func WithFallback(enabled bool) Option {
	return func(o *callOptions) { o.fallback = enabled }
}

// WithRateLimitKey selects the rate-limit bucket charged for the call.
func WithRateLimitKey(key string) Option {
	return func(o *callOptions) {
		if key != "" {
			o.key = key
		}
	}
}

func SkipRateLimit() Option {
	return func(o *callOptions) { o.skipRateLimit = true }
}

// WithMaxRetries sets the retry budget per provider. Negative values mean no
// retries.
func WithMaxRetries(n int) Option {
	return func(o *callOptions) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(o *callOptions) {
		if d >= 0 {
			o.baseDelay = d
		}
	}
}

// WithCache serves identical requests from the response cache. Tool calls
// are never cached.
func WithCache() Option {
	return func(o *callOptions) { o.cache = true }
}

func (g *Gateway) resolve(opts []Option) callOptions {
	o := callOptions{
		provider:   g.cfg.Primary,
		fallback:   g.cfg.EnableFallback,
		key:        g.cfg.Bucket,
		maxRetries: g.cfg.MaxRetries,
		baseDelay:  g.cfg.BaseDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.baseDelay > g.cfg.MaxDelay {
		o.baseDelay = g.cfg.MaxDelay
	}
	return o
}
