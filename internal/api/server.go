// Package api serves the gateway's admin surface: health probes, metrics,
// provider availability and rate-limit inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/gateway"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
)

// Gateway is the part of *gateway.Gateway the admin server reads.
type Gateway interface {
	ProviderStatus() map[domain.ProviderID]bool
	RateLimitStatus(ctx context.Context, key string) (ratelimit.Result, error)
	ResetRateLimit(ctx context.Context, key string) error
}

type Config struct {
	Gateway       Gateway
	Checkers      []HealthChecker
	HealthTimeout time.Duration
	Version       string
	Logger        *slog.Logger
}

type Server struct {
	gateway       Gateway
	checkers      []HealthChecker
	healthTimeout time.Duration
	version       string
	logger        *slog.Logger
	router        chi.Router
}

func NewServer(cfg Config) *Server {
	s := &Server{
		gateway:       cfg.Gateway,
		checkers:      cfg.Checkers,
		healthTimeout: cfg.HealthTimeout,
		version:       cfg.Version,
		logger:        cfg.Logger,
	}
	if s.healthTimeout <= 0 {
		s.healthTimeout = 2 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(s.logRequests)

	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/providers", s.handleProviders)
		r.Get("/ratelimit/{key}", s.handleRateLimitStatus)
		r.Delete("/ratelimit/{key}", s.handleRateLimitReset)
		r.Post("/tokens/estimate", s.handleEstimateTokens)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type providerStatus struct {
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	status := s.gateway.ProviderStatus()
	out := make([]providerStatus, 0, len(domain.Providers))
	for _, id := range domain.Providers {
		out = append(out, providerStatus{Provider: id.String(), Available: status[id]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

type rateLimitResponse struct {
	Key          string    `json:"key"`
	Allowed      bool      `json:"allowed"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	result, err := s.gateway.RateLimitStatus(r.Context(), key)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rateLimitResponse{
		Key:          key,
		Allowed:      result.Allowed,
		Remaining:    result.Remaining,
		ResetAt:      result.ResetAt,
		RetryAfterMs: result.RetryAfter.Milliseconds(),
	})
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.gateway.ResetRateLimit(r.Context(), key); err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	s.logger.Info("rate limit reset", "key", key, "request_id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

type estimateRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleEstimateTokens(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tokens": gateway.EstimateTokens(req.Text)})
}

func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ratelimit.ErrInvalidConfig) {
		writeError(w, http.StatusInternalServerError, "configuration_error", err.Error())
		return
	}
	s.logger.Error("admin request failed", "path", r.URL.Path, "request_id", requestIDFrom(r.Context()), "error", err)
	writeError(w, http.StatusBadGateway, "store_error", err.Error())
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	var body errorBody
	body.Error.Type = errType
	body.Error.Message = message
	writeJSON(w, status, body)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}
