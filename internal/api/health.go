package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/store"
)

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthStatus represents the result of a health check.
type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StoreHealthChecker pings the rate-limit store. The name reports the
// backend in use, so a gateway that fell back to memory shows it.
type StoreHealthChecker struct {
	store store.Store
}

func NewStoreHealthChecker(s store.Store) *StoreHealthChecker {
	return &StoreHealthChecker{store: s}
}

func (c *StoreHealthChecker) Name() string {
	return "store_" + c.store.Name()
}

func (c *StoreHealthChecker) Check(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Pinger is satisfied by the Postgres usage repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresHealthChecker checks PostgreSQL connectivity.
type PostgresHealthChecker struct {
	db Pinger
}

func NewPostgresHealthChecker(db Pinger) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string {
	return "postgres"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.Ping(ctx)
}

// ProvidersHealthChecker fails when no provider has a credential.
type ProvidersHealthChecker struct {
	status func() map[domain.ProviderID]bool
}

func NewProvidersHealthChecker(status func() map[domain.ProviderID]bool) *ProvidersHealthChecker {
	return &ProvidersHealthChecker{status: status}
}

func (c *ProvidersHealthChecker) Name() string {
	return "providers"
}

func (c *ProvidersHealthChecker) Check(ctx context.Context) error {
	for _, ok := range c.status() {
		if ok {
			return nil
		}
	}
	return errors.New("no provider configured")
}

// runHealthChecks executes all health checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := CheckResult{
				Status:   "ok",
				Duration: duration.String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "alive", Version: s.version})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.healthTimeout)
	defer cancel()

	results := runHealthChecks(ctx, s.checkers)

	allHealthy := true
	for _, result := range results {
		if result.Status != "ok" {
			allHealthy = false
			break
		}
	}

	status := HealthStatus{
		Status:  "ready",
		Checks:  results,
		Version: s.version,
	}

	httpStatus := http.StatusOK
	if !allHealthy {
		status.Status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
