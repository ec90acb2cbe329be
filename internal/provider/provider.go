// Package provider defines the uniform completion capability every upstream
// vendor adapter implements, plus the request shaping the adapters share.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/retry"
)

// Adapter is safe for concurrent use. It holds no per-call state.
type Adapter interface {
	ID() domain.ProviderID
	// IsAvailable reports whether a client was built from a credential at
	// startup. It does not probe the upstream.
	IsAvailable() bool
	Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error)
	CompleteWithTools(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error)
	// Stream returns a channel of fragments fed by a single producer. It fails
	// before returning a channel when the adapter is not configured. The
	// consumer must drain the channel or cancel ctx.
	Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamFragment, error)
}

// Settings are the per-provider values read from configuration.
type Settings struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	// Timeout bounds a single upstream call.
	Timeout time.Duration
}

// System is the system content extracted from a request.
type System struct {
	Segments []domain.SystemSegment
}

func (s System) Empty() bool { return len(s.Segments) == 0 }

// Text joins all segments with blank lines.
func (s System) Text() string {
	parts := make([]string, 0, len(s.Segments))
	for _, seg := range s.Segments {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// SplitSystem separates system content from the conversation turns.
// Explicit segments win over SystemPrompt, which wins over the first
// system-role message. System-role messages never reach the returned turns.
func SplitSystem(req *domain.CompletionRequest) (System, []domain.Message) {
	var sys System
	switch {
	case len(req.System) > 0:
		sys.Segments = append(sys.Segments, req.System...)
	case req.SystemPrompt != "":
		sys.Segments = []domain.SystemSegment{{Text: req.SystemPrompt}}
	}

	turns := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			if sys.Empty() && m.Content != "" {
				sys.Segments = []domain.SystemSegment{{Text: m.Content}}
			}
			continue
		}
		turns = append(turns, m)
	}
	return sys, turns
}

// ResolveMaxTokens returns the request value or the configured default.
func ResolveMaxTokens(req *domain.CompletionRequest, s Settings) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if s.MaxTokens > 0 {
		return s.MaxTokens
	}
	return 1024
}

// ResolveTemperature returns the request value or the configured default and
// rejects values outside [0, upper].
func ResolveTemperature(id domain.ProviderID, req *domain.CompletionRequest, s Settings, upper float64) (float64, error) {
	t := s.Temperature
	if req.Temperature != nil {
		t = *req.Temperature
	}
	if t < 0 || t > upper {
		return 0, &domain.ProviderError{
			Provider: id,
			Message:  fmt.Sprintf("temperature %g outside accepted range [0, %g]", t, upper),
			Err:      domain.ErrInvalidRequest,
		}
	}
	return t, nil
}

func ResolveModel(req *domain.CompletionRequest, s Settings) string {
	if req.Model != "" {
		return req.Model
	}
	return s.Model
}

// UpstreamError builds the ProviderError for a failed HTTP exchange.
func UpstreamError(id domain.ProviderID, status int, message string, header http.Header, cause error) *domain.ProviderError {
	return &domain.ProviderError{
		Provider:   id,
		StatusCode: status,
		Message:    message,
		Retryable:  retry.IsRetryable(status, message),
		RetryAfter: retry.RetryAfterFromHeader(header, time.Now()),
		Err:        cause,
	}
}

// TransportError builds the ProviderError for a call that produced no HTTP
// response, such as a dial failure or an expired attempt deadline.
func TransportError(id domain.ProviderID, err error) *domain.ProviderError {
	retryable := retry.IsRetryable(0, err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		retryable = true
	}
	if errors.Is(err, context.Canceled) {
		retryable = false
	}
	return &domain.ProviderError{
		Provider:  id,
		Message:   err.Error(),
		Retryable: retryable,
		Err:       err,
	}
}

// Emit sends f unless ctx is done. It reports whether the fragment was sent.
func Emit(ctx context.Context, ch chan<- domain.StreamFragment, f domain.StreamFragment) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// Latency is the elapsed time since start in milliseconds.
func Latency(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
