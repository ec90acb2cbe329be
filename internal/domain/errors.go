package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrProviderUnavailable = errors.New("provider not configured")
	ErrProviderError       = errors.New("provider error")
	ErrStreamUnavailable   = errors.New("no provider available for streaming")
)

// ConfigurationError is returned by an adapter that was never initialized
// because no credential was present at startup.
type ConfigurationError struct {
	Provider ProviderID
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Provider, ErrProviderUnavailable)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, ErrProviderUnavailable, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrProviderUnavailable }

// RateLimitError is the pre-flight rejection. RetryAfter is the only backoff
// hint exposed to callers.
type RateLimitError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s for %q: retry after %s", ErrRateLimitExceeded, e.Key, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// ProviderError is a failed completion attempt. Provider is ProviderNone when
// every provider was exhausted or unavailable.
type ProviderError struct {
	Provider   ProviderID
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", ErrProviderError, e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrProviderError, e.Provider, msg)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProviderError}
	}
	return []error{ErrProviderError, e.Err}
}

type StreamUnavailableError struct {
	Tried []ProviderID
}

func (e *StreamUnavailableError) Error() string {
	return fmt.Sprintf("%s (tried %v)", ErrStreamUnavailable, e.Tried)
}

func (e *StreamUnavailableError) Unwrap() error { return ErrStreamUnavailable }
