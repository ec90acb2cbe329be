package retry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"econnreset",
	"etimedout",
	"socket hang up",
	"broken pipe",
	"unexpected eof",
	"overloaded",
	"service unavailable",
	"temporarily unavailable",
	"bad gateway",
	"too many requests",
	"rate limit",
	"internal server error",
}

// IsRetryable reports whether a failure with the given HTTP status and
// message is worth another attempt. Status 0 means no HTTP response was seen.
func IsRetryable(status int, message string) bool {
	if status == http.StatusTooManyRequests || (status >= 500 && status <= 599) {
		return true
	}

	msg := strings.ToLower(message)
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ParseRetryAfter converts a Retry-After value, either delay-seconds or an
// HTTP date, into a duration relative to now. Dates in the past yield zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}

	if at, err := http.ParseTime(value); err == nil {
		return max(at.Sub(now), 0), true
	}

	return 0, false
}

// RetryAfterFromHeader reads retry-after-ms first, then Retry-After.
func RetryAfterFromHeader(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	if ms := strings.TrimSpace(h.Get("retry-after-ms")); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v >= 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	d, _ := ParseRetryAfter(h.Get("Retry-After"), now)
	return d
}

// Classify is the default classifier used by Do. Provider errors carry their
// own verdict; anything else falls back to message matching.
func Classify(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable, pe.RetryAfter
	}

	var ce *domain.ConfigurationError
	if errors.As(err, &ce) || errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, context.Canceled) {
		return false, 0
	}

	return IsRetryable(0, err.Error()), 0
}
