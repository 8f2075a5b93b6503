package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Class indicates whether an error should be retried.
type Class string

const (
	ClassRetryable    Class = "retryable"
	ClassNonRetryable Class = "non_retryable"
)

// ProviderError wraps an LLM provider failure with transport metadata so the
// classifier and backoff do not need to parse SDK strings.
type ProviderError struct {
	Err        error
	HTTPStatus int
	RetryAfter string // raw Retry-After header value
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("provider error (status %d)", e.HTTPStatus)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRateLimit reports whether the provider rejected for rate limiting.
func (e *ProviderError) IsRateLimit() bool { return e.HTTPStatus == http.StatusTooManyRequests }

// IsContextTooLong reports whether the provider rejected the input size.
func (e *ProviderError) IsContextTooLong() bool {
	if e.Err == nil {
		return false
	}
	s := strings.ToLower(e.Err.Error())
	return strings.Contains(s, "context length") ||
		strings.Contains(s, "maximum context") ||
		strings.Contains(s, "token limit")
}

// ClassifyLLMError decides retryability for an LLM call failure. Rate limits,
// 5xx and network failures retry; auth, bad requests, quota and safety
// refusals do not.
func ClassifyLLMError(err error) Class {
	if err == nil {
		return ClassNonRetryable
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.HTTPStatus == http.StatusTooManyRequests:
			return ClassRetryable
		case pe.HTTPStatus >= 500:
			return ClassRetryable
		case pe.HTTPStatus == http.StatusUnauthorized,
			pe.HTTPStatus == http.StatusForbidden,
			pe.HTTPStatus == http.StatusBadRequest,
			pe.HTTPStatus == http.StatusPaymentRequired:
			return ClassNonRetryable
		}
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "429"):
		return ClassRetryable
	case strings.Contains(s, "internal server error"),
		strings.Contains(s, "bad gateway"),
		strings.Contains(s, "service unavailable"),
		strings.Contains(s, "gateway timeout"):
		return ClassRetryable
	case strings.Contains(s, "connection reset"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "no such host"),
		strings.Contains(s, "temporary failure"),
		strings.Contains(s, "timeout"):
		return ClassRetryable
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "forbidden"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "bad request"),
		strings.Contains(s, "quota"),
		strings.Contains(s, "content filter"):
		return ClassNonRetryable
	}
	return ClassNonRetryable
}

// retryAfterHint extracts a Retry-After duration from a ProviderError chain.
// Returns 0 when absent or unparseable.
func retryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.RetryAfter == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(pe.RetryAfter, "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(pe.RetryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
