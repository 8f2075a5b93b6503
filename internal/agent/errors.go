package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every terminal run failure.
type ErrorKind string

const (
	ErrRateLimited         ErrorKind = "RATE_LIMITED"
	ErrTimeout             ErrorKind = "TIMEOUT"
	ErrContextTooLong      ErrorKind = "CONTEXT_TOO_LONG"
	ErrToolError           ErrorKind = "TOOL_ERROR"
	ErrGuardRejected       ErrorKind = "GUARD_REJECTED"
	ErrHookRejected        ErrorKind = "HOOK_REJECTED"
	ErrInvalidResponse     ErrorKind = "INVALID_RESPONSE"
	ErrOutputGuardRejected ErrorKind = "OUTPUT_GUARD_REJECTED"
	ErrOutputTooShort      ErrorKind = "OUTPUT_TOO_SHORT"
	ErrCircuitBreakerOpen  ErrorKind = "CIRCUIT_BREAKER_OPEN"
	ErrUnknown             ErrorKind = "UNKNOWN"
)

// RunError carries an error kind through the engine so the lifecycle can
// compose a Result without string matching.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunError wraps err with a kind.
func NewRunError(kind ErrorKind, err error) *RunError {
	return &RunError{Kind: kind, Err: err}
}

// KindOf extracts the error kind from err, defaulting to UNKNOWN. Context
// cancellation is deliberately not classified here; callers must check
// IsCancellation first and re-raise.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrUnknown
}

// IsCancellation reports whether err stems from caller cancellation (not a
// deadline). Cancellation must never be reported as a run failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// MessageResolver turns an error kind into user-facing text. The zero value
// resolves to English defaults.
type MessageResolver struct {
	overrides map[ErrorKind]string
}

var defaultMessages = map[ErrorKind]string{
	ErrRateLimited:         "You are sending requests too quickly. Please slow down.",
	ErrTimeout:             "The request took too long to complete.",
	ErrContextTooLong:      "The conversation is too long for the model.",
	ErrToolError:           "A tool failed while handling the request.",
	ErrGuardRejected:       "The request was rejected by an input policy.",
	ErrHookRejected:        "The request was rejected before execution.",
	ErrInvalidResponse:     "The model produced an unusable response.",
	ErrOutputGuardRejected: "The response was rejected by an output policy.",
	ErrOutputTooShort:      "The response did not meet the minimum length.",
	ErrCircuitBreakerOpen:  "The model is temporarily unavailable. Please try again shortly.",
	ErrUnknown:             "An unexpected error occurred.",
}

// NewMessageResolver builds a resolver with locale overrides layered over the
// English defaults.
func NewMessageResolver(overrides map[ErrorKind]string) *MessageResolver {
	return &MessageResolver{overrides: overrides}
}

// Resolve returns the text for kind, appending the original message when
// provided.
func (r *MessageResolver) Resolve(kind ErrorKind, original string) string {
	var msg string
	if r != nil && r.overrides != nil {
		msg = r.overrides[kind]
	}
	if msg == "" {
		msg = defaultMessages[kind]
	}
	if msg == "" {
		msg = defaultMessages[ErrUnknown]
	}
	if original != "" {
		return msg + " (" + original + ")"
	}
	return msg
}
