package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/internal/abort"
)

// WireKind classifies a stream failure for retry decisions and for the
// error event surfaced to subscribers.
type WireKind string

const (
	WireAuth           WireKind = "auth"
	WireRateLimit      WireKind = "rate_limit"
	WireTimeout        WireKind = "timeout"
	WireServerError    WireKind = "server_error"
	WireOverloaded     WireKind = "overloaded"
	WireNetwork        WireKind = "network"
	WireInvalidRequest WireKind = "invalid_request"
	WireModelNotFound  WireKind = "model_not_found"
	WireCanceled       WireKind = "canceled"
	WireUnknown        WireKind = "unknown"
)

// Retryable reports whether a fresh attempt can plausibly succeed.
func (k WireKind) Retryable() bool {
	switch k {
	case WireRateLimit, WireTimeout, WireServerError, WireOverloaded, WireNetwork:
		return true
	default:
		return false
	}
}

// Error is a classified stream failure.
type Error struct {
	Provider string
	Model    string
	Kind     WireKind
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s stream failed (%s, status %d): %s", e.Provider, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s stream failed (%s): %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure kind is transient.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// NewError classifies cause and wraps it with provider context.
func NewError(provider, model string, cause error) *Error {
	return &Error{
		Provider: provider,
		Model:    model,
		Kind:     Classify(cause),
		Cause:    cause,
	}
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if kind := classifyStatus(status); kind != WireUnknown {
		e.Kind = kind
	}
	return e
}

// WithMessage records the provider-supplied failure message.
func (e *Error) WithMessage(message string) *Error {
	e.Message = message
	return e
}

// WithKind overrides the classified kind.
func (e *Error) WithKind(kind WireKind) *Error {
	e.Kind = kind
	return e
}

// AsError extracts a classified *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether err represents a transient stream failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := AsError(err); ok {
		return se.Retryable()
	}
	return Classify(err).Retryable()
}

func classifyStatus(status int) WireKind {
	switch status {
	case 401, 403:
		return WireAuth
	case 404:
		return WireModelNotFound
	case 408:
		return WireTimeout
	case 429:
		return WireRateLimit
	case 400, 413, 422:
		return WireInvalidRequest
	case 529:
		return WireOverloaded
	}
	if status >= 500 && status < 600 {
		return WireServerError
	}
	return WireUnknown
}

// Classify maps an arbitrary transport error onto a wire kind using the
// signals providers actually put in error strings.
func Classify(err error) WireKind {
	if err == nil {
		return WireUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, abort.ErrAborted) {
		return WireCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WireTimeout
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "quota"):
		return WireRateLimit

	case strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "529"):
		return WireOverloaded

	case strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "gateway timeout"):
		return WireServerError

	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return WireTimeout

	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "unexpected eof"):
		return WireNetwork

	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "authentication"):
		return WireAuth

	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "unknown model"):
		return WireModelNotFound
	}

	return WireUnknown
}
