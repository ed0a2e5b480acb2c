package common

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error into one of the stable categories the API and
// realtime gateway report to callers. Kinds are part of the wire contract:
// handlers map them to HTTP status codes and websocket error events, so
// values must stay stable.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindRateLimited        Kind = "rate_limited"
	KindSandboxUnavailable Kind = "sandbox_unavailable"
	KindExecutionTimeout   Kind = "execution_timeout"
	KindOutputLimit        Kind = "output_limit"
	KindTransient          Kind = "transient"
	KindInconsistentState  Kind = "inconsistent_state"
	KindInternal           Kind = "internal"
)

// Error carries a Kind alongside a caller-safe message. The wrapped cause is
// retained for logging but never serialized to clients.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a new classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error. A nil cause returns nil so call
// sites can wrap unconditionally.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithRetryAfter attaches a retry hint, surfaced as the retryAfter field in
// HTTP 429/503 responses.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal
// for unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Message returns the caller-safe message from a classified error, or ""
// for nil and unclassified errors. Causes are never exposed.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to its HTTP response code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindSandboxUnavailable, KindTransient:
		return http.StatusServiceUnavailable
	case KindExecutionTimeout:
		return http.StatusRequestTimeout
	case KindOutputLimit:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
