// Package apperr carries the error-kind taxonomy shared by every component.
// Kinds, not types: callers branch on Kind and the HTTP layer maps kinds to
// status codes without inspecting component-specific error values.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInputInvalid        Kind = "INPUT_INVALID"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindOrderViolation      Kind = "ORDER_VIOLATION"
	KindResourceUnsupported Kind = "RESOURCE_UNSUPPORTED"
	KindChainUnavailable    Kind = "CHAIN_UNAVAILABLE"
	KindPricingStale        Kind = "PRICING_STALE"
	KindAuthRequired        Kind = "AUTHORIZATION_REQUIRED"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Error is a classified error. RetryAfterMs is set on transient kinds so the
// HTTP layer can emit Retry-After.
type Error struct {
	Kind         Kind
	Message      string
	RetryAfterMs int64
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to INTERNAL_ERROR.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// RetryAfterMs extracts the retry hint from an error chain, zero if none.
func RetryAfterMs(err error) int64 {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfterMs
	}
	return 0
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInputInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindOrderViolation:
		return http.StatusConflict
	case KindResourceUnsupported:
		return http.StatusUnprocessableEntity
	case KindChainUnavailable, KindPricingStale:
		return http.StatusServiceUnavailable
	case KindAuthRequired:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a processor should let the queue retry the job.
// Transient upstream failures retry; validation and ordering failures do not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInputInvalid, KindOrderViolation, KindResourceUnsupported, KindAuthRequired:
		return false
	default:
		return true
	}
}
