// Package apperr defines the closed set of error kinds surfaced to
// callers of the gateway and their stable HTTP status mapping. Every
// internal error that can reach an API boundary is wrapped as an
// *Error before it leaves the owning package.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the closed set of externally-visible error categories.
type Kind string

const (
	KindInvalidInput   Kind = "invalid_input"
	KindDuplicate      Kind = "duplicate_request"
	KindInsufficient   Kind = "insufficient_balance"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindUnauthenticated Kind = "unauthenticated"
	KindUnavailable    Kind = "unavailable"
	KindInternal       Kind = "internal"
)

// httpStatus maps each kind to its stable HTTP status code.
var httpStatus = map[Kind]int{
	KindInvalidInput:    http.StatusBadRequest,
	KindDuplicate:       http.StatusConflict,
	KindInsufficient:    http.StatusBadRequest,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindRateLimited:      http.StatusTooManyRequests,
	KindUnauthenticated: http.StatusUnauthorized,
	KindUnavailable:     http.StatusServiceUnavailable,
	KindInternal:        http.StatusInternalServerError,
}

// Error is a kinded error that carries enough information to be
// rendered as a stable JSON error response.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new kinded error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus returns the stable HTTP status for err, defaulting to 500
// if err is not a *Error.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if code, ok := httpStatus[e.Kind]; ok {
			return code
		}
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
