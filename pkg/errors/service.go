// Package errors defines the error taxonomy shared by the pipeline and the
// HTTP status mapping used by the public API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind buckets an error into the pipeline taxonomy.
type Kind string

// Error kinds. Clients recover Transient and RateLimited locally; everything
// else is surfaced to the caller.
const (
	KindValidation       Kind = "validation"
	KindRateLimited      Kind = "rate_limited"
	KindTransient        Kind = "transient"
	KindUnavailable      Kind = "unavailable"
	KindSchemaMismatch   Kind = "schema_mismatch"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindNotFound         Kind = "not_found"
	KindCorruption       Kind = "corruption"
	KindInternal         Kind = "internal"
)

// Error is a taxonomy-tagged error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New returns a taxonomy error with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with a kind and a contextual message.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal when it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a call failing with err may be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the public API status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable, KindDeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ServiceError is the JSON error body returned by the public API.
type ServiceError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
