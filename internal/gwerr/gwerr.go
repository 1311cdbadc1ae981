// ABOUTME: Error kinds shared by the router, registry, and skill engine
// ABOUTME: Maps each kind to the HTTP status callers see at the gateway boundary

package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Use errors.Is to check.
var (
	ErrNotFound             = errors.New("not found")
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrDisabled             = errors.New("tool disabled")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrConnection           = errors.New("server not connected")
	ErrTransport            = errors.New("transport failure")
	ErrValidation           = errors.New("validation failed")
	ErrConflict             = errors.New("conflict")
)

// Error carries a caller-facing message and optionally the underlying cause.
// Kind is always one of the sentinels above.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is/errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an error of the given kind with a formatted message.
func New(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind that also wraps cause.
func Wrap(kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// HTTPStatus maps an error to the status code returned by the HTTP API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedTransport):
		return http.StatusBadRequest
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CallerFixable reports whether the caller can resolve the error without
// operator involvement.
func CallerFixable(err error) bool {
	status := HTTPStatus(err)
	return status >= 400 && status < 500
}
