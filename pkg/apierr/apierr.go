// Package apierr defines the gateway's routing error taxonomy and its
// mapping to HTTP status codes and stable machine-readable codes.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies what went wrong during tenant routing or dispatch.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindNoValidSchemas
	KindAccessDenied
	KindAmbiguous
	KindAdminAuthRequired
	KindHandlerBuildFailed
	KindUpstreamUnavailable
	KindTimeout
)

// Error is a tagged routing error carrying a kind, a stable string code,
// and an optional context map for logging.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the stable machine-readable code for the error.
func (e *Error) Code() string {
	switch e.Kind {
	case KindNotFound:
		return "TENANT_NOT_FOUND"
	case KindNoValidSchemas:
		return "NO_VALID_SCHEMAS"
	case KindAccessDenied:
		return "SCHEMA_ACCESS_DENIED"
	case KindAmbiguous:
		return "AMBIGUOUS_TENANT"
	case KindAdminAuthRequired:
		return "ADMIN_AUTH_REQUIRED"
	case KindHandlerBuildFailed:
		return "HANDLER_BUILD_FAILED"
	case KindUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case KindTimeout:
		return "UPSTREAM_TIMEOUT"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus returns the HTTP status code for the error.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound, KindNoValidSchemas:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindAdminAuthRequired:
		return http.StatusUnauthorized
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Safe reports whether the message may be shown to clients unsanitized in
// production. Only the not-found and access-denied families qualify.
func (e *Error) Safe() bool {
	switch e.Kind {
	case KindNotFound, KindNoValidSchemas, KindAccessDenied:
		return true
	}
	return false
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind with an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// With attaches a context key/value pair and returns the error.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// From coerces any error into an *Error. Context deadline and cancellation
// errors map to the timeout kind; everything else unrecognized is internal.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "upstream timeout", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindTimeout, "request cancelled", err)
	}
	return Wrap(KindInternal, "internal error", err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
