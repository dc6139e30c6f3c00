// Package apierr defines the gateway's error taxonomy and the single place
// where error kinds are mapped to HTTP statuses and public response bodies.
//
// Components wrap failures with context as they bubble up; only the outermost
// handler calls Write. Internal details never reach the client body.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The string value is the public `type` field.
type Kind string

const (
	KindMissingCredential   Kind = "missing_credential"
	KindMalformedCredential Kind = "malformed_credential"
	KindExpiredCredential   Kind = "expired_credential"
	KindRevokedCredential   Kind = "revoked_credential"
	KindInsufficientScope   Kind = "insufficient_scope"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindPayloadTooLarge     Kind = "payload_too_large"
	KindTooManyRequests     Kind = "too_many_requests"
	KindBadGateway          Kind = "bad_gateway"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindGatewayTimeout      Kind = "gateway_timeout"
	KindContentRejected     Kind = "content_rejected"
	KindToolFailure         Kind = "tool_failure"
	KindInternal            Kind = "internal"
)

// statusByKind is the authoritative kind -> HTTP status mapping.
var statusByKind = map[Kind]int{
	KindMissingCredential:   http.StatusUnauthorized,
	KindMalformedCredential: http.StatusUnauthorized,
	KindExpiredCredential:   http.StatusUnauthorized,
	KindRevokedCredential:   http.StatusUnauthorized,
	KindInsufficientScope:   http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindPayloadTooLarge:     http.StatusRequestEntityTooLarge,
	KindTooManyRequests:     http.StatusTooManyRequests,
	KindBadGateway:          http.StatusBadGateway,
	KindUpstreamUnavailable: http.StatusServiceUnavailable,
	KindGatewayTimeout:      http.StatusGatewayTimeout,
	KindContentRejected:     http.StatusBadRequest,
	KindToolFailure:         http.StatusBadGateway,
	KindInternal:            http.StatusInternalServerError,
}

// Error carries a kind, a client-safe detail message, and the wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

// New creates an Error with the given kind and client-safe detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap creates an Error that keeps the underlying cause for logging while
// exposing only detail to clients.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, defaulting to internal.
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

// Body is the public error shape: {detail, type, status_code}.
type Body struct {
	Detail     string `json:"detail"`
	Type       string `json:"type"`
	StatusCode int    `json:"status_code"`
}

// BodyOf builds the public response body for err. Unexpected errors collapse
// to a generic internal body so no internal detail leaks.
func BodyOf(err error) (int, Body) {
	var e *Error
	if errors.As(err, &e) {
		return e.Status(), Body{
			Detail:     e.Detail,
			Type:       string(e.Kind),
			StatusCode: e.Status(),
		}
	}
	return http.StatusInternalServerError, Body{
		Detail:     "internal server error",
		Type:       string(KindInternal),
		StatusCode: http.StatusInternalServerError,
	}
}
