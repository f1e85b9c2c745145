// Package apperr defines the error taxonomy shared by connectors,
// ingress adapters, and the dispatcher. Every request-facing error maps
// to exactly one Kind, and every Kind maps to exactly one HTTP status.
package apperr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is one of the fixed classes of request-facing failure.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindUpstream    Kind = "upstream"
	KindInvalid     Kind = "invalid"
	KindInternal    Kind = "internal"
)

// Error carries a Kind plus a human-readable message and, for Upstream
// errors, the raw body returned by the provider.
type Error struct {
	Kind       Kind
	Message    string
	UpstreamBody string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithBody attaches the upstream response body to an Upstream error.
func (e *Error) WithBody(body string) *Error {
	e.UpstreamBody = body
	return e
}

// Status returns the HTTP status code for this error's Kind.
func (e *Error) Status() int {
	return StatusFor(e.Kind)
}

// StatusFor maps a Kind to its HTTP status.
func StatusFor(k Kind) int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	case KindInvalid:
		return http.StatusBadRequest
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Body is the stable JSON error envelope returned to clients.
type Body struct {
	Error BodyDetail `json:"error"`
}

// BodyDetail is the inner object of Body.
type BodyDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Code    *string `json:"code,omitempty"`
}

// typeFor names the "type" field of the JSON error envelope per Kind.
func typeFor(k Kind) string {
	switch k {
	case KindAuth:
		return "auth_error"
	case KindRateLimited:
		return "rate_limit_error"
	case KindTimeout:
		return "timeout_error"
	case KindUpstream:
		return "upstream_error"
	case KindInvalid:
		return "invalid_request_error"
	default:
		return "xjp_error"
	}
}

// WriteJSON writes the stable error envelope for err to w with the
// correct status code. If err is not an *Error, it is treated as
// KindInternal.
func WriteJSON(w http.ResponseWriter, err error) {
	ae, ok := err.(*Error)
	if !ok {
		ae = Wrap(KindInternal, "internal error", err)
	}
	var code *string
	if ae.Kind == KindRateLimited {
		c := "rate_limit_exceeded"
		code = &c
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status())
	_ = json.NewEncoder(w).Encode(Body{Error: BodyDetail{
		Message: ae.Message,
		Type:    typeFor(ae.Kind),
		Code:    code,
	}})
}
