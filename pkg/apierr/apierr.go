// Package apierr provides the gateway's error kinds and HTTP status mapping,
// written to clients in the OpenAI error envelope format.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies a gateway-originated failure. Every rejection maps to
// exactly one kind, and every kind maps to exactly one HTTP status class.
type Kind int

const (
	// KindInternal is anything unexpected. 500.
	KindInternal Kind = iota
	// KindUnauthorized is a bad or missing forward key when one is required. 401.
	KindUnauthorized
	// KindForbidden: model not permitted for the caller's level, or client
	// IP rejected by the allow/deny lists. 403.
	KindForbidden
	// KindRateLimited: request-count budget exhausted. 429.
	KindRateLimited
	// KindUpstreamUnreachable: connect failure/timeout after retry
	// exhaustion. 504.
	KindUpstreamUnreachable
	// KindUpstreamProtocol: malformed or unexpected upstream response. 502.
	KindUpstreamProtocol
)

// ErrorType constants (OpenAI envelope "type" field).
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeUpstreamError     = "upstream_error"
	TypeServerError       = "server_error"
)

// Code constants (OpenAI envelope "code" field).
const (
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeModelNotPermitted = "model_not_permitted"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeUpstreamTimeout   = "upstream_timeout"
	CodeUpstreamProtocol  = "upstream_protocol_error"
	CodeInternalError     = "internal_error"
	CodeInvalidRequest    = "invalid_request"
)

// Error is a typed gateway error carrying a Kind and a human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string { return e.Detail }

// HTTPStatus maps the error kind to its HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthorized:
		return fasthttp.StatusUnauthorized
	case KindForbidden:
		return fasthttp.StatusForbidden
	case KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindUpstreamUnreachable:
		return fasthttp.StatusGatewayTimeout
	case KindUpstreamProtocol:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

// New creates an Error of the given kind with a formatted detail string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// APIError is the structured error body returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteError maps err to its HTTP status and envelope fields and writes it.
// Non-*Error values are reported as a generic 500 with the detail hidden from
// the client; callers log the full error server-side.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var e *Error
	if !errors.As(err, &e) {
		Write(ctx, fasthttp.StatusInternalServerError,
			"internal server error", TypeServerError, CodeInternalError)
		return
	}

	switch e.Kind {
	case KindUnauthorized:
		Write(ctx, e.HTTPStatus(), e.Detail, TypeAuthenticationErr, CodeInvalidAPIKey)
	case KindForbidden:
		Write(ctx, e.HTTPStatus(), e.Detail, TypePermissionErr, CodeModelNotPermitted)
	case KindRateLimited:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, e.HTTPStatus(), e.Detail, TypeRateLimitError, CodeRateLimitExceeded)
	case KindUpstreamUnreachable:
		Write(ctx, e.HTTPStatus(), e.Detail, TypeUpstreamError, CodeUpstreamTimeout)
	case KindUpstreamProtocol:
		Write(ctx, e.HTTPStatus(), e.Detail, TypeUpstreamError, CodeUpstreamProtocol)
	default:
		Write(ctx, e.HTTPStatus(), "internal server error", TypeServerError, CodeInternalError)
	}
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
