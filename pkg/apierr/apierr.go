// Package apierr provides structured API error bodies and HTTP status
// mapping for the warmer endpoints.
//
// Every error body has the same shape:
//
//	{"success": false, "error": {"message": "...", "type": "...", "code": "..."}}
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeUpstreamError     = "upstream_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeUnauthorized      = "unauthorized"
	CodeInvalidLocation   = "invalid_location"
	CodeInvalidRequest    = "invalid_request"
	CodeInternalError     = "internal_error"
	CodeUpstreamError     = "upstream_error"
	CodeUpstreamAuth      = "upstream_auth_failed"
	CodeRequestTimeout    = "request_timeout"
	CodeStoreError        = "store_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Success bool     `json:"success"`
		Error   APIError `json:"error"`
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

// WriteUpstreamError maps an upstream HTTP status to the warmer's status.
//
//	Upstream 429  → 429 + Retry-After: 60
//	Upstream 401  → 502 upstream_auth_failed
//	Upstream 5xx  → 502
//	Default       → 502
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case upstreamStatus == fasthttp.StatusUnauthorized || upstreamStatus == fasthttp.StatusForbidden:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamAuth)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeUpstreamError, CodeRequestTimeout)
}

// WriteUnauthorized writes a 401 with a Bearer challenge.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, msg string) {
	ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="warm"`)
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeUnauthorized)
}
