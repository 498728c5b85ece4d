// Package apierr defines the JSON error envelope returned by every endpoint
// and helpers for the common failure modes.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Error types group failures by who should act on them.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimitError = "rate_limit_error"
	TypeBudgetError    = "budget_error"
	TypeProviderError  = "provider_error"
	TypeServerError    = "server_error"
)

// Error codes identify the specific failure.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeBudgetExceeded    = "budget_exceeded"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInternalError     = "internal_error"
)

// APIError is the structured error returned to clients.
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

// Write serialises the envelope to the response with the given HTTP status.
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

// WriteProviderError translates an upstream provider status into the
// orchestrator's response.
//
//	Provider 429 → 429 + Retry-After: 60
//	Anything else → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	if providerStatus == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
}

// WriteTimeout writes a 504 when the upstream call exceeded its deadline.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteBudgetExceeded writes a 402 when a spending cap refuses the request.
func WriteBudgetExceeded(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusPaymentRequired, msg, TypeBudgetError, CodeBudgetExceeded)
}

// WriteRateLimit writes a 429 when the global request window is exhausted.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
