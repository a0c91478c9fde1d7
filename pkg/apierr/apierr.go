// Package apierr writes the flat JSON error bodies returned by the comfort
// endpoint. Every body carries an "error" string; some carry extra
// diagnostic fields.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ContentType is set on every JSON response.
const ContentType = "application/json; charset=utf-8"

// Error messages. Clients match on these strings.
const (
	MsgMethodNotAllowed  = "Method Not Allowed"
	MsgRateLimited       = "Rate limit exceeded"
	MsgMissingCredential = "Missing DASHSCOPE_API_KEY"
	MsgInvalidBody       = "Invalid JSON body"
	MsgMissingProblem    = "Missing problem"
	MsgProblemTooLong    = "Problem too long"
	MsgUpstreamError     = "Upstream error"
	MsgInvalidSchema     = "Invalid model output schema"
	MsgUpstreamTimeout   = "Upstream timeout"
	MsgUpstreamFailed    = "Upstream request failed"
	MsgInternal          = "Internal Server Error"
	MsgNotFound          = "Not Found"
)

type (
	// Body is the plain {error} shape.
	Body struct {
		Error string `json:"error"`
	}

	// RateLimitBody adds the retry hint.
	RateLimitBody struct {
		Error             string `json:"error"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}

	// UpstreamBody is returned for non-success upstream statuses.
	UpstreamBody struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Body      string `json:"body"`
		RequestID string `json:"requestId"`
	}

	// SchemaBody is returned when model output fails validation.
	SchemaBody struct {
		Error     string `json:"error"`
		Raw       string `json:"raw"`
		RequestID string `json:"requestId"`
	}

	// FailureBody is returned for timeouts and transport failures.
	FailureBody struct {
		Error     string `json:"error"`
		RequestID string `json:"requestId"`
	}
)

// WriteJSON writes v as the response body with status.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType(ContentType)
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		body = []byte(`{"error":"` + MsgInternal + `"}`)
	}
	ctx.SetBody(body)
}

// Write writes a plain {error} body.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	WriteJSON(ctx, status, Body{Error: message})
}

// WriteMethodNotAllowed writes a 405.
func WriteMethodNotAllowed(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Allow", fasthttp.MethodPost)
	Write(ctx, fasthttp.StatusMethodNotAllowed, MsgMethodNotAllowed)
}

// WriteRateLimit writes a 429 with a matching Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	WriteJSON(ctx, fasthttp.StatusTooManyRequests, RateLimitBody{
		Error:             MsgRateLimited,
		RetryAfterSeconds: retryAfterSeconds,
	})
}

// WriteBadRequest writes a 400 with message.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message)
}

// WriteMissingCredential writes the 500 for an unconfigured API key. The body
// never contains secret material.
func WriteMissingCredential(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, MsgMissingCredential)
}

// WriteUpstreamStatus writes a 502 carrying the upstream status and body.
func WriteUpstreamStatus(ctx *fasthttp.RequestCtx, status int, body, requestID string) {
	WriteJSON(ctx, fasthttp.StatusBadGateway, UpstreamBody{
		Error:     MsgUpstreamError,
		Status:    status,
		Body:      body,
		RequestID: requestID,
	})
}

// WriteInvalidSchema writes a 502 carrying the raw model content.
func WriteInvalidSchema(ctx *fasthttp.RequestCtx, raw, requestID string) {
	WriteJSON(ctx, fasthttp.StatusBadGateway, SchemaBody{
		Error:     MsgInvalidSchema,
		Raw:       raw,
		RequestID: requestID,
	})
}

// WriteTimeout writes a 502 for an aborted upstream call.
func WriteTimeout(ctx *fasthttp.RequestCtx, requestID string) {
	WriteJSON(ctx, fasthttp.StatusBadGateway, FailureBody{Error: MsgUpstreamTimeout, RequestID: requestID})
}

// WriteUpstreamFailed writes a 502 for transport and other upstream failures.
func WriteUpstreamFailed(ctx *fasthttp.RequestCtx, requestID string) {
	WriteJSON(ctx, fasthttp.StatusBadGateway, FailureBody{Error: MsgUpstreamFailed, RequestID: requestID})
}

// WriteInternal writes a generic 500.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, MsgInternal)
}
