package apierr_test

import (
	"encoding/json"
	"testing"

	"github.com/crushworry/comfort-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &m); err != nil {
		t.Fatalf("body is not JSON: %v (%s)", err, ctx.Response.Body())
	}
	return m
}

func TestWriteRateLimit(t *testing.T) {
	var ctx fasthttp.RequestCtx
	apierr.WriteRateLimit(&ctx, 17)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "17" {
		t.Errorf("Retry-After = %q", got)
	}
	if got := string(ctx.Response.Header.ContentType()); got != apierr.ContentType {
		t.Errorf("Content-Type = %q", got)
	}
	m := decode(t, &ctx)
	if m["error"] != apierr.MsgRateLimited || m["retryAfterSeconds"] != float64(17) {
		t.Errorf("unexpected body: %v", m)
	}
}

func TestWriteUpstreamStatus(t *testing.T) {
	var ctx fasthttp.RequestCtx
	apierr.WriteUpstreamStatus(&ctx, 503, `{"error":"busy"}`, "r-1")

	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	m := decode(t, &ctx)
	if m["error"] != apierr.MsgUpstreamError || m["status"] != float64(503) || m["body"] != `{"error":"busy"}` || m["requestId"] != "r-1" {
		t.Errorf("unexpected body: %v", m)
	}
}

func TestWriteInvalidSchema(t *testing.T) {
	var ctx fasthttp.RequestCtx
	apierr.WriteInvalidSchema(&ctx, "not json", "")

	m := decode(t, &ctx)
	if m["error"] != apierr.MsgInvalidSchema || m["raw"] != "not json" {
		t.Errorf("unexpected body: %v", m)
	}
	if _, ok := m["requestId"]; !ok {
		t.Error("requestId must be present even when empty")
	}
}

func TestWriteFlatBodies(t *testing.T) {
	tests := []struct {
		name   string
		write  func(*fasthttp.RequestCtx)
		status int
		msg    string
	}{
		{"method", apierr.WriteMethodNotAllowed, 405, apierr.MsgMethodNotAllowed},
		{"credential", apierr.WriteMissingCredential, 500, apierr.MsgMissingCredential},
		{"bad request", func(c *fasthttp.RequestCtx) { apierr.WriteBadRequest(c, apierr.MsgMissingProblem) }, 400, apierr.MsgMissingProblem},
		{"timeout", func(c *fasthttp.RequestCtx) { apierr.WriteTimeout(c, "r") }, 502, apierr.MsgUpstreamTimeout},
		{"failed", func(c *fasthttp.RequestCtx) { apierr.WriteUpstreamFailed(c, "r") }, 502, apierr.MsgUpstreamFailed},
		{"internal", apierr.WriteInternal, 500, apierr.MsgInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctx fasthttp.RequestCtx
			tt.write(&ctx)
			if ctx.Response.StatusCode() != tt.status {
				t.Errorf("status = %d, want %d", ctx.Response.StatusCode(), tt.status)
			}
			if m := decode(t, &ctx); m["error"] != tt.msg {
				t.Errorf("error = %v, want %q", m["error"], tt.msg)
			}
		})
	}
}
