package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/crushworry/comfort-gateway/internal/comfort"
	"github.com/crushworry/comfort-gateway/internal/logger"
	"github.com/crushworry/comfort-gateway/internal/metrics"
	"github.com/crushworry/comfort-gateway/internal/prompt"
	"github.com/crushworry/comfort-gateway/internal/ratelimit"
	"github.com/crushworry/comfort-gateway/internal/upstream"
	"github.com/crushworry/comfort-gateway/pkg/apierr"
)

// --- helpers ----------------------------------------------------------------

// stubCompleter returns canned completions without any network traffic.
type stubCompleter struct {
	noKey bool
	model string
	calls atomic.Int32
	fn    func(ctx context.Context, msgs []prompt.Message) (*upstream.Completion, error)
}

func (c *stubCompleter) Complete(ctx context.Context, msgs []prompt.Message) (*upstream.Completion, error) {
	c.calls.Add(1)
	return c.fn(ctx, msgs)
}

func (c *stubCompleter) HasCredential() bool { return !c.noKey }

func (c *stubCompleter) Model() string {
	if c.model == "" {
		return upstream.DefaultModel
	}
	return c.model
}

// okCompleter answers with an envelope carrying content.
func okCompleter(content, model, finish string) *stubCompleter {
	raw := envelope(content, model, finish)
	return &stubCompleter{fn: func(context.Context, []prompt.Message) (*upstream.Completion, error) {
		return &upstream.Completion{Raw: raw}, nil
	}}
}

func envelope(content, model, finish string) []byte {
	m := map[string]any{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": finish,
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
	if model != "" {
		m["model"] = model
	}
	b, _ := json.Marshal(m)
	return b
}

// payloadContent builds model output with n comfort sentences. The debug
// fields are deliberately filled with values the server must overwrite.
func payloadContent(n int, category string) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "睡不好的日子里，你依然撑过来了。"
	}
	b, _ := json.Marshal(map[string]any{
		"version":     comfort.Version,
		"language":    "zh-CN",
		"category":    category,
		"comfort":     lines,
		"affirmation": "你值得好好休息。",
		"tags":        []string{"睡眠", "疲惫"},
		"sql_hint":    map[string]any{"topic": "sleep", "emotion": "tired", "severity": "", "entities": []string{}},
		"ext": map[string]any{
			"clientId":  "",
			"requestId": "",
			"debug":     map[string]any{"model": "hallucinated", "finish_reason": "length"},
		},
	})
	return string(b)
}

func newTestServer(limiter Limiter, up Completer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(limiter, up, opts)
}

func newMemoryLimiter(t *testing.T, opts ...ratelimit.Option) *ratelimit.Limiter {
	t.Helper()
	store := ratelimit.NewMemoryStore(context.Background())
	t.Cleanup(store.Close)
	return ratelimit.New(store, opts...)
}

// serve starts the full middleware pipeline on an in-memory listener and
// returns an HTTP client that routes to it.
func serve(t *testing.T, s *Server) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, s.Handler())
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func do(t *testing.T, client *http.Client, method, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func post(t *testing.T, client *http.Client, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, data := do(t, client, http.MethodPost, RouteComfort, []byte(body), nil)
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, data)
	}
	return resp, m
}

// --- scenarios --------------------------------------------------------------

func TestComfort_Success(t *testing.T) {
	up := okCompleter(payloadContent(3, "health"), "qwen-plus-2025-01-25", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"我最近睡不好","clientId":"c-1","requestId":"r-1"}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, m)
	}
	if ct := resp.Header.Get("Content-Type"); ct != apierr.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if lines, _ := m["comfort"].([]any); len(lines) != 3 {
		t.Errorf("comfort length = %d, want 3", len(lines))
	}
	if m["version"] != comfort.Version || m["category"] != "health" {
		t.Errorf("unexpected payload: %v", m)
	}

	ext := m["ext"].(map[string]any)
	debug := ext["debug"].(map[string]any)
	if debug["model"] != "qwen-plus-2025-01-25" || debug["finish_reason"] != "stop" {
		t.Errorf("debug not stamped from envelope: %v", debug)
	}
	if ext["clientId"] != "c-1" || ext["requestId"] != "r-1" {
		t.Errorf("ids not echoed: %v", ext)
	}
	if resp.Header.Get("X-Request-ID") == "" || resp.Header.Get("X-Response-Time") == "" {
		t.Error("missing middleware headers")
	}
}

func TestComfort_PromptReachesUpstream(t *testing.T) {
	var got []prompt.Message
	up := &stubCompleter{fn: func(_ context.Context, msgs []prompt.Message) (*upstream.Completion, error) {
		got = msgs
		return &upstream.Completion{Raw: envelope(payloadContent(2, "stress"), "", "stop")}, nil
	}}
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"  考试   压力好大  ","locale":"zh_cn"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, m)
	}
	if len(got) != 2 || got[0].Role != prompt.RoleSystem || got[1].Role != prompt.RoleUser {
		t.Fatalf("unexpected messages: %+v", got)
	}
	if !strings.Contains(got[1].Content, `"考试 压力好大"`) {
		t.Errorf("user prompt does not carry the normalised problem")
	}
	if !strings.Contains(got[1].Content, `"zh-CN"`) {
		t.Errorf("user prompt does not carry the canonical locale")
	}

	// Envelope had no model field: the configured model is reported.
	debug := m["ext"].(map[string]any)["debug"].(map[string]any)
	if debug["model"] != upstream.DefaultModel {
		t.Errorf("debug.model = %v, want default", debug["model"])
	}
}

func TestComfort_EmptyProblem(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	for _, body := range []string{`{"problem":""}`, `{"problem":"   \n\t "}`, `{}`, ``, `{"problem":12}`} {
		resp, m := post(t, client, body)
		if resp.StatusCode != http.StatusBadRequest || m["error"] != apierr.MsgMissingProblem {
			t.Errorf("body %q: got %d %v", body, resp.StatusCode, m)
		}
	}
	if up.calls.Load() != 0 {
		t.Error("upstream must not be called for invalid input")
	}
}

func TestComfort_ProblemLengthBoundary(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	ok := strings.Repeat("烦", comfort.MaxProblemLength)
	resp, m := post(t, client, `{"problem":"`+ok+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("240 characters: status %d %v", resp.StatusCode, m)
	}

	resp, m = post(t, client, `{"problem":"`+ok+`烦"}`)
	if resp.StatusCode != http.StatusBadRequest || m["error"] != apierr.MsgProblemTooLong {
		t.Errorf("241 characters: got %d %v", resp.StatusCode, m)
	}
}

func TestComfort_InvalidJSON(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	for _, body := range []string{`{"problem": "unterminated`, "   ", "\n"} {
		resp, m := post(t, client, body)
		if resp.StatusCode != http.StatusBadRequest || m["error"] != apierr.MsgInvalidBody {
			t.Errorf("body %q: got %d %v", body, resp.StatusCode, m)
		}
	}
}

func TestComfort_MethodNotAllowed(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		resp, data := do(t, client, method, RouteComfort, nil, nil)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d", method, resp.StatusCode)
		}
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		if m["error"] != apierr.MsgMethodNotAllowed {
			t.Errorf("%s: body = %s", method, data)
		}
	}
}

func TestComfort_OptionsWithoutPreflightHeaders(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	for _, headers := range []map[string]string{
		nil,
		{"Origin": "https://app.example"},
		{"Access-Control-Request-Method": "POST"},
	} {
		resp, data := do(t, client, http.MethodOptions, RouteComfort, nil, headers)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("headers %v: status = %d", headers, resp.StatusCode)
		}
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		if m["error"] != apierr.MsgMethodNotAllowed {
			t.Errorf("headers %v: body = %s", headers, data)
		}
	}
	if up.calls.Load() != 0 {
		t.Error("upstream must not be called")
	}
}

func TestComfort_MissingCredential(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	up.noKey = true
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"x"}`)
	if resp.StatusCode != http.StatusInternalServerError || m["error"] != apierr.MsgMissingCredential {
		t.Fatalf("got %d %v", resp.StatusCode, m)
	}
	if up.calls.Load() != 0 {
		t.Error("upstream must not be called without a credential")
	}
}

func TestComfort_CredentialCheckedBeforeBody(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	up.noKey = true
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `not json`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("got %d %v", resp.StatusCode, m)
	}
}

func TestComfort_RateLimited(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	headers := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}
	body := []byte(`{"problem":"又失眠了"}`)
	for i := 0; i < ratelimit.DefaultMax; i++ {
		resp, data := do(t, client, http.MethodPost, RouteComfort, body, headers)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d %s", i+1, resp.StatusCode, data)
		}
	}

	resp, data := do(t, client, http.MethodPost, RouteComfort, body, headers)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("request 31: status %d %s", resp.StatusCode, data)
	}
	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Fatalf("Retry-After = %q, want a positive integer", resp.Header.Get("Retry-After"))
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	if m["error"] != apierr.MsgRateLimited || m["retryAfterSeconds"] != float64(retry) {
		t.Errorf("unexpected body: %s", data)
	}

	// A different client is unaffected.
	resp, _ = do(t, client, http.MethodPost, RouteComfort, body, map[string]string{"X-Forwarded-For": "198.51.100.2"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("other client: status %d", resp.StatusCode)
	}
	if up.calls.Load() != ratelimit.DefaultMax+1 {
		t.Errorf("upstream calls = %d, want %d", up.calls.Load(), ratelimit.DefaultMax+1)
	}
}

func TestComfort_UpstreamHTTPError(t *testing.T) {
	up := &stubCompleter{fn: func(context.Context, []prompt.Message) (*upstream.Completion, error) {
		return nil, &upstream.HTTPError{Status: 503, Body: `{"error":"overloaded"}`}
	}}
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"x","requestId":"r-9"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if m["error"] != apierr.MsgUpstreamError || m["status"] != float64(503) || m["body"] != `{"error":"overloaded"}` || m["requestId"] != "r-9" {
		t.Errorf("unexpected body: %v", m)
	}
}

func TestComfort_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	up := upstream.New(upstream.Config{
		APIKey:  "k",
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"x","requestId":"r-t"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if m["error"] != apierr.MsgUpstreamTimeout || m["requestId"] != "r-t" {
		t.Errorf("expected timeout error, got %v", m)
	}
}

func TestComfort_UpstreamTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	up := upstream.New(upstream.Config{APIKey: "k", BaseURL: srv.URL})
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"x"}`)
	if resp.StatusCode != http.StatusBadGateway || m["error"] != apierr.MsgUpstreamFailed {
		t.Fatalf("got %d %v", resp.StatusCode, m)
	}
}

func TestComfort_CircuitOpen(t *testing.T) {
	up := &stubCompleter{fn: func(context.Context, []prompt.Message) (*upstream.Completion, error) {
		return nil, upstream.ErrCircuitOpen
	}}
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"x","requestId":"r-c"}`)
	if resp.StatusCode != http.StatusBadGateway || m["error"] != apierr.MsgUpstreamFailed || m["requestId"] != "r-c" {
		t.Fatalf("got %d %v", resp.StatusCode, m)
	}
}

func TestComfort_InvalidSchema(t *testing.T) {
	content := payloadContent(1, "health")
	up := okCompleter(content, "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"x","requestId":"r-s"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if m["error"] != apierr.MsgInvalidSchema || m["raw"] != content || m["requestId"] != "r-s" {
		t.Errorf("unexpected body: %v", m)
	}
}

func TestComfort_NonJSONModelOutput(t *testing.T) {
	up := okCompleter("对不起，我现在无法回答。", "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"x"}`)
	if resp.StatusCode != http.StatusBadGateway || m["error"] != apierr.MsgUpstreamFailed {
		t.Fatalf("got %d %v", resp.StatusCode, m)
	}
	if _, ok := m["raw"]; ok {
		t.Error("raw content must only be returned for schema failures")
	}
}

func TestComfort_MalformedEnvelope(t *testing.T) {
	up := &stubCompleter{fn: func(context.Context, []prompt.Message) (*upstream.Completion, error) {
		return &upstream.Completion{Raw: []byte("<html>oops</html>")}, nil
	}}
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"x"}`)
	if resp.StatusCode != http.StatusBadGateway || m["error"] != apierr.MsgUpstreamFailed {
		t.Fatalf("got %d %v", resp.StatusCode, m)
	}
}

func TestComfort_WrappedModelOutput(t *testing.T) {
	up := okCompleter("好的：\n```json\n"+payloadContent(4, "work_study")+"\n```", "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, m := post(t, client, `{"problem":"工作做不完"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %v", resp.StatusCode, m)
	}
	if lines, _ := m["comfort"].([]any); len(lines) != 4 {
		t.Errorf("comfort length = %d, want 4", len(lines))
	}
}

// --- observability ----------------------------------------------------------

type captureLog struct {
	mu      sync.Mutex
	entries []logger.RequestLog
}

func (c *captureLog) Log(e logger.RequestLog) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func TestComfort_RecordsOutcome(t *testing.T) {
	reqLog := &captureLog{}
	reg := metrics.New()
	up := okCompleter(payloadContent(2, "money"), "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{RequestLog: reqLog, Metrics: reg}))

	post(t, client, `{"problem":"钱不够用","requestId":"r-1"}`)
	post(t, client, `{"problem":""}`)

	if len(reqLog.entries) != 2 {
		t.Fatalf("expected 2 request log entries, got %d", len(reqLog.entries))
	}
	first := reqLog.entries[0]
	if first.Outcome != OutcomeOK || first.Stage != string(StageResponding) || first.Category != "money" || first.Status != 200 || first.RequestID != "r-1" {
		t.Errorf("unexpected entry: %+v", first)
	}
	second := reqLog.entries[1]
	if second.Outcome != OutcomeInvalidRequest || second.Stage != string(StageValidating) || second.Status != 400 {
		t.Errorf("unexpected entry: %+v", second)
	}

	resp, data := do(t, client, http.MethodGet, RouteMetrics, nil, nil)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(`comfort_outcomes_total{outcome="comfort_ok"} 1`)) {
		t.Errorf("metrics missing outcome counter: %s", data)
	}
}

func TestPreflight(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")
	client := serve(t, newTestServer(newMemoryLimiter(t), up, Options{}))

	resp, _ := do(t, client, http.MethodOptions, RouteComfort, nil, map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "POST",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header")
	}
	if up.calls.Load() != 0 {
		t.Error("preflight must not reach the handler")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	up := okCompleter(payloadContent(2, "other"), "m", "stop")

	var failing atomic.Bool
	s := newTestServer(newMemoryLimiter(t), up, Options{
		Version: "test",
		Ready: func(context.Context) error {
			if failing.Load() {
				return io.ErrUnexpectedEOF
			}
			return nil
		},
	})
	client := serve(t, s)

	resp, data := do(t, client, http.MethodGet, RouteHealth, nil, nil)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(`"version":"test"`)) {
		t.Errorf("health: %d %s", resp.StatusCode, data)
	}

	resp, _ = do(t, client, http.MethodGet, RouteReadiness, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness: %d", resp.StatusCode)
	}

	failing.Store(true)
	resp, _ = do(t, client, http.MethodGet, RouteReadiness, nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness when store is down: %d", resp.StatusCode)
	}

	resp, data = do(t, client, http.MethodGet, "/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound || !bytes.Contains(data, []byte(apierr.MsgNotFound)) {
		t.Errorf("not found: %d %s", resp.StatusCode, data)
	}
}
