// Package upstream calls the OpenAI-compatible chat-completion endpoint that
// generates comfort text. It returns the raw response envelope untouched;
// parsing belongs to the comfort package.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/crushworry/comfort-gateway/internal/prompt"
)

const (
	DefaultBaseURL     = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultModel       = "qwen-plus"
	DefaultTemperature = 0.6
	DefaultMaxTokens   = 400
	DefaultTimeout     = 12 * time.Second
)

// Config describes the upstream endpoint and generation parameters.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Completion is a successful upstream reply.
type Completion struct {
	// Raw is the response body exactly as received.
	Raw     []byte
	Elapsed time.Duration
}

// Client issues chat-completion calls. It never retries.
type Client struct {
	cfg    Config
	client openaiSDK.Client
}

type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
}

// WithHTTPClient replaces the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// New creates a Client. Zero-valued fields in cfg take the package defaults,
// except Temperature, which is sent as given.
func New(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()

	o := clientOptions{httpClient: &http.Client{}}
	for _, fn := range opts {
		fn(&o)
	}

	return &Client{
		cfg: cfg,
		client: openaiSDK.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
			option.WithHTTPClient(o.httpClient),
			option.WithMaxRetries(0),
		),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration { return c.cfg.Timeout }

// HasCredential reports whether an API key is configured.
func (c *Client) HasCredential() bool { return c.cfg.APIKey != "" }

// Complete sends msgs and returns the raw response envelope. The call is
// bounded by the configured timeout; the deadline is released on every
// return path.
func (c *Client) Complete(ctx context.Context, msgs []prompt.Message) (*Completion, error) {
	if !c.HasCredential() {
		return nil, ErrMissingCredential
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := openaiSDK.ChatCompletionNewParams{
		Messages:    toSDKMessages(msgs),
		Model:       c.cfg.Model,
		Temperature: openaiSDK.Float(c.cfg.Temperature),
		MaxTokens:   openaiSDK.Int(int64(c.cfg.MaxTokens)),
	}

	var (
		raw     []byte
		httpRes *http.Response
	)
	start := time.Now()
	_, err := c.client.Chat.Completions.New(ctx, params,
		option.WithJSONSet("stream", false),
		option.WithResponseInto(&httpRes),
		option.WithResponseBodyInto(&raw),
	)
	elapsed := time.Since(start)

	if err != nil {
		return nil, c.classify(ctx, err, httpRes)
	}
	return &Completion{Raw: raw, Elapsed: elapsed}, nil
}

// classify maps an SDK failure to TimeoutError, HTTPError or TransportError.
func (c *Client) classify(ctx context.Context, err error, res *http.Response) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{After: c.cfg.Timeout}
	}

	if res != nil && res.StatusCode >= http.StatusBadRequest {
		return &HTTPError{Status: res.StatusCode, Body: readBody(res)}
	}

	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &HTTPError{Status: apiErr.StatusCode, Body: readBody(apiErr.Response)}
	}

	return &TransportError{Err: err}
}

func readBody(res *http.Response) string {
	if res == nil || res.Body == nil {
		return ""
	}
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return ""
	}
	return string(b)
}

func toSDKMessages(msgs []prompt.Message) []openaiSDK.ChatCompletionMessageParamUnion {
	out := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case prompt.RoleSystem:
			out = append(out, openaiSDK.SystemMessage(m.Content))
		default:
			out = append(out, openaiSDK.UserMessage(m.Content))
		}
	}
	return out
}

// String describes the client for startup logs. The key is never included.
func (c *Client) String() string {
	return fmt.Sprintf("upstream(model=%s base=%s timeout=%s)", c.cfg.Model, c.cfg.BaseURL, c.cfg.Timeout)
}
