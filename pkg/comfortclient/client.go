// Package comfortclient is a Go client for the comfort gateway.
//
// Client.Comfort always returns something to show: the gateway's answer when
// it is usable, otherwise a locally generated message from a Fallback.
//
//	c := comfortclient.New("http://localhost:8080")
//	msg, _ := c.Comfort(ctx, "明天要汇报，好紧张")
//	fmt.Println(msg.Comfort, msg.Affirmation)
package comfortclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

// DefaultTimeout bounds one gateway call.
const DefaultTimeout = 2500 * time.Millisecond

// ComfortPath is the gateway route.
const ComfortPath = "/api/comfort"

// Minimum usable reply, and how many sentences are kept.
const (
	minComfort = 2
	maxComfort = 4
)

// Source tells where a Message came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// Message is what a caller shows to the user.
type Message struct {
	Problem     string
	Category    string
	Comfort     []string
	Affirmation string
	Source      Source
}

var (
	// ErrStatus is returned by Fetch for a non-2xx gateway response.
	ErrStatus = errors.New("comfortclient: unexpected status")

	// ErrUnusable is returned by Fetch when the reply has fewer than two
	// comfort sentences or a blank affirmation.
	ErrUnusable = errors.New("comfortclient: unusable reply")
)

// StatusError carries the gateway status and its error string, if any.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("comfortclient: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("comfortclient: unexpected status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client calls the gateway. It is safe for concurrent use.
type Client struct {
	baseURL  string
	hc       *fasthttp.Client
	timeout  time.Duration
	locale   string
	clientID string
	fallback Fallback

	seq atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLocale sets the locale hint. Default "zh-CN".
func WithLocale(locale string) Option {
	return func(c *Client) { c.locale = locale }
}

// WithClientID sets the clientId echoed by the gateway.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

// WithFallback replaces the LocalPicker fallback.
func WithFallback(f Fallback) Option {
	return func(c *Client) {
		if f != nil {
			c.fallback = f
		}
	}
}

// WithHTTPClient replaces the fasthttp client.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// New creates a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		hc:       &fasthttp.Client{Name: "comfortclient"},
		timeout:  DefaultTimeout,
		locale:   "zh-CN",
		fallback: LocalPicker{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Comfort asks the gateway and falls back to the local generator on any
// failure or unusable reply. The returned error is the reason for the
// fallback and is nil when the gateway answered.
func (c *Client) Comfort(ctx context.Context, problem string) (Message, error) {
	msg, err := c.Fetch(ctx, problem)
	if err != nil {
		return c.fallback.Comfort(problem), err
	}
	return *msg, nil
}

type request struct {
	Problem   string `json:"problem"`
	Locale    string `json:"locale"`
	ClientID  string `json:"clientId"`
	RequestID string `json:"requestId"`
}

// Fetch calls the gateway once with no fallback. Each call carries the next
// value of a per-client request counter as requestId.
func (c *Client) Fetch(ctx context.Context, problem string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := sanitize(problem)
	if text == "" {
		text = BlankProblem
	}

	body, err := json.Marshal(request{
		Problem:   text,
		Locale:    c.locale,
		ClientID:  c.clientID,
		RequestID: strconv.FormatUint(c.seq.Add(1), 10),
	})
	if err != nil {
		return nil, fmt.Errorf("comfortclient: encode request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + ComfortPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := c.hc.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
		return nil, fmt.Errorf("comfortclient: request: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return nil, &StatusError{Status: status, Message: gjson.GetBytes(resp.Body(), "error").String()}
	}

	return parseReply(resp.Body(), text)
}

// deadline is the earlier of the client timeout and the ctx deadline.
func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// parseReply reads the fields a caller shows. Values of the wrong type are
// treated as absent.
func parseReply(body []byte, problem string) (*Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrUnusable)
	}
	fields := gjson.GetManyBytes(body, "comfort", "affirmation", "category")

	var lines []string
	if fields[0].IsArray() {
		for _, v := range fields[0].Array() {
			if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
				lines = append(lines, v.Str)
			}
		}
	}
	if len(lines) > maxComfort {
		lines = lines[:maxComfort]
	}

	var affirmation string
	if fields[1].Type == gjson.String {
		affirmation = fields[1].Str
	}
	category := "other"
	if fields[2].Type == gjson.String {
		category = fields[2].Str
	}

	if len(lines) < minComfort || strings.TrimSpace(affirmation) == "" {
		return nil, fmt.Errorf("%w: %d comfort sentences", ErrUnusable, len(lines))
	}

	return &Message{
		Problem:     problem,
		Category:    category,
		Comfort:     lines,
		Affirmation: affirmation,
		Source:      SourceRemote,
	}, nil
}
