package comfort

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedEnvelope is returned when the upstream body is not JSON at all.
var ErrMalformedEnvelope = errors.New("comfort: malformed upstream envelope")

// Envelope is the subset of a chat-completion response the parser needs.
type Envelope struct {
	Model        string
	FinishReason string
	Content      string
}

// ParseEnvelope extracts the model name, finish reason and message content
// from a raw chat-completion body. Missing fields are empty; a missing model
// falls back to defaultModel.
func ParseEnvelope(raw []byte, defaultModel string) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, ErrMalformedEnvelope
	}

	res := gjson.GetManyBytes(raw, "model", "choices.0.finish_reason", "choices.0.message.content")
	env := Envelope{
		Model:        res[0].String(),
		FinishReason: res[1].String(),
		Content:      res[2].String(),
	}
	if env.Model == "" {
		env.Model = defaultModel
	}
	return env, nil
}

// ParseKind tags the outcome of TryParse.
type ParseKind int

const (
	NonJSON ParseKind = iota
	Parsed
)

func (k ParseKind) String() string {
	if k == Parsed {
		return "parsed"
	}
	return "non_json"
}

// ParseResult is the tagged result of TryParse. Value holds the decoded JSON
// value when Kind is Parsed.
type ParseResult struct {
	Kind  ParseKind
	Value any
	// Extracted is true when the value came from the brace-span fallback.
	Extracted bool
}

// TryParse decodes model content in two stages: a direct parse of the whole
// string, then a parse of the span from the first '{' to the last '}'. The
// second stage recovers objects wrapped in prose or code fences.
func TryParse(content string) ParseResult {
	if v, ok := decodeJSON(content); ok {
		return ParseResult{Kind: Parsed, Value: v}
	}

	span := braceSpan(content)
	if span == "" {
		return ParseResult{Kind: NonJSON}
	}
	if v, ok := decodeJSON(span); ok {
		return ParseResult{Kind: Parsed, Value: v, Extracted: true}
	}
	return ParseResult{Kind: NonJSON}
}

func decodeJSON(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func braceSpan(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// SchemaError reports model output that could not be turned into a Payload.
// Raw is the untouched model content, kept for diagnostics only.
type SchemaError struct {
	Raw    string
	Reason string
	// NonJSON is set when no JSON object could be recovered at all.
	NonJSON bool
}

func (e *SchemaError) Error() string {
	if e.NonJSON {
		return "comfort: model returned non-JSON content"
	}
	return fmt.Sprintf("comfort: invalid model output schema: %s", e.Reason)
}

// Validate checks a decoded JSON value against the payload schema and
// converts it to a Payload.
func Validate(v any) (*Payload, error) {
	if err := validateShape(v); err != nil {
		return nil, &SchemaError{Reason: err.Error()}
	}

	data, err := json.Marshal(trustedExt(v))
	if err != nil {
		return nil, &SchemaError{Reason: err.Error()}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &SchemaError{Reason: err.Error()}
	}
	return &p, nil
}

// trustedExt returns a shallow copy of the decoded object whose ext keeps only
// string-valued echoed ids. Debug and any other ext members are dropped;
// Overlay stamps them afterwards.
func trustedExt(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	ext, _ := obj["ext"].(map[string]any)
	clean := make(map[string]any, 2)
	for _, key := range []string{"clientId", "requestId"} {
		if s, ok := ext[key].(string); ok {
			clean[key] = s
		}
	}

	out := make(map[string]any, len(obj))
	for k, val := range obj {
		out[k] = val
	}
	out["ext"] = clean
	return out
}

// Overlay stamps server-authoritative values onto p. Echoed ids fall back to
// the request values only when the model left them empty; debug fields are
// always taken from the envelope. Categories outside the closed set become
// CategoryOther. Nil slices are replaced with empty ones so the response
// always carries arrays.
func Overlay(p *Payload, req Request, env Envelope) {
	if p.Ext.ClientID == "" {
		p.Ext.ClientID = req.ClientID
	}
	if p.Ext.RequestID == "" {
		p.Ext.RequestID = req.RequestID
	}
	p.Ext.Debug = Debug{
		Model:        env.Model,
		FinishReason: env.FinishReason,
	}

	if !Category(p.Category).Valid() {
		p.Category = string(CategoryOther)
	}

	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.SQLHint.Entities == nil {
		p.SQLHint.Entities = []string{}
	}
}

// Decode runs the full pipeline on model content: TryParse, Validate and
// Overlay. Failures are always *SchemaError carrying the raw content.
func Decode(req Request, env Envelope) (*Payload, error) {
	res := TryParse(env.Content)
	if res.Kind == NonJSON {
		return nil, &SchemaError{Raw: env.Content, NonJSON: true, Reason: "no JSON object found"}
	}

	p, err := Validate(res.Value)
	if err != nil {
		var se *SchemaError
		if errors.As(err, &se) {
			se.Raw = env.Content
		}
		return nil, err
	}

	Overlay(p, req, env)
	return p, nil
}
