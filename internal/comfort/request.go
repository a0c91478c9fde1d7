package comfort

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxProblemLength is the upper bound on the normalised problem text,
// counted in Unicode code points.
const MaxProblemLength = 240

var (
	ErrInvalidBody    = errors.New("comfort: invalid JSON body")
	ErrMissingProblem = errors.New("comfort: missing problem")
	ErrProblemTooLong = errors.New("comfort: problem too long")
)

// Request is a sanitised inbound comfort request. ClientID and RequestID are
// echoed back and used for log correlation only; they are never trusted for
// identity.
type Request struct {
	Problem   string
	Locale    string
	ClientID  string
	RequestID string
}

// DecodeRequest parses an inbound JSON body. A zero-length body yields an
// empty request; a body of only whitespace is invalid JSON. Fields that are absent or not strings are treated as empty, and a
// body that is valid JSON but not an object is treated as empty too. Only
// syntactically invalid JSON is an error.
func DecodeRequest(body []byte) (Request, error) {
	if len(body) == 0 {
		return Request{}, nil
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Request{}, ErrInvalidBody
	}

	fields, _ := raw.(map[string]any)
	return Request{
		Problem:   Normalize(stringField(fields, "problem")),
		Locale:    Normalize(stringField(fields, "locale")),
		ClientID:  Normalize(stringField(fields, "clientId")),
		RequestID: Normalize(stringField(fields, "requestId")),
	}, nil
}

// Validate checks the normalised problem text.
func (r Request) Validate() error {
	if r.Problem == "" {
		return ErrMissingProblem
	}
	if utf8.RuneCountInString(r.Problem) > MaxProblemLength {
		return ErrProblemTooLong
	}
	return nil
}

// Normalize collapses every run of whitespace to a single space and trims
// both ends. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
