// Package comfort defines the comfort.v1 payload contract and the request
// and response handling around it: inbound request sanitising, the
// declarative output schema, and the defensive parser that turns raw model
// output into a trusted payload.
package comfort

// Version is the literal tag every payload carries.
const Version = "comfort.v1"

// Category is the closed set of worry categories a model may assign.
type Category string

const (
	CategoryRelationship Category = "relationship"
	CategoryWorkStudy    Category = "work_study"
	CategoryFamily       Category = "family"
	CategoryHealth       Category = "health"
	CategoryMoney        Category = "money"
	CategorySelfWorth    Category = "self_worth"
	CategoryFuture       Category = "future"
	CategoryStress       Category = "stress"
	CategoryOther        Category = "other"
)

// Categories lists every category in prompt order. CategoryOther is last.
var Categories = []Category{
	CategoryRelationship,
	CategoryWorkStudy,
	CategoryFamily,
	CategoryHealth,
	CategoryMoney,
	CategorySelfWorth,
	CategoryFuture,
	CategoryStress,
	CategoryOther,
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Comfort sentence bounds.
const (
	MinComfort = 2
	MaxComfort = 4
)

type (
	// Payload is the comfort.v1 response contract. The JSON Schema used to
	// validate model output is reflected from this type (see schema.go), so
	// the jsonschema tags here are the single source of truth for the shape.
	Payload struct {
		Version     string   `json:"version" jsonschema:"required,enum=comfort.v1"`
		Language    string   `json:"language" jsonschema:"required"`
		Category    string   `json:"category" jsonschema:"required"`
		Comfort     []string `json:"comfort" jsonschema:"required,minItems=2,maxItems=4"`
		Affirmation string   `json:"affirmation" jsonschema:"required"`
		Tags        []string `json:"tags" jsonschema:"required"`
		SQLHint     SQLHint  `json:"sql_hint" jsonschema:"required"`
		Ext         Ext      `json:"ext" jsonschema:"required"`
	}

	// SQLHint is reserved for future structured queries. Only member types
	// are checked.
	SQLHint struct {
		Topic    string   `json:"topic"`
		Emotion  string   `json:"emotion"`
		Severity string   `json:"severity"`
		Entities []string `json:"entities"`
	}

	// Ext carries echoed correlation ids and server-stamped debug data.
	Ext struct {
		ClientID  string `json:"clientId"`
		RequestID string `json:"requestId"`
		Debug     Debug  `json:"debug"`
	}

	// Debug is always overwritten from the upstream envelope.
	Debug struct {
		Model        string `json:"model"`
		FinishReason string `json:"finish_reason"`
	}
)
