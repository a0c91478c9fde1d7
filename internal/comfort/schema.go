package comfort

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "comfort.v1.schema.json"

var (
	schemaDoc     = mustReflectSchema()
	payloadSchema = validator.MustCompileString(schemaURL, string(schemaDoc))
)

// SchemaJSON returns the JSON Schema document reflected from Payload.
func SchemaJSON() []byte {
	out := make([]byte, len(schemaDoc))
	copy(out, schemaDoc)
	return out
}

// mustReflectSchema builds the schema from the Payload struct tags. Top-level
// fields are required. Nested sql_hint members are typed but optional, ext is
// any object, and extra properties are tolerated.
func mustReflectSchema() []byte {
	r := jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
	}
	doc, err := json.Marshal(r.Reflect(&Payload{}))
	if err != nil {
		panic(fmt.Sprintf("comfort: reflect schema: %v", err))
	}
	return doc
}

// JSONSchema declares ext as an untyped object. Its members are server
// authoritative, so whatever the model wrote there is never rejected.
func (Ext) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

// validateShape checks a decoded JSON value against the payload schema.
func validateShape(v any) error {
	return payloadSchema.Validate(v)
}
