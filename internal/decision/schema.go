package decision

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/shelfsense-ai/shelfwatch/internal/event"
)

// responseSchema is the strict contract the reasoning service must meet.
// Anything outside it, missing fields, wrong types, out-of-range confidence,
// unknown alert_kind and so on, resolves to the fallback decision, never an error.
const responseSchema = `{
  "type": "object",
  "required": ["alert", "alert_kind", "confidence", "rationale"],
  "properties": {
    "alert": {"type": "boolean"},
    "alert_kind": {"type": "string", "enum": ["shelf_empty", "misplaced_item", "crowding", "none"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string", "minLength": 1},
    "recommended_action": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`

// ResponsePayload is the validated shape of a reasoning-service reply.
type ResponsePayload struct {
	Alert             bool     `json:"alert"`
	AlertKind         string   `json:"alert_kind"`
	Confidence        float64  `json:"confidence"`
	Rationale         string   `json:"rationale"`
	RecommendedAction string   `json:"recommended_action"`
	Tags              []string `json:"tags"`
}

// Validator checks raw reasoning-service output against the response schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the response schema. Compilation failure is a
// programming error, so it panics at construction rather than at decide time.
func NewValidator() *Validator {
	var doc any
	if err := json.Unmarshal([]byte(responseSchema), &doc); err != nil {
		panic(fmt.Sprintf("decision: response schema unparsable: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision_response.json", doc); err != nil {
		panic(fmt.Sprintf("decision: response schema resource: %v", err))
	}
	sch, err := c.Compile("decision_response.json")
	if err != nil {
		panic(fmt.Sprintf("decision: response schema compile: %v", err))
	}
	return &Validator{schema: sch}
}

// Validate parses and checks raw output. On success it returns the typed
// payload; an alerting payload whose alert_kind is "none" is rejected, as is
// any alert_kind that is not a valid event kind.
func (v *Validator) Validate(raw []byte) (ResponsePayload, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return ResponsePayload{}, fmt.Errorf("response is not JSON: %w", err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return ResponsePayload{}, fmt.Errorf("schema validation: %w", err)
	}

	var p ResponsePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ResponsePayload{}, fmt.Errorf("decode response: %w", err)
	}
	if p.Alert {
		if p.AlertKind == "none" {
			return ResponsePayload{}, fmt.Errorf("alerting response with alert_kind=none")
		}
		if !event.Kind(p.AlertKind).Valid() {
			return ResponsePayload{}, fmt.Errorf("unknown alert_kind %q", p.AlertKind)
		}
	}
	return p, nil
}
