package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/verdict/pkg/schema"
)

const workflowSchemaURL = "https://verdict.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for workflow documents.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://verdict.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "blocks"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "metadata": { "$ref": "#/$defs/metadata" },
    "blocks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/block" }
    },
    "connections": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/connection" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "metadata": {
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "description": { "type": "string" },
        "domain": { "type": "string" },
        "tags": { "type": ["array", "null"], "items": { "type": "string" } },
        "validation_score": { "type": "number", "minimum": 0, "maximum": 100 },
        "validation_count": { "type": "integer", "minimum": 0 },
        "created_at": { "type": "string", "format": "date-time" },
        "updated_at": { "type": "string", "format": "date-time" }
      },
      "additionalProperties": false
    },
    "position": {
      "type": "object",
      "properties": {
        "x": { "type": "number" },
        "y": { "type": "number" }
      },
      "additionalProperties": false
    },
    "block": {
      "type": "object",
      "required": ["type", "id"],
      "properties": {
        "type": { "enum": ["input", "decision", "output", "workflow"] },
        "id": { "type": "string", "minLength": 1 },
        "position": { "$ref": "#/$defs/position" }
      },
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "input" } } },
          "then": {
            "required": ["name", "value_kind"],
            "properties": {
              "type": true, "id": true, "position": true,
              "name": { "type": "string", "minLength": 1 },
              "value_kind": { "enum": ["int", "float", "bool", "string", "enum", "date"] },
              "range": {
                "type": "object",
                "properties": {
                  "min": { "type": "number" },
                  "max": { "type": "number" }
                },
                "additionalProperties": false
              },
              "enum_values": { "type": ["array", "null"], "items": { "type": "string" } },
              "required": { "type": "boolean" }
            },
            "additionalProperties": false
          }
        },
        {
          "if": { "properties": { "type": { "const": "decision" } } },
          "then": {
            "required": ["condition"],
            "properties": {
              "type": true, "id": true, "position": true,
              "condition": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        },
        {
          "if": { "properties": { "type": { "const": "output" } } },
          "then": {
            "required": ["value"],
            "properties": {
              "type": true, "id": true, "position": true,
              "value": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        },
        {
          "if": { "properties": { "type": { "const": "workflow" } } },
          "then": {
            "required": ["ref_id"],
            "properties": {
              "type": true, "id": true, "position": true,
              "ref_id": { "type": "string", "minLength": 1 },
              "input_mapping": {
                "type": ["object", "null"],
                "additionalProperties": { "type": "string" }
              },
              "output_name": { "type": "string" }
            },
            "additionalProperties": false
          }
        }
      ]
    },
    "connection": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "from_port": { "enum": ["default", "true", "false"] },
        "to_port": { "enum": ["default", "true", "false"] }
      },
      "additionalProperties": false
    }
  }
}`

// DocumentValidator checks the shape of raw workflow documents against a JSON
// Schema (draft 2020-12) before they are decoded. It is safe for concurrent use.
type DocumentValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewDocumentValidator creates a DocumentValidator with the workflow schema pre-compiled.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &DocumentValidator{workflowSchema: wfSchema}, nil
}

// ValidateDocument validates raw JSON bytes.
func (v *DocumentValidator) ValidateDocument(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow document is not valid JSON: %s", err).WithCause(err)
	}
	return v.validate(doc)
}

// ValidateValue validates an already decoded document, such as one read from
// YAML.
func (v *DocumentValidator) ValidateValue(value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}
	return v.validate(doc)
}

func (v *DocumentValidator) validate(doc any) error {
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toVerdictError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toVerdictError converts a jsonschema.ValidationError into a VerdictError
// listing every violation with its location.
func toVerdictError(err error) *schema.VerdictError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("workflow document has %d schema violations", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
