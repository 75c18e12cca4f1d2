package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flowchat/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://flowchat.dev/schemas/definition.json"

// definitionSchemaJSON is the JSON Schema for workflow definition documents.
// Field aliases (key, fromNode, toNode, condition) are accepted.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowchat.dev/schemas/definition.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "globalVariables": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/variable" }
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "transitions": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/transition" }
    }
  },
  "$defs": {
    "variable": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "initialValue": { "type": ["string", "null"] }
      }
    },
    "node": {
      "type": "object",
      "required": ["type"],
      "anyOf": [
        { "required": ["nodeKey"] },
        { "required": ["key"] }
      ],
      "properties": {
        "nodeKey": { "type": "string", "minLength": 1 },
        "key": { "type": "string", "minLength": 1 },
        "name": { "type": ["string", "null"] },
        "type": { "type": "string", "minLength": 1 },
        "config": { "type": ["object", "string", "null"] }
      }
    },
    "transition": {
      "type": "object",
      "allOf": [
        { "anyOf": [ { "required": ["fromNodeKey"] }, { "required": ["fromNode"] } ] },
        { "anyOf": [ { "required": ["toNodeKey"] }, { "required": ["toNode"] } ] }
      ],
      "properties": {
        "fromNodeKey": { "type": "string", "minLength": 1 },
        "fromNode": { "type": "string", "minLength": 1 },
        "toNodeKey": { "type": "string", "minLength": 1 },
        "toNode": { "type": "string", "minLength": 1 },
        "conditionExpression": { "type": ["string", "null"] },
        "condition": { "type": ["string", "null"] }
      }
    }
  }
}`

// JSONSchemaValidator checks the structure of definition documents against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the definition
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{definitionSchema: compiled}, nil
}

// ValidateDocument validates a raw definition document.
func (v *JSONSchemaValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is not valid JSON").WithCause(err)
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateDefinition validates def's source document, or def re-encoded
// when it was built in code.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.Definition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	raw := def.Raw
	if len(raw) == 0 {
		b, err := json.Marshal(def)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
		}
		raw = b
	}
	return v.ValidateDocument(raw)
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// details list every leaf violation.
func toFlowError(err error) *schema.FlowError {
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

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
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
