package validation

import (
	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/pkg/schema"
)

// DefinitionValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (keys, start node, node types, transitions, node config)
// 3. Reachability from the start node
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	jq         *expressions.JQ
}

var _ Validator = (*DefinitionValidator)(nil)

// NewDefinitionValidator creates a DefinitionValidator. jq may be nil to
// skip responseFilter compilation checks.
func NewDefinitionValidator(jq *expressions.JQ) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, jq: jq}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (dv *DefinitionValidator) Validate(def *schema.Definition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeDefinition, "workflow definition is nil")
		return r
	}

	result := validateStructural(dv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, dv.jq))

	if result.Valid() {
		result.Merge(validateReachability(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (dv *DefinitionValidator) ValidateDefinition(def *schema.Definition) error {
	return dv.Validate(def).ToError()
}

// ParseAndValidate decodes a raw document and validates it.
func (dv *DefinitionValidator) ParseAndValidate(raw []byte) (*schema.Definition, *schema.ValidationResult, error) {
	def, err := schema.ParseDefinition(raw)
	if err != nil {
		return nil, nil, err
	}
	result := dv.Validate(def)
	return def, result, result.ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.Definition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
