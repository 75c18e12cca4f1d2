package validation

import "github.com/rendis/flowchat/pkg/schema"

// Validator checks workflow definitions for correctness before they are
// stored or executed.
type Validator interface {
	Validate(def *schema.Definition) *schema.ValidationResult
	ValidateDefinition(def *schema.Definition) error
}
