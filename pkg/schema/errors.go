package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExpressionParse   = "EXPRESSION_PARSE_ERROR"
	ErrCodeExpressionEval    = "EXPRESSION_EVAL_ERROR"
	ErrCodeNodeConfig        = "NODE_CONFIG_ERROR"
	ErrCodeCollaborator      = "COLLABORATOR_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCycleGuard        = "CYCLE_GUARD"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotWaiting        = "NOT_WAITING"
	ErrCodeInterrupted       = "INTERRUPTED"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type for all flowchat operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeKey string         `json:"node_key,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeKey != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeKey, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node key to the error.
func (e *FlowError) WithNode(nodeKey string) *FlowError {
	e.NodeKey = nodeKey
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the outermost FlowError in err's chain,
// or ErrCodeCollaborator when err carries none.
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeCollaborator
}

// IsCode reports whether err's chain contains a FlowError with the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		var fe *FlowError
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}
