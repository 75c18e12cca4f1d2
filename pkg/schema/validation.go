package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one finding against a definition document. Path uses
// the document's own field names, e.g. "nodes[2].config".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// String renders "path: message (CODE)", omitting an empty or root path.
func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return fmt.Sprintf("%s (%s)", i.Message, i.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", i.Path, i.Message, i.Code)
}

// ValidationResult collects the findings of every validation pass. Warnings
// never make a definition invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error was recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's findings. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Summary lists every error on its own line.
func (r *ValidationResult) Summary() string {
	lines := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		lines[i] = "- " + e.String()
	}
	return strings.Join(lines, "\n")
}

// ToError returns nil for a valid result, otherwise a DEFINITION_ERROR whose
// message names the first issue and whose details carry all of them.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if first.Path != "" && first.Path != "/" {
		msg = first.Path + ": " + first.Message
	}
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("definition invalid with %d errors (first: %s)", n, msg)
	}

	return NewError(ErrCodeDefinition, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
