package expressions

import (
	"context"
	"strings"

	"github.com/rendis/flowchat/pkg/schema"
)

// Engine evaluates expressions against a read-only variable map.
// Two implementations: Interpreter (branch conditions and assignments) and
// JQ (filters over model responses and query results).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Interpreter is the workflow expression language. It is stateless and safe
// for concurrent use.
type Interpreter struct{}

// NewInterpreter returns the workflow expression interpreter.
func NewInterpreter() *Interpreter { return &Interpreter{} }

// Name returns the engine identifier.
func (*Interpreter) Name() string { return "flow" }

// Evaluate implements Engine.
func (*Interpreter) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	return Evaluate(expression, data)
}

// Compile trims expr, substitutes ${name} references from vars and parses
// the result.
func Compile(expr string, vars map[string]any) (*Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeExpressionParse, "expression is empty")
	}
	return Parse(Substitute(expr, vars))
}

// Evaluate compiles and evaluates expr against vars. Parse failures carry
// EXPRESSION_PARSE_ERROR, evaluation failures EXPRESSION_EVAL_ERROR.
func Evaluate(expr string, vars map[string]any) (any, error) {
	prog, err := Compile(expr, vars)
	if err != nil {
		return nil, err
	}
	return prog.Eval()
}

var _ Engine = (*Interpreter)(nil)
