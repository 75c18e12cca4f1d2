package expressions

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/flowchat/pkg/schema"
)

// JQ implements the Engine interface using GoJQ. It reshapes JSON model
// responses and filters query results. Compiled *Code objects are cached and
// shared across goroutines.
type JQ struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQ creates a new jq engine.
func NewJQ() *JQ {
	return &JQ{cache: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *JQ) Name() string {
	return "jq"
}

// Evaluate implements Engine with data as the input object.
func (e *JQ) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Query runs expression against input. A single output is returned as is,
// several are collected into []any, none yields nil.
func (e *JQ) Query(ctx context.Context, expression string, input any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpressionParse, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpressionEval,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// FilterText applies expression to text when text is a JSON document and
// renders the result back to text: strings verbatim, anything else as JSON.
// Text that is not JSON is returned unchanged.
func (e *JQ) FilterText(ctx context.Context, expression, text string) (string, error) {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return text, nil
	}
	out, err := e.Query(ctx, expression, doc)
	if err != nil {
		return "", err
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExpressionEval, "jq result not encodable: %v", err).WithCause(err)
	}
	return string(data), nil
}

// QueryValue runs expression against the JSON form of v. Used to filter
// typed query results such as run instances and execution logs.
func (e *JQ) QueryValue(ctx context.Context, expression string, v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpressionEval, "jq input not encodable: %v", err).WithCause(err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpressionEval, "jq input not decodable: %v", err).WithCause(err)
	}
	return e.Query(ctx, expression, doc)
}

// Check compiles expression without running it.
func (e *JQ) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *JQ) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpressionParse,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: no $ENV.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpressionParse,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go native values to the types gojq accepts:
// float64 numbers, map[string]any and []any containers.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*JQ)(nil)
