// Package variables holds the typed key/value store scoped to one workflow
// run.
package variables

import (
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/pkg/schema"
)

// Store is the variable map of a single run. Node handlers of one run execute
// sequentially; the lock only guards snapshot readers such as status queries.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{values: make(map[string]any)}
}

// FromSnapshot returns a store seeded with a previously taken snapshot.
func FromSnapshot(snapshot map[string]any) *Store {
	s := New()
	maps.Copy(s.values, snapshot)
	return s
}

// Initialize seeds declared variables from their initial value text, then
// overwrites with same-named input parameters, converted to the declared
// type. Input parameters that were not declared are stored as given.
func (s *Store) Initialize(decls []schema.VariableDeclaration, input map[string]any) error {
	seeded := make(map[string]any, len(decls)+len(input))
	declared := make(map[string]schema.VariableType, len(decls))
	for _, d := range decls {
		v, err := ParseValue(d.Type, d.InitialValue)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"variable %q: %v", d.Name, err).WithCause(err)
		}
		seeded[d.Name] = v
		declared[d.Name] = d.Type
	}
	for name, raw := range input {
		typ, ok := declared[name]
		if !ok || raw == nil {
			seeded[name] = raw
			continue
		}
		v, err := Convert(typ, raw)
		if err != nil {
			return err
		}
		seeded[name] = v
	}

	s.mu.Lock()
	s.values = seeded
	s.mu.Unlock()
	return nil
}

// Get returns the value stored under name.
func (s *Store) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Set stores value under name as given.
func (s *Store) Set(name string, value any) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
}

// Update converts raw to typ and stores it. A nil raw leaves the current
// value untouched, so a partial update never clears absent fields.
func (s *Store) Update(name string, typ schema.VariableType, raw any) error {
	if raw == nil {
		return nil
	}
	v, err := Convert(typ, raw)
	if err != nil {
		return err
	}
	s.Set(name, v)
	return nil
}

// MergeAll stores every entry of m.
func (s *Store) MergeAll(m map[string]any) {
	if len(m) == 0 {
		return
	}
	s.mu.Lock()
	maps.Copy(s.values, m)
	s.mu.Unlock()
}

// Snapshot returns a copy of all variables.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Assign evaluates expr against the current variables and stores the result
// under name. On error nothing is stored.
func (s *Store) Assign(name, expr string) (any, error) {
	v, err := expressions.Evaluate(expr, s.Snapshot())
	if err != nil {
		return nil, err
	}
	s.Set(name, v)
	return v, nil
}

// ParseValue parses declared initial value text. Empty text yields the
// type's zero value.
func ParseValue(typ schema.VariableType, text string) (any, error) {
	t, err := normalizeType(typ)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return zero(t), nil
	}
	switch t {
	case schema.VarInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%q is not an integer", text)
		}
		return n, nil
	case schema.VarDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%q is not a number", text)
		}
		return f, nil
	default:
		return text, nil
	}
}

// Convert coerces raw to typ: strings pass through (other values are
// rendered as text), integers and doubles use the expression language's
// numeric coercion. A nil raw yields the type's zero value.
func Convert(typ schema.VariableType, raw any) (any, error) {
	t, err := normalizeType(typ)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return zero(t), nil
	}
	switch t {
	case schema.VarInteger:
		return expressions.ToInt(raw), nil
	case schema.VarDouble:
		return expressions.ToFloat(raw), nil
	default:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return expressions.Stringify(raw), nil
	}
}

func normalizeType(typ schema.VariableType) (schema.VariableType, error) {
	t := schema.VariableType(strings.ToLower(strings.TrimSpace(string(typ))))
	if !t.Valid() {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported variable type %q", typ)
	}
	return t, nil
}

func zero(t schema.VariableType) any {
	switch t {
	case schema.VarInteger:
		return int64(0)
	case schema.VarDouble:
		return 0.0
	default:
		return ""
	}
}
