package expressions

import (
	"math"
	"strconv"
	"strings"
)

// Substitute replaces every ${name} reference in expr with a literal the
// expression grammar reads back as the variable's value:
//
//   - strings (and other non-numeric values) become single-quoted literals
//     with ' and \ escaped
//   - numbers are inlined
//   - booleans become 1/0
//   - missing or nil variables become 0
//
// Substitution is a single pass; substituted text is never rescanned.
func Substitute(expr string, vars map[string]any) string {
	return replacePlaceholders(expr, func(name string) (string, bool) {
		return literalFor(lookup(vars, name)), true
	})
}

// replacePlaceholders scans input for ${...} references and writes the
// replacement returned by resolve. References resolve declines, empty
// references and an unclosed ${ are copied through unchanged.
func replacePlaceholders(input string, resolve func(name string) (string, bool)) string {
	if !strings.Contains(input, "${") {
		return input
	}

	var out strings.Builder
	out.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${")
		if idx == -1 {
			out.WriteString(input[i:])
			break
		}
		out.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.IndexByte(input[start:], '}')
		if end <= 0 {
			// Unclosed or empty reference: copy the marker and move on.
			out.WriteString("${")
			i = start
			continue
		}
		end += start

		raw := input[i+idx : end+1]
		if repl, ok := resolve(strings.TrimSpace(input[start:end])); ok {
			out.WriteString(repl)
		} else {
			out.WriteString(raw)
		}
		i = end + 1
	}
	return out.String()
}

func lookup(vars map[string]any, name string) any {
	if vars == nil {
		return nil
	}
	return vars[name]
}

func literalFor(v any) string {
	switch val := v.(type) {
	case nil:
		return "0"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case float64:
		return floatLiteral(val)
	case float32:
		return floatLiteral(float64(val))
	case string:
		return quote(val)
	}
	if IsNumber(v) {
		if f, ok := ToNumber(v).(float64); ok {
			return floatLiteral(f)
		}
		return Stringify(ToNumber(v))
	}
	return quote(Stringify(v))
}

// floatLiteral renders f in the grammar's float form (digits.digits, no
// exponent). Non-finite values are quoted so they coerce back on use.
func floatLiteral(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return quote(formatFloat(f))
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}
