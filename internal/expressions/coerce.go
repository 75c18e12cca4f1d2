package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ToNumber coerces v to int64 or float64.
//
//   - numbers are returned unchanged (widened to int64/float64)
//   - strings try an integer parse, then a float parse, then map
//     case-insensitive "true" to 1; anything else is 0
//   - booleans become 1/0
//   - everything else, nil included, is 0
func ToNumber(v any) any {
	switch n := v.(type) {
	case nil:
		return int64(0)
	case int64:
		return n
	case float64:
		return n
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return clampUint(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return clampUint(n)
	case float32:
		return float64(n)
	case json.Number:
		return parseNumeric(n.String())
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	case string:
		return parseNumeric(n)
	default:
		return int64(0)
	}
}

// ToInt coerces v to an integer the way branch conditions and logical
// operators read it: ToNumber, then truncation toward zero.
func ToInt(v any) int64 {
	switch n := ToNumber(v).(type) {
	case int64:
		return n
	case float64:
		return truncate(n)
	}
	return 0
}

// Truthy reports whether v coerces to a nonzero integer.
func Truthy(v any) bool {
	return ToInt(v) != 0
}

// ToFloat coerces v to float64.
func ToFloat(v any) float64 {
	switch n := ToNumber(v).(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// IsNumber reports whether v is already a numeric value (no coercion).
func IsNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// numericText reports whether s parses as an integer or a float literal.
// The "true" mapping does not count.
func numericText(s string) bool {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return true
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

// Stringify renders v the way string operations and prompt templates see it.
// Floats keep a fractional part ("5.0"); composites render as JSON.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return formatFloat(s)
	case float32:
		return formatFloat(float64(s))
	case json.Number:
		return s.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(s)
	case fmt.Stringer:
		return s.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func parseNumeric(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f
	}
	if strings.EqualFold(s, "true") {
		return int64(1)
	}
	return int64(0)
}

// isIntegral reports whether a float64 carries no fractional part.
func isIntegral(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f == math.Trunc(f)
}

func truncate(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func clampUint(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(u)
}

// formatFloat renders f with at least one fractional digit, switching to
// exponent notation outside [1e-3, 1e7).
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	abs := math.Abs(f)
	if f == 0 || (abs >= 1e-3 && abs < 1e7) {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.ContainsRune(s, '.') {
			s += ".0"
		}
		return s
	}
	s := strconv.FormatFloat(f, 'E', -1, 64)
	mant, exp, _ := strings.Cut(s, "E")
	if !strings.ContainsRune(mant, '.') {
		mant += ".0"
	}
	sign := ""
	if exp[0] == '-' {
		sign = "-"
	}
	exp = strings.TrimLeft(exp[1:], "0")
	if exp == "" {
		exp = "0"
	}
	return mant + "E" + sign + exp
}
