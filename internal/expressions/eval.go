package expressions

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/flowchat/pkg/schema"
)

type node interface {
	eval(src string) (any, error)
}

type literalNode struct {
	value any
}

func (n *literalNode) eval(string) (any, error) { return n.value, nil }

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(src string) (any, error) {
	v, err := n.operand.eval(src)
	if err != nil {
		return nil, err
	}
	if n.op == "!" {
		return boolInt(!Truthy(v)), nil
	}
	switch num := ToNumber(v).(type) {
	case int64:
		return -num, nil
	case float64:
		return -num, nil
	}
	return int64(0), nil
}

type binaryNode struct {
	op          string
	left, right node
	pos         int
}

func (n *binaryNode) eval(src string) (any, error) {
	l, err := n.left.eval(src)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(src)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "||":
		return boolInt(Truthy(l) || Truthy(r)), nil
	case "&&":
		return boolInt(Truthy(l) && Truthy(r)), nil
	case "==", "!=", ">", "<", ">=", "<=":
		return boolInt(compare(n.op, l, r)), nil
	}

	if msg := checkArithmetic(n.op, l, r); msg != "" {
		return nil, evalErrorf(src, n.pos, "%s", msg)
	}
	if n.op == "/" {
		divisor := ToFloat(r)
		if divisor == 0 {
			return nil, evalErrorf(src, n.pos, "division by zero")
		}
		return ToFloat(l) / divisor, nil
	}
	return arithmetic(n.op, ToNumber(l), ToNumber(r)), nil
}

// arithmetic applies + - * and promotes to float64 when either operand is
// a float or non-integral.
func arithmetic(op string, l, r any) any {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri
		case "-":
			return li - ri
		default:
			return li * ri
		}
	}
	lf, rf := ToFloat(l), ToFloat(r)
	switch op {
	case "+":
		return lf + rf
	case "-":
		return lf - rf
	default:
		return lf * rf
	}
}

// checkArithmetic rejects arithmetic between two strings unless both read as
// numbers. Mixed string/number operands coerce normally. It returns the
// failure message, or "" when the operands are acceptable.
func checkArithmetic(op string, l, r any) string {
	ls, lStr := l.(string)
	rs, rStr := r.(string)
	if !lStr || !rStr {
		return ""
	}
	if numericText(ls) && numericText(rs) {
		return ""
	}
	hint := ""
	if op == "+" {
		hint = "; use cat(a, b) to concatenate"
	}
	return fmt.Sprintf("operator %s requires numeric operands, got '%s' and '%s'%s", op, ls, rs, hint)
}

// compare orders l and r numerically when both are numbers or numeric
// strings, and by their string form otherwise.
func compare(op string, l, r any) bool {
	if numericOperand(l) && numericOperand(r) {
		lf, rf := ToFloat(l), ToFloat(r)
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		default:
			return lf <= rf
		}
	}
	c := strings.Compare(Stringify(l), Stringify(r))
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	default:
		return c <= 0
	}
}

func numericOperand(v any) bool {
	if s, ok := v.(string); ok {
		return numericText(s)
	}
	return IsNumber(v)
}

type function struct {
	arity int
	apply func(args []any) any
}

var functions = map[string]function{
	"cat": {arity: 2, apply: func(args []any) any {
		return Stringify(args[0]) + Stringify(args[1])
	}},
	"len": {arity: 1, apply: func(args []any) any {
		return int64(utf8.RuneCountInString(Stringify(args[0])))
	}},
	"contains": {arity: 2, apply: func(args []any) any {
		return boolInt(strings.Contains(Stringify(args[0]), Stringify(args[1])))
	}},
}

type callNode struct {
	name string
	fn   function
	args []node
}

func (n *callNode) eval(src string) (any, error) {
	vals := make([]any, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(src)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return n.fn.apply(vals), nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func parseErrorf(src string, pos int, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpressionParse, format, args...).
		WithDetails(map[string]any{"expression": src, "position": pos})
}

func evalErrorf(src string, pos int, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpressionEval, format, args...).
		WithDetails(map[string]any{"expression": src, "position": pos})
}
