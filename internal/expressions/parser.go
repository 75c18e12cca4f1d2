package expressions

import (
	"strconv"
)

// Program is a parsed expression, ready to evaluate.
type Program struct {
	src  string
	root node
}

// Parse parses a substituted expression. Use Compile to run ${name}
// substitution first.
func Parse(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, parseErrorf(src, tok.pos, "unexpected trailing input %q", src[tok.pos:])
	}
	return &Program{src: src, root: root}, nil
}

// Source returns the text the program was parsed from.
func (p *Program) Source() string { return p.src }

// Eval evaluates the program. Results are int64, float64 or string;
// comparisons and logical operators yield int64 1/0.
func (p *Program) Eval() (any, error) {
	return p.root.eval(p.src)
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) peekOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			return op, true
		}
	}
	return "", false
}

// parseBinaryLevel parses a left-associative chain of ops over operands
// produced by sub.
func (p *parser) parseBinaryLevel(sub func() (node, error), ops ...string) (node, error) {
	left, err := sub()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp(ops...)
		if !ok {
			return left, nil
		}
		pos := p.next().pos
		right, err := sub()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right, pos: pos}
	}
}

func (p *parser) parseOr() (node, error) {
	return p.parseBinaryLevel(p.parseAnd, "||")
}

func (p *parser) parseAnd() (node, error) {
	return p.parseBinaryLevel(p.parseComparison, "&&")
}

func (p *parser) parseComparison() (node, error) {
	return p.parseBinaryLevel(p.parseAdditive, "==", "!=", ">", "<", ">=", "<=")
}

func (p *parser) parseAdditive() (node, error) {
	return p.parseBinaryLevel(p.parseMultiplicative, "+", "-")
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.parseBinaryLevel(p.parseUnary, "*", "/")
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.peekOp("!", "-"); ok {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokEOF:
		return nil, parseErrorf(p.src, tok.pos, "incomplete expression")

	case tokInt:
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, parseErrorf(p.src, tok.pos, "integer literal %s out of range", tok.text)
		}
		return &literalNode{value: n}, nil

	case tokFloat:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, parseErrorf(p.src, tok.pos, "invalid float literal %s", tok.text)
		}
		return &literalNode{value: f}, nil

	case tokString:
		return &literalNode{value: tok.text}, nil

	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, parseErrorf(p.src, closing.pos, "missing closing parenthesis")
		}
		return inner, nil

	case tokIdent:
		fn, ok := functions[tok.text]
		if !ok {
			return nil, parseErrorf(p.src, tok.pos, "unrecognized token %q", tok.text)
		}
		return p.parseCall(tok, fn)
	}
	return nil, parseErrorf(p.src, tok.pos, "unexpected %q", tok.text)
}

func (p *parser) parseCall(name token, fn function) (node, error) {
	if open := p.next(); open.kind != tokLParen {
		return nil, parseErrorf(p.src, open.pos, "function %s: missing opening parenthesis", name.text)
	}
	args := make([]node, 0, fn.arity)
	for i := 0; i < fn.arity; i++ {
		if i > 0 {
			if comma := p.next(); comma.kind != tokComma {
				return nil, parseErrorf(p.src, comma.pos, "function %s: expected %d arguments", name.text, fn.arity)
			}
		}
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if closing := p.next(); closing.kind != tokRParen {
		return nil, parseErrorf(p.src, closing.pos, "function %s: missing closing parenthesis", name.text)
	}
	return &callNode{name: name.text, fn: fn, args: args}, nil
}
