package expressions

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokFloat
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string // operator, identifier, or decoded string literal
	pos  int
}

// twoCharOps must be tried before their one-character prefixes.
var twoCharOps = []string{">=", "<=", "==", "!=", "&&", "||"}

const oneCharOps = "><!+-*/"

// lex splits src into tokens. String literals are single-quoted and
// recognize the \' and \\ escapes; any other backslash is kept literally.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		if unicode.IsSpace(r) {
			i += size
			continue
		}

		start := i
		switch {
		case r == '\'':
			text, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text, pos: start})
			i = next

		case r >= '0' && r <= '9':
			for i < len(src) && isDigit(src[i]) {
				i++
			}
			kind := tokInt
			if i+1 < len(src) && src[i] == '.' && isDigit(src[i+1]) {
				i++
				for i < len(src) && isDigit(src[i]) {
					i++
				}
				kind = tokFloat
			}
			toks = append(toks, token{kind: kind, text: src[start:i], pos: start})

		case r == '_' || unicode.IsLetter(r):
			for i < len(src) {
				r, size := utf8.DecodeRuneInString(src[i:])
				if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += size
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})

		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: start})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: start})
			i++
		case r == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: start})
			i++

		default:
			op := matchOperator(src[i:])
			if op == "" {
				return nil, parseErrorf(src, start, "unrecognized character %q", r)
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: start})
			i += len(op)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func lexString(src string, start int) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src) && (src[i+1] == '\'' || src[i+1] == '\\'):
			sb.WriteByte(src[i+1])
			i += 2
		case c == '\'':
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", 0, parseErrorf(src, start, "unterminated string literal")
}

func matchOperator(s string) string {
	for _, op := range twoCharOps {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	if s != "" && strings.IndexByte(oneCharOps, s[0]) >= 0 {
		return s[:1]
	}
	return ""
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
