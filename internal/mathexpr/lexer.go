package mathexpr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) is(op string) bool {
	return t.kind == tokOp && t.text == op
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q", t.text)
}

const operators = "+-*/^%(),"

// lex splits an expression into tokens. Positions are byte offsets.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += size
		case isDigit(src[i]) || (src[i] == '.' && i+1 < len(src) && isDigit(src[i+1])):
			end := scanNumber(src, i)
			toks = append(toks, token{kind: tokNumber, text: src[i:end], pos: i})
			i = end
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(src) {
				r, size = utf8.DecodeRuneInString(src[i:])
				if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				i += size
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case r < utf8.RuneSelf && strings.IndexByte(operators, src[i]) >= 0:
			toks = append(toks, token{kind: tokOp, text: src[i : i+1], pos: i})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at position %d", ErrSyntax, r, i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

// scanNumber returns the end offset of the number starting at i. An exponent
// marker is only consumed when digits follow it, so "2e" lexes as 2 followed by
// the identifier e.
func scanNumber(src string, i int) int {
	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i < len(src) && src[i] == '.' {
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			i = j
		}
	}
	return i
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

