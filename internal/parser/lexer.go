// Package parser reads interface descriptions (.did text) into the type AST
// consumed by the idl builder.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokText
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	val  string
	line int
	col  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokText:
		return strconv.Quote(t.val)
	}
	return fmt.Sprintf("%q", t.val)
}

// SyntaxError points at the offending position in the source.
type SyntaxError struct {
	Line, Col int
	Msg       string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("parser: %d:%d: %s", e.Line, e.Col, e.Msg)
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src, line: 1, col: 1}
	var out []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{Line: l.line, Col: l.col, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) peek(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) advance(n int) {
	for i := 0; i < n && l.pos < len(l.src); i++ {
		if l.src[l.pos] == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos++
	}
}

func (l *lexer) skipSpaceAndComments() error {
	for l.pos < len(l.src) {
		c := l.peek(0)
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.advance(1)
		case c == '/' && l.peek(1) == '/':
			for l.pos < len(l.src) && l.peek(0) != '\n' {
				l.advance(1)
			}
		case c == '/' && l.peek(1) == '*':
			depth := 0
			for {
				if l.pos >= len(l.src) {
					return l.errorf("unterminated comment")
				}
				if l.peek(0) == '/' && l.peek(1) == '*' {
					depth++
					l.advance(2)
					continue
				}
				if l.peek(0) == '*' && l.peek(1) == '/' {
					depth--
					l.advance(2)
					if depth == 0 {
						break
					}
					continue
				}
				l.advance(1)
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return token{}, err
	}
	tok := token{line: l.line, col: l.col}
	if l.pos >= len(l.src) {
		tok.kind = tokEOF
		return tok, nil
	}

	c := l.peek(0)
	switch {
	case c == '-' && l.peek(1) == '>':
		l.advance(2)
		tok.kind, tok.val = tokPunct, "->"
	case strings.IndexByte("{}();:,=", c) >= 0:
		l.advance(1)
		tok.kind, tok.val = tokPunct, string(c)
	case c == '"':
		s, err := l.text()
		if err != nil {
			return token{}, err
		}
		tok.kind, tok.val = tokText, s
	case c >= '0' && c <= '9':
		start := l.pos
		for l.pos < len(l.src) && (isDigit(l.peek(0)) || l.peek(0) == '_') {
			l.advance(1)
		}
		tok.kind, tok.val = tokNumber, strings.ReplaceAll(l.src[start:l.pos], "_", "")
	case c == '_' || isLetter(c):
		start := l.pos
		for l.pos < len(l.src) && (l.peek(0) == '_' || isLetter(l.peek(0)) || isDigit(l.peek(0))) {
			l.advance(1)
		}
		tok.kind, tok.val = tokIdent, l.src[start:l.pos]
	default:
		r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
		return token{}, l.errorf("unexpected character %q", r)
	}
	return tok, nil
}

func (l *lexer) text() (string, error) {
	l.advance(1)
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return "", l.errorf("unterminated string")
		}
		c := l.peek(0)
		switch c {
		case '"':
			l.advance(1)
			return sb.String(), nil
		case '\\':
			esc := l.peek(1)
			l.advance(2)
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '"', '\'', '\\':
				sb.WriteByte(esc)
			case 'u':
				if l.peek(0) != '{' {
					return "", l.errorf("bad unicode escape")
				}
				end := strings.IndexByte(l.src[l.pos:], '}')
				if end < 0 {
					return "", l.errorf("bad unicode escape")
				}
				code, err := strconv.ParseUint(strings.ReplaceAll(l.src[l.pos+1:l.pos+end], "_", ""), 16, 32)
				if err != nil {
					return "", l.errorf("bad unicode escape: %v", err)
				}
				sb.WriteRune(rune(code))
				l.advance(end + 1)
			default:
				if isHex(esc) && isHex(l.peek(0)) {
					v, _ := strconv.ParseUint(string([]byte{esc, l.peek(0)}), 16, 8)
					sb.WriteByte(byte(v))
					l.advance(1)
					continue
				}
				return "", l.errorf("unknown escape \\%c", esc)
			}
		default:
			sb.WriteByte(c)
			l.advance(1)
		}
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isLetter(c byte) bool { return c < utf8.RuneSelf && unicode.IsLetter(rune(c)) }
