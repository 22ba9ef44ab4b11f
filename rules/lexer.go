package rules

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokVar
	tokLBrace
	tokRBrace
	tokLParen
	tokRParen
	tokColon
	tokComma
	tokDot
	tokAssign
	tokEq
	tokLt
	tokLe
	tokGt
	tokGe
)

var tokenNames = map[tokenKind]string{
	tokEOF:    "end of input",
	tokIdent:  "identifier",
	tokString: "string",
	tokInt:    "integer",
	tokVar:    "string identifier",
	tokLBrace: "'{'",
	tokRBrace: "'}'",
	tokLParen: "'('",
	tokRParen: "')'",
	tokColon:  "':'",
	tokComma:  "','",
	tokDot:    "'.'",
	tokAssign: "'='",
	tokEq:     "'=='",
	tokLt:     "'<'",
	tokLe:     "'<='",
	tokGt:     "'>'",
	tokGe:     "'>='",
}

func (k tokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind tokenKind
	text string
	num  int64
	line int
}

type lexer struct {
	src  string
	pos  int
	line int
	file string
}

func newLexer(file, src string) *lexer {
	return &lexer{src: src, line: 1, file: file}
}

func (l *lexer) errorf(line int, format string, args ...interface{}) error {
	return &CompileError{File: l.file, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) skipSpaceAndComments() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case strings.HasPrefix(l.src[l.pos:], "//"):
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case strings.HasPrefix(l.src[l.pos:], "/*"):
			start := l.line
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return l.errorf(start, "unterminated comment")
			}
			l.line += strings.Count(l.src[l.pos:l.pos+2+end], "\n")
			l.pos += end + 4
		default:
			return nil
		}
	}
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return token{}, err
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, line: l.line}, nil
	}
	line := l.line
	c := l.src[l.pos]
	switch {
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], line: line}, nil
	case c == '$':
		start := l.pos
		l.pos++
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		if l.pos < len(l.src) && l.src[l.pos] == '*' {
			l.pos++
		}
		return token{kind: tokVar, text: l.src[start:l.pos], line: line}, nil
	case c >= '0' && c <= '9', c == '-' && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9':
		return l.number(line)
	case c == '"':
		return l.quoted(line)
	}

	l.pos++
	switch c {
	case '{':
		return token{kind: tokLBrace, line: line}, nil
	case '}':
		return token{kind: tokRBrace, line: line}, nil
	case '(':
		return token{kind: tokLParen, line: line}, nil
	case ')':
		return token{kind: tokRParen, line: line}, nil
	case ':':
		return token{kind: tokColon, line: line}, nil
	case ',':
		return token{kind: tokComma, line: line}, nil
	case '.':
		return token{kind: tokDot, line: line}, nil
	case '=':
		if l.peekByte('=') {
			return token{kind: tokEq, line: line}, nil
		}
		return token{kind: tokAssign, line: line}, nil
	case '<':
		if l.peekByte('=') {
			return token{kind: tokLe, line: line}, nil
		}
		return token{kind: tokLt, line: line}, nil
	case '>':
		if l.peekByte('=') {
			return token{kind: tokGe, line: line}, nil
		}
		return token{kind: tokGt, line: line}, nil
	}
	return token{}, l.errorf(line, "unexpected character %q", c)
}

func (l *lexer) peekByte(b byte) bool {
	if l.pos < len(l.src) && l.src[l.pos] == b {
		l.pos++
		return true
	}
	return false
}

func (l *lexer) number(line int) (token, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && (isIdentChar(l.src[l.pos])) {
		l.pos++
	}
	text := l.src[start:l.pos]
	mult := int64(1)
	switch {
	case strings.HasSuffix(text, "KB"):
		mult, text = 1024, strings.TrimSuffix(text, "KB")
	case strings.HasSuffix(text, "MB"):
		mult, text = 1024*1024, strings.TrimSuffix(text, "MB")
	}
	n, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		return token{}, l.errorf(line, "invalid number %q", l.src[start:l.pos])
	}
	return token{kind: tokInt, num: n * mult, text: l.src[start:l.pos], line: line}, nil
}

func (l *lexer) quoted(line int) (token, error) {
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '"':
			l.pos++
			return token{kind: tokString, text: b.String(), line: line}, nil
		case '\n':
			return token{}, l.errorf(line, "unterminated string")
		case '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, l.errorf(line, "unterminated string")
			}
			esc := l.src[l.pos+1]
			l.pos += 2
			switch esc {
			case '"', '\\':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'x':
				if l.pos+2 > len(l.src) {
					return token{}, l.errorf(line, "truncated \\x escape")
				}
				v, err := strconv.ParseUint(l.src[l.pos:l.pos+2], 16, 8)
				if err != nil {
					return token{}, l.errorf(line, "invalid \\x escape %q", l.src[l.pos:l.pos+2])
				}
				b.WriteByte(byte(v))
				l.pos += 2
			default:
				return token{}, l.errorf(line, "unknown escape \\%c", esc)
			}
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return token{}, l.errorf(line, "unterminated string")
}

// hexString reads the body of a hex string after its opening brace.
func (l *lexer) hexString(line int) ([]byte, error) {
	end := strings.IndexByte(l.src[l.pos:], '}')
	if end < 0 {
		return nil, l.errorf(line, "unterminated hex string")
	}
	body := l.src[l.pos : l.pos+end]
	l.line += strings.Count(body, "\n")
	l.pos += end + 1

	digits := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
		case c == '?' || c == '[' || c == '(' || c == '|':
			return nil, l.errorf(line, "hex wildcards, jumps and alternatives are not supported")
		case (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F'):
			digits = append(digits, c)
		default:
			return nil, l.errorf(line, "invalid character %q in hex string", c)
		}
	}
	if len(digits) == 0 || len(digits)%2 != 0 {
		return nil, l.errorf(line, "hex string must contain whole bytes")
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		v, _ := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
		out[i] = byte(v)
	}
	return out, nil
}
