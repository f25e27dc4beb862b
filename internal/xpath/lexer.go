package xpath

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokDotDot
	tokAt
	tokComma
	tokColonColon
	tokName     // name test: prefix, local ("*" for wildcards)
	tokFunc     // function name followed by (
	tokNodeType // node(), text(), comment(), processing-instruction(
	tokAxis     // axis name followed by ::
	tokLiteral
	tokNumber
	tokVar
)

type token struct {
	kind   tokenKind
	val    string // operator, literal text, number text or local name
	prefix string
	pos    int
}

var nodeTypes = map[string]bool{
	"comment":                true,
	"text":                   true,
	"processing-instruction": true,
	"node":                   true,
}

var operatorNames = map[string]bool{
	"and": true,
	"or":  true,
	"mod": true,
	"div": true,
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.toks = append(l.toks, tok)
		if tok.kind == tokEOF {
			return l.toks, nil
		}
	}
}

func (l *lexer) errorf(pos int, msg string) error {
	return &SyntaxError{Expr: l.src, Offset: pos, Msg: msg}
}

// operatorContext reports whether the previous token forces * and NCNames
// to be read as operators
func (l *lexer) operatorContext() bool {
	if len(l.toks) == 0 {
		return false
	}
	switch l.toks[len(l.toks)-1].kind {
	case tokAt, tokColonColon, tokLParen, tokLBracket, tokComma, tokOp:
		return false
	}
	return true
}

func (l *lexer) peekByte(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}
	op := func(s string) (token, error) {
		l.pos += len(s)
		return token{kind: tokOp, val: s, pos: start}, nil
	}
	simple := func(k tokenKind, n int) (token, error) {
		l.pos += n
		return token{kind: k, val: l.src[start:l.pos], pos: start}, nil
	}

	c := l.src[l.pos]
	switch c {
	case '(':
		return simple(tokLParen, 1)
	case ')':
		return simple(tokRParen, 1)
	case '[':
		return simple(tokLBracket, 1)
	case ']':
		return simple(tokRBracket, 1)
	case '@':
		return simple(tokAt, 1)
	case ',':
		return simple(tokComma, 1)
	case '|', '+', '-', '=':
		return op(string(c))
	case '/':
		if l.peekByte(1) == '/' {
			return op("//")
		}
		return op("/")
	case '!':
		if l.peekByte(1) == '=' {
			return op("!=")
		}
		return token{}, l.errorf(start, "expected !=")
	case '<', '>':
		if l.peekByte(1) == '=' {
			return op(string(c) + "=")
		}
		return op(string(c))
	case ':':
		if l.peekByte(1) == ':' {
			return simple(tokColonColon, 2)
		}
		return token{}, l.errorf(start, "unexpected :")
	case '.':
		if l.peekByte(1) == '.' {
			return simple(tokDotDot, 2)
		}
		if isDigit(l.peekByte(1)) {
			return l.number()
		}
		return simple(tokDot, 1)
	case '"', '\'':
		end := strings.IndexByte(l.src[l.pos+1:], c)
		if end < 0 {
			return token{}, l.errorf(start, "unterminated literal")
		}
		l.pos += end + 2
		return token{kind: tokLiteral, val: l.src[start+1 : l.pos-1], pos: start}, nil
	case '$':
		l.pos++
		prefix, local, ok := l.qname()
		if !ok || local == "*" {
			return token{}, l.errorf(start, "expected variable name")
		}
		return token{kind: tokVar, prefix: prefix, val: local, pos: start}, nil
	case '*':
		if l.operatorContext() {
			return op("*")
		}
		l.pos++
		return token{kind: tokName, val: "*", pos: start}, nil
	}

	if isDigit(c) {
		return l.number()
	}

	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	if !isNameStart(r) {
		return token{}, l.errorf(start, "unexpected character "+string(r))
	}
	if l.operatorContext() {
		name := l.ncname()
		if !operatorNames[name] {
			return token{}, l.errorf(start, "expected operator, found "+name)
		}
		return token{kind: tokOp, val: name, pos: start}, nil
	}

	prefix, local, _ := l.qname()
	save := l.pos
	l.skipSpace()
	switch {
	case l.peekByte(0) == '(' && prefix == "" && nodeTypes[local]:
		l.pos = save
		return token{kind: tokNodeType, val: local, pos: start}, nil
	case l.peekByte(0) == '(' && local != "*":
		l.pos = save
		return token{kind: tokFunc, prefix: prefix, val: local, pos: start}, nil
	case l.peekByte(0) == ':' && l.peekByte(1) == ':' && prefix == "":
		l.pos = save
		return token{kind: tokAxis, val: local, pos: start}, nil
	}
	l.pos = save
	return token{kind: tokName, prefix: prefix, val: local, pos: start}, nil
}

func (l *lexer) number() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	return token{kind: tokNumber, val: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) ncname() string {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if l.pos == start && !isNameStart(r) || l.pos > start && !isNameChar(r) {
			break
		}
		l.pos += size
	}
	return l.src[start:l.pos]
}

// qname reads NCName, NCName:NCName or NCName:*
func (l *lexer) qname() (prefix, local string, ok bool) {
	first := l.ncname()
	if first == "" {
		return "", "", false
	}
	if l.peekByte(0) == ':' && l.peekByte(1) != ':' {
		if l.peekByte(1) == '*' {
			l.pos += 2
			return first, "*", true
		}
		save := l.pos
		l.pos++
		second := l.ncname()
		if second == "" {
			l.pos = save
			return "", first, true
		}
		return first, second, true
	}
	return "", first, true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNameStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isNameChar(r rune) bool {
	return isNameStart(r) || unicode.IsDigit(r) || r == '.' || r == '-' || unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r) || r == '·'
}
