// Package search matches node properties against SQL LIKE patterns and
// full-text queries.
package search

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

// Operator joins the terms of a full-text query
type Operator int

const (
	OR Operator = iota
	AND
)

func (o Operator) String() string {
	if o == AND {
		return "AND"
	}
	return "OR"
}

// ErrBadPattern is returned for malformed LIKE patterns
var ErrBadPattern = errors.New("bad like pattern")

// Service answers the pattern and full-text predicates used by queries
type Service interface {
	// Like reports whether a value of prop on ref matches the SQL LIKE
	// pattern, case-insensitively. With includeFTS the pattern may also
	// match a single token of the value.
	Like(ctx context.Context, ref core.NodeRef, prop core.QName, pattern string, includeFTS bool) (bool, error)
	// Contains runs a full-text query against prop, or against all
	// properties of ref when prop is nil
	Contains(ctx context.Context, ref core.NodeRef, prop *core.QName, query string, op Operator) (bool, error)
}

// CompileLike turns a SQL LIKE pattern into an anchored, case-insensitive
// regular expression. % matches any run, _ one character and \ escapes.
func CompileLike(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: trailing escape in %q", ErrBadPattern, pattern)
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Term is one element of a full-text query
type Term struct {
	// Tokens holds one token for a word and several for a phrase
	Tokens []string
	Prefix bool
}

// ParseQuery splits a query into terms: words, "quoted phrases" and words
// ending in * for prefix matches. The OR and AND keywords are ignored.
func ParseQuery(query string) []Term {
	var terms []Term
	rest := query
	for {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		if rest == "" {
			return terms
		}
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			var phrase string
			if end < 0 {
				phrase, rest = rest[1:], ""
			} else {
				phrase, rest = rest[1:end+1], rest[end+2:]
			}
			if toks := Tokenize(phrase); len(toks) > 0 {
				terms = append(terms, Term{Tokens: toks})
			}
			continue
		}
		word := rest
		if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
			word, rest = rest[:i], rest[i:]
		} else {
			rest = ""
		}
		if word == "OR" || word == "AND" {
			continue
		}
		prefix := strings.HasSuffix(word, "*")
		toks := Tokenize(strings.TrimSuffix(word, "*"))
		switch {
		case len(toks) == 1:
			terms = append(terms, Term{Tokens: toks, Prefix: prefix})
		case len(toks) > 1:
			// punctuation inside a word splits it like a phrase
			terms = append(terms, Term{Tokens: toks})
		}
	}
}

// Tokenize lower-cases text and splits it on anything that is not a
// letter or digit
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// MatchTokens reports whether term occurs in the token stream
func (t Term) MatchTokens(tokens []string) bool {
	n := len(t.Tokens)
	for i := 0; i+n <= len(tokens); i++ {
		ok := true
		for j, want := range t.Tokens {
			got := tokens[i+j]
			last := j == n-1
			if got == want || (last && t.Prefix && strings.HasPrefix(got, want)) {
				continue
			}
			ok = false
			break
		}
		if ok {
			return true
		}
	}
	return false
}
