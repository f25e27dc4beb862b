package search

import (
	"context"
	"regexp"

	"github.com/systemshift/contentrepo/internal/cache"
	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/graph"
)

// Matcher evaluates LIKE and full-text predicates by reading property
// values through a NodeService
type Matcher struct {
	nodes    graph.NodeService
	patterns *cache.LRU[string, *regexp.Regexp]
}

const likeCacheSize = 256

// NewMatcher creates a matcher over nodes
func NewMatcher(nodes graph.NodeService) *Matcher {
	return &Matcher{
		nodes:    nodes,
		patterns: cache.New[string, *regexp.Regexp](likeCacheSize),
	}
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	return m.patterns.GetOrLoad(pattern, func() (*regexp.Regexp, error) {
		return CompileLike(pattern)
	})
}

// CachedPatterns returns the number of compiled LIKE patterns held
func (m *Matcher) CachedPatterns() int {
	return m.patterns.Len()
}

// Like implements Service
func (m *Matcher) Like(ctx context.Context, ref core.NodeRef, prop core.QName, pattern string, includeFTS bool) (bool, error) {
	re, err := m.compile(pattern)
	if err != nil {
		return false, err
	}
	value, err := m.nodes.Property(ctx, ref, prop)
	if err != nil {
		return false, err
	}
	for _, v := range core.Values(value) {
		text := core.ValueString(v)
		if re.MatchString(text) {
			return true, nil
		}
		if !includeFTS {
			continue
		}
		for _, tok := range Tokenize(text) {
			if re.MatchString(tok) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Contains implements Service
func (m *Matcher) Contains(ctx context.Context, ref core.NodeRef, prop *core.QName, query string, op Operator) (bool, error) {
	terms := ParseQuery(query)
	if len(terms) == 0 {
		return false, nil
	}

	var values []any
	if prop != nil {
		v, err := m.nodes.Property(ctx, ref, *prop)
		if err != nil {
			return false, err
		}
		values = core.Values(v)
	} else {
		props, err := m.nodes.Properties(ctx, ref)
		if err != nil {
			return false, err
		}
		for _, v := range props {
			values = append(values, core.Values(v)...)
		}
	}

	// each value is its own field so phrases never span two values
	fields := make([][]string, 0, len(values))
	for _, v := range values {
		fields = append(fields, Tokenize(core.ValueString(v)))
	}
	matched := func(t Term) bool {
		for _, f := range fields {
			if t.MatchTokens(f) {
				return true
			}
		}
		return false
	}

	for _, t := range terms {
		hit := matched(t)
		if op == OR && hit {
			return true, nil
		}
		if op == AND && !hit {
			return false, nil
		}
	}
	return op == AND, nil
}
