package subscriptions

import (
	"context"
	"fmt"
	"strings"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/events"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
	"github.com/systemshift/contentrepo/internal/repo/query"
	"github.com/systemshift/contentrepo/internal/xpath"
)

// Selector evaluates XPath patterns
type Selector interface {
	SelectNodes(ctx context.Context, contextRef core.NodeRef, expr string, params []*query.ParameterDef, resolver namespace.Resolver, followAll bool) ([]core.NodeRef, error)
}

// Matcher evaluates events against subscription patterns
type Matcher struct {
	dict     dictionary.Service
	resolver namespace.Resolver
	selector Selector
}

// NewMatcher creates a pattern matcher. selector may be nil, in which case
// XPath patterns never match.
func NewMatcher(dict dictionary.Service, resolver namespace.Resolver, selector Selector) *Matcher {
	return &Matcher{dict: dict, resolver: resolver, selector: selector}
}

// Validate checks that the pattern's names resolve and its XPath compiles
func (m *Matcher) Validate(pattern SubscriptionPattern) error {
	for _, names := range [][]string{pattern.NodeTypes, pattern.Aspects} {
		for _, n := range names {
			if _, err := namespace.ParseQName(n, m.resolver); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalid, err)
			}
		}
	}
	for n := range pattern.PropertyMatch {
		if _, err := namespace.ParseQName(n, m.resolver); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	if pattern.XPath != "" {
		if _, err := xpath.Compile(pattern.XPath); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// Match evaluates if an event matches a subscription pattern.
// Returns (matched, selected node refs).
func (m *Matcher) Match(ctx context.Context, ev events.RepoEvent, pattern SubscriptionPattern) (bool, []string, error) {
	if !m.matchSimple(ev, pattern) {
		return false, nil, nil
	}
	if pattern.XPath == "" {
		return true, nil, nil
	}
	if ev.Type == events.TypeNodeDeleted || m.selector == nil {
		return false, nil, nil
	}
	ref, err := core.ParseNodeRef(ev.Subject)
	if err != nil {
		return false, nil, err
	}
	refs, err := m.selector.SelectNodes(ctx, ref, pattern.XPath, nil, m.resolver, false)
	if err != nil {
		return false, nil, err
	}
	if len(refs) == 0 {
		return false, nil, nil
	}
	selected := make([]string, len(refs))
	for i, r := range refs {
		selected[i] = r.String()
	}
	return true, selected, nil
}

// matchSimple evaluates the criteria that need no graph access
func (m *Matcher) matchSimple(ev events.RepoEvent, pattern SubscriptionPattern) bool {
	res := ev.Data.Resource

	if len(pattern.EventTypes) > 0 {
		short := strings.TrimPrefix(ev.Type, "org.alfresco.event.")
		matched := false
		for _, et := range pattern.EventTypes {
			if et == ev.Type || et == short {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(pattern.NodeTypes) > 0 {
		nodeType, err := namespace.ParseQName(res.NodeType, m.resolver)
		if err != nil {
			return false
		}
		matched := false
		for _, nt := range pattern.NodeTypes {
			want, err := namespace.ParseQName(nt, m.resolver)
			if err == nil && (want == nodeType || m.dict.IsSubClass(nodeType, want)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, a := range pattern.Aspects {
		if !m.hasName(res.AspectNames, a) {
			return false
		}
	}

	for key, expected := range pattern.PropertyMatch {
		actual, ok := m.property(res.Properties, key)
		if !ok || !matchValue(expected, actual) {
			return false
		}
	}
	return true
}

// hasName reports whether names holds want, comparing resolved names
func (m *Matcher) hasName(names []string, want string) bool {
	w, err := namespace.ParseQName(want, m.resolver)
	if err != nil {
		return false
	}
	for _, n := range names {
		if q, err := namespace.ParseQName(n, m.resolver); err == nil && q == w {
			return true
		}
	}
	return false
}

func (m *Matcher) property(props map[string]any, key string) (any, bool) {
	if v, ok := props[key]; ok {
		return v, true
	}
	want, err := namespace.ParseQName(key, m.resolver)
	if err != nil {
		return nil, false
	}
	for k, v := range props {
		if q, err := namespace.ParseQName(k, m.resolver); err == nil && q == want {
			return v, true
		}
	}
	return nil, false
}

// matchValue compares expected and actual values with type flexibility.
// A multi-valued actual matches when any of its values does.
func matchValue(expected, actual any) bool {
	if core.IsMultiValued(actual) {
		for _, v := range core.Values(actual) {
			if matchValue(expected, v) {
				return true
			}
		}
		return false
	}
	if expected == actual {
		return true
	}

	expectedStr, ok1 := expected.(string)
	actualStr, ok2 := actual.(string)
	if ok1 && ok2 {
		return strings.EqualFold(expectedStr, actualStr)
	}

	expectedNum, ok1 := toFloat64(expected)
	actualNum, ok2 := toFloat64(actual)
	if ok1 && ok2 {
		return expectedNum == actualNum
	}

	if actual != nil {
		return strings.EqualFold(fmt.Sprint(expected), core.ValueString(actual))
	}
	return false
}

// toFloat64 converts various numeric types to float64
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
