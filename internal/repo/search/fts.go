package search

import (
	"context"
	"strings"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/graph"
)

// TextIndex runs native full-text match expressions.
// graph.SQLiteStore implements it over FTS5.
type TextIndex interface {
	MatchText(ctx context.Context, ref core.NodeRef, prop *core.QName, match string) (bool, error)
}

// FTSService answers Contains from a full-text index and Like from the
// property values
type FTSService struct {
	index TextIndex
	like  *Matcher
}

// NewFTSService creates a service using index for full-text queries
func NewFTSService(index TextIndex, nodes graph.NodeService) *FTSService {
	return &FTSService{index: index, like: NewMatcher(nodes)}
}

// Like implements Service
func (s *FTSService) Like(ctx context.Context, ref core.NodeRef, prop core.QName, pattern string, includeFTS bool) (bool, error) {
	return s.like.Like(ctx, ref, prop, pattern, includeFTS)
}

// Contains implements Service. Each term is matched on its own so an AND
// query may be satisfied by terms found in different properties.
func (s *FTSService) Contains(ctx context.Context, ref core.NodeRef, prop *core.QName, query string, op Operator) (bool, error) {
	terms := ParseQuery(query)
	if len(terms) == 0 {
		return false, nil
	}
	for _, t := range terms {
		hit, err := s.index.MatchText(ctx, ref, prop, FTSExpression([]Term{t}, op))
		if err != nil {
			return false, err
		}
		if op == OR && hit {
			return true, nil
		}
		if op == AND && !hit {
			return false, nil
		}
	}
	return op == AND, nil
}

// FTSExpression renders terms as an FTS5 MATCH expression
func FTSExpression(terms []Term, op Operator) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		p := graph.FTSQuote(strings.Join(t.Tokens, " "))
		if t.Prefix {
			p += "*"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " "+op.String()+" ")
}
