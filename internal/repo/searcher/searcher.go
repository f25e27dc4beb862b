// Package searcher runs XPath selections and canned queries against a
// node store.
package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/systemshift/contentrepo/internal/cache"
	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
	"github.com/systemshift/contentrepo/internal/repo/nodexpath"
	"github.com/systemshift/contentrepo/internal/repo/query"
	"github.com/systemshift/contentrepo/internal/repo/sandbox"
	"github.com/systemshift/contentrepo/internal/repo/search"
	"github.com/systemshift/contentrepo/internal/xpath"
)

var (
	// ErrNotNode is returned when a node selection yields attributes or values
	ErrNotNode = errors.New("selection result is not a node")
	// ErrNotProperty is returned when a property selection yields elements
	ErrNotProperty = errors.New("selection result is not a property")
	// ErrUnsupportedLanguage is returned for canned queries in other languages
	ErrUnsupportedLanguage = errors.New("unsupported query language")
)

// Searcher is the search facade over a node store
type Searcher struct {
	nodes    graph.NodeService
	dict     dictionary.Service
	search   search.Service
	resolver namespace.Resolver
	catalog  *query.Catalog
	limits   sandbox.Limits
	jcr      bool
	exprs    *cache.LRU[string, *xpath.Expression]
	patterns *nodexpath.PatternCache
	logger   *slog.Logger
}

// Option configures a Searcher
type Option func(*Searcher)

// WithLimits bounds each evaluation
func WithLimits(l sandbox.Limits) Option {
	return func(s *Searcher) {
		s.limits = l
	}
}

// WithCatalog enables canned queries
func WithCatalog(c *query.Catalog) Option {
	return func(s *Searcher) {
		s.catalog = c
	}
}

// WithJCRMode evaluates every expression in JCR compatibility mode
func WithJCRMode(jcr bool) Option {
	return func(s *Searcher) {
		s.jcr = jcr
	}
}

// WithCacheSize bounds the compiled expression cache
func WithCacheSize(size int) Option {
	return func(s *Searcher) {
		s.exprs = cache.New[string, *xpath.Expression](size)
	}
}

// WithPatternCacheSize bounds the deref pattern cache
func WithPatternCacheSize(size int) Option {
	return func(s *Searcher) {
		s.patterns = nodexpath.NewPatternCache(size)
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Searcher) {
		s.logger = l
	}
}

// New creates a Searcher. resolver supplies prefixes when a call passes none.
func New(nodes graph.NodeService, dict dictionary.Service, searcher search.Service, resolver namespace.Resolver, opts ...Option) *Searcher {
	s := &Searcher{
		nodes:    nodes,
		dict:     dict,
		search:   searcher,
		resolver: resolver,
		exprs:    cache.New[string, *xpath.Expression](512),
		patterns: nodexpath.NewPatternCache(256),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the canned query catalog, nil when none was configured
func (s *Searcher) Catalog() *query.Catalog {
	return s.catalog
}

// Selection describes one XPath evaluation
type Selection struct {
	Context core.NodeRef
	XPath   string
	// Params are bound with Values, falling back to their defaults
	Params []*query.ParameterDef
	Values map[core.QName]string
	// Resolver overrides the default prefix resolver
	Resolver             namespace.Resolver
	Namespaces           map[string]string
	FollowAllParentLinks bool
}

// SelectNodes evaluates xpath from contextRef and returns the distinct
// nodes selected, in selection order. Parameters are bound to their
// defaults.
func (s *Searcher) SelectNodes(ctx context.Context, contextRef core.NodeRef, expr string, params []*query.ParameterDef, resolver namespace.Resolver, followAll bool) ([]core.NodeRef, error) {
	return s.Select(ctx, Selection{
		Context:              contextRef,
		XPath:                expr,
		Params:               params,
		Resolver:             resolver,
		FollowAllParentLinks: followAll,
	})
}

// SelectProperties evaluates xpath and returns the values of the selected
// attributes
func (s *Searcher) SelectProperties(ctx context.Context, contextRef core.NodeRef, expr string, params []*query.ParameterDef, resolver namespace.Resolver, followAll bool) ([]any, error) {
	nodes, err := s.evaluate(ctx, Selection{
		Context:              contextRef,
		XPath:                expr,
		Params:               params,
		Resolver:             resolver,
		FollowAllParentLinks: followAll,
	})
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		p, ok := n.(nodexpath.Property)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrNotProperty, n)
		}
		out = append(out, p.Value)
	}
	return out, nil
}

// Select evaluates a Selection and returns the distinct nodes selected
func (s *Searcher) Select(ctx context.Context, sel Selection) ([]core.NodeRef, error) {
	nodes, err := s.evaluate(ctx, sel)
	if err != nil {
		return nil, err
	}
	return nodeRefs(nodes)
}

// ExecuteCanned runs a registered xpath canned query
func (s *Searcher) ExecuteCanned(ctx context.Context, contextRef core.NodeRef, name core.QName, values map[core.QName]string) ([]core.NodeRef, error) {
	if s.catalog == nil {
		return nil, fmt.Errorf("%w: %s", query.ErrUnknownQuery, name)
	}
	q, err := s.catalog.Query(name)
	if err != nil {
		return nil, err
	}
	if q.Language != query.LanguageXPath {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, q.Language)
	}
	return s.Select(ctx, Selection{
		Context:    contextRef,
		XPath:      q.Query,
		Params:     q.Params,
		Values:     values,
		Namespaces: q.Namespaces,
	})
}

func (s *Searcher) evaluate(ctx context.Context, sel Selection) ([]xpath.Node, error) {
	expr, err := s.compile(sel.XPath)
	if err != nil {
		return nil, err
	}
	bound, err := query.Bind(s.dict, sel.Params, sel.Values)
	if err != nil {
		return nil, err
	}
	start, err := s.nodes.PrimaryParent(ctx, sel.Context)
	if err != nil {
		return nil, err
	}

	resolver := sel.Resolver
	if resolver == nil {
		resolver = s.resolver
	}
	nav := nodexpath.NewDocumentNavigator(s.nodes, s.dict, s.search, resolver,
		nodexpath.WithFollowAllParentLinks(sel.FollowAllParentLinks),
		nodexpath.WithJCRMode(s.jcr),
		nodexpath.WithPatternCache(s.patterns),
		nodexpath.WithLogger(s.logger),
	)
	opts := []nodexpath.XPathOption{
		nodexpath.WithVariables(query.Variables(bound)),
		nodexpath.WithXPathLogger(s.logger),
	}
	if !s.limits.Unlimited() {
		opts = append(opts, nodexpath.WithObserver(sandbox.NewBudget(s.limits)))
	}
	x := nodexpath.NewCompiled(expr, nav, opts...)
	for prefix, uri := range sel.Namespaces {
		x.AddNamespace(prefix, uri)
	}
	return x.SelectNodes(ctx, start)
}

func (s *Searcher) compile(src string) (*xpath.Expression, error) {
	return s.exprs.GetOrLoad(src, func() (*xpath.Expression, error) {
		return xpath.Compile(src)
	})
}

// CacheStats reports the compiled expression cache counters
func (s *Searcher) CacheStats() cache.Stats {
	return s.exprs.Stats()
}

func nodeRefs(nodes []xpath.Node) ([]core.NodeRef, error) {
	seen := make(map[core.NodeRef]struct{}, len(nodes))
	out := make([]core.NodeRef, 0, len(nodes))
	for _, n := range nodes {
		var ref core.NodeRef
		switch v := n.(type) {
		case core.ChildAssocRef:
			ref = v.Child
		case nodexpath.JCRRoot:
			ref = v.Root
		default:
			return nil, fmt.Errorf("%w: %T", ErrNotNode, n)
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}
