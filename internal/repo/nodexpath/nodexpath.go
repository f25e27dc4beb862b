package nodexpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
	"github.com/systemshift/contentrepo/internal/repo/search"
	"github.com/systemshift/contentrepo/internal/xpath"
)

// ErrBadPattern is returned for malformed deref name patterns
var ErrBadPattern = errors.New("bad qname pattern")

var tracer = otel.Tracer("contentrepo.nodexpath")

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentrepo_xpath_evaluations_total",
		Help: "XPath evaluations by result",
	}, []string{"result"})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contentrepo_xpath_duration_seconds",
		Help:    "XPath evaluation duration",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	})

	resultNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contentrepo_xpath_result_nodes",
		Help:    "Nodes selected per XPath evaluation",
		Buckets: []float64{0, 1, 10, 100, 1000, 10000},
	})
)

// NodeServiceXPath is a compiled expression bound to a DocumentNavigator,
// with the repository function library and its own namespace and
// variable bindings. It is not safe for concurrent configuration.
type NodeServiceXPath struct {
	expr       *xpath.Expression
	nav        *DocumentNavigator
	namespaces map[string]string
	variables  xpath.VariableMap
	functions  *xpath.Functions
	observer   xpath.Observer
	logger     *slog.Logger
}

// XPathOption configures a NodeServiceXPath
type XPathOption func(*NodeServiceXPath)

// WithObserver installs a step observer for every evaluation
func WithObserver(o xpath.Observer) XPathOption {
	return func(x *NodeServiceXPath) {
		x.observer = o
	}
}

// WithVariables binds variables by qualified name
func WithVariables(vars map[core.QName]any) XPathOption {
	return func(x *NodeServiceXPath) {
		for name, v := range vars {
			x.SetVariable(name, v)
		}
	}
}

// WithXPathLogger sets the logger
func WithXPathLogger(l *slog.Logger) XPathOption {
	return func(x *NodeServiceXPath) {
		x.logger = l
	}
}

// New compiles expression for evaluation over nav
func New(expression string, nav *DocumentNavigator, opts ...XPathOption) (*NodeServiceXPath, error) {
	expr, err := xpath.Compile(expression)
	if err != nil {
		return nil, err
	}
	return NewCompiled(expr, nav, opts...), nil
}

// NewCompiled wraps an already compiled expression
func NewCompiled(expr *xpath.Expression, nav *DocumentNavigator, opts ...XPathOption) *NodeServiceXPath {
	x := &NodeServiceXPath{
		expr:       expr,
		nav:        nav,
		namespaces: make(map[string]string),
		variables:  make(xpath.VariableMap),
		logger:     nav.logger,
	}
	x.functions = x.library()
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// AddNamespace binds prefix for this expression only
func (x *NodeServiceXPath) AddNamespace(prefix, uri string) {
	x.namespaces[prefix] = uri
}

// SetVariable binds $name
func (x *NodeServiceXPath) SetVariable(name core.QName, value any) {
	x.variables[xpath.Name{Space: name.Namespace, Local: name.Local}] = value
}

func (x *NodeServiceXPath) String() string {
	return x.expr.String()
}

func (x *NodeServiceXPath) options() xpath.Options {
	return xpath.Options{
		Namespaces: x.namespaces,
		Functions:  x.functions,
		Variables:  x.variables,
		Observer:   x.observer,
	}
}

// SelectNodes evaluates the expression with context as the context node.
// Results keep first-seen order with logically identical nodes removed.
func (x *NodeServiceXPath) SelectNodes(ctx context.Context, contextNode xpath.Node) ([]xpath.Node, error) {
	ctx, span := tracer.Start(ctx, "nodexpath.SelectNodes",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("xpath.expression", x.expr.String()),
			attribute.Bool("xpath.follow_all_parents", x.nav.followAll),
			attribute.Bool("xpath.jcr", x.nav.jcr),
		),
	)
	defer span.End()

	start := time.Now()
	nodes, err := x.expr.Select(ctx, x.nav, contextNode, x.options())
	evaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		evaluationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Debug("xpath evaluation failed", "expression", x.expr.String(), "error", err)
		return nil, err
	}

	seen := make(map[any]struct{}, len(nodes))
	out := make([]xpath.Node, 0, len(nodes))
	for _, n := range nodes {
		k := x.nav.Key(n)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, n)
	}

	evaluationsTotal.WithLabelValues("ok").Inc()
	resultNodes.Observe(float64(len(out)))
	span.SetAttributes(attribute.Int("xpath.results", len(out)))
	return out, nil
}

// Evaluate returns the raw expression value: a node-set, string, number
// or boolean
func (x *NodeServiceXPath) Evaluate(ctx context.Context, contextNode xpath.Node) (any, error) {
	ctx, span := tracer.Start(ctx, "nodexpath.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("xpath.expression", x.expr.String()))

	v, err := x.expr.Evaluate(ctx, x.nav, contextNode, x.options())
	if err != nil {
		evaluationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	evaluationsTotal.WithLabelValues("ok").Inc()
	return v, nil
}

// library returns the core functions plus the repository functions
func (x *NodeServiceXPath) library() *xpath.Functions {
	f := xpath.NewFunctions()
	coreContains, _ := f.Lookup("", "contains")

	f.Register("", "like", x.like(2, 3))
	f.Register(namespace.JCRURI, "like", x.like(2, 2))
	f.Register("", "contains", func(c *xpath.Context, args []any) (any, error) {
		if len(args) == 1 {
			return x.nav.Contains(c.Context(), c.Node, nil, c.String(args[0]), search.OR)
		}
		return coreContains(c, args)
	})
	f.Register(namespace.JCRURI, "contains", x.jcrContains)
	f.Register("", "subtypeOf", x.subtypeOf)
	f.Register("", "deref", x.deref)
	f.Register(namespace.JCRURI, "deref", x.deref)
	f.Register("", "score", constant(1.0))
	f.Register(namespace.JCRURI, "score", constant(1.0))
	f.Register("", "first", constant(1.0))
	return f
}

func constant(v float64) xpath.Function {
	return func(c *xpath.Context, args []any) (any, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: takes no arguments", xpath.ErrArgument)
		}
		return v, nil
	}
}

// like(@attr, pattern[, includeFTS])
func (x *NodeServiceXPath) like(min, max int) xpath.Function {
	return func(c *xpath.Context, args []any) (any, error) {
		if len(args) < min || len(args) > max {
			return nil, fmt.Errorf("%w: got %d arguments", xpath.ErrArgument, len(args))
		}
		prop, ok, err := firstProperty(c, args[0])
		if err != nil || !ok {
			return false, err
		}
		includeFTS := len(args) == 3 && c.Boolean(args[2])
		return x.nav.Like(c.Context(), prop, prop.Name, c.String(args[1]), includeFTS)
	}
}

// jcr:contains(scope, query) where scope is an element or an attribute
func (x *NodeServiceXPath) jcrContains(c *xpath.Context, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: got %d arguments", xpath.ErrArgument, len(args))
	}
	scope, err := c.NodeSet(args[0])
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		return false, nil
	}
	var prop *core.QName
	if p, ok := scope[0].(Property); ok {
		prop = &p.Name
	}
	return x.nav.Contains(c.Context(), scope[0], prop, c.String(args[1]), search.AND)
}

// subtypeOf(type) with "*" matching any type
func (x *NodeServiceXPath) subtypeOf(c *xpath.Context, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: got %d arguments", xpath.ErrArgument, len(args))
	}
	name := c.String(args[0])
	if name == "*" {
		return true, nil
	}
	typeName, err := x.parseQName(c, name)
	if err != nil {
		return nil, err
	}
	return x.nav.SubtypeOf(c.Context(), c.Node, typeName)
}

// deref(@attr, pattern)
func (x *NodeServiceXPath) deref(c *xpath.Context, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: got %d arguments", xpath.ErrArgument, len(args))
	}
	nodes, err := x.nav.Deref(c.Context(), c.String(args[0]), c.String(args[1]))
	if err != nil {
		return nil, err
	}
	return xpath.NodeSet(nodes), nil
}

// parseQName accepts {uri}local or prefix:local
func (x *NodeServiceXPath) parseQName(c *xpath.Context, name string) (core.QName, error) {
	if strings.HasPrefix(name, "{") {
		return core.ParseQName(name)
	}
	prefix, local, ok := strings.Cut(name, ":")
	if !ok {
		prefix, local = "", name
	}
	uri, err := c.ResolvePrefix(prefix)
	if err != nil {
		return core.QName{}, err
	}
	return core.NewQName(uri, local), nil
}

func firstProperty(c *xpath.Context, v any) (Property, bool, error) {
	set, err := c.NodeSet(v)
	if err != nil {
		return Property{}, false, err
	}
	for _, n := range set {
		if p, ok := n.(Property); ok {
			return p, true, nil
		}
	}
	return Property{}, false, nil
}
