package xpath

import (
	"context"
	"fmt"
	"maps"
	"math"
	"strings"
	"unicode/utf8"
)

// Function implements an XPath function. Arguments arrive already
// evaluated as NodeSet, string, float64 or bool.
type Function func(c *Context, args []any) (any, error)

// Name is an expanded function or variable name
type Name struct {
	Space string
	Local string
}

func (n Name) String() string {
	if n.Space == "" {
		return n.Local
	}
	return "{" + n.Space + "}" + n.Local
}

// Functions is a function table keyed by expanded name. A table is
// not safe for concurrent Register calls once shared.
type Functions struct {
	table map[Name]Function
}

// NewFunctions returns a table holding the XPath 1.0 core library plus
// lower-case and upper-case
func NewFunctions() *Functions {
	f := &Functions{table: make(map[Name]Function, len(coreFunctions))}
	for local, fn := range coreFunctions {
		f.table[Name{Local: local}] = fn
	}
	return f
}

// Register binds fn to {space}local, replacing any previous binding
func (f *Functions) Register(space, local string, fn Function) {
	f.table[Name{Space: space, Local: local}] = fn
}

// Lookup finds the function bound to {space}local
func (f *Functions) Lookup(space, local string) (Function, bool) {
	fn, ok := f.table[Name{Space: space, Local: local}]
	return fn, ok
}

// Clone returns an independent copy of the table
func (f *Functions) Clone() *Functions {
	return &Functions{table: maps.Clone(f.table)}
}

// IDResolver is implemented by navigators that support the id() function
type IDResolver interface {
	ElementsByID(ctx context.Context, doc Node, ids []string) Seq
}

// Context is the dynamic context handed to a Function
type Context struct {
	ctx      context.Context
	Nav      Navigator
	Node     Node
	Position int
	Size     int
	ev       *evaluation
}

// Context returns the context.Context of the running evaluation
func (c *Context) Context() context.Context {
	return c.ctx
}

// String converts v with the string() rules
func (c *Context) String(v any) string {
	return stringOf(c.Nav, v)
}

// Number converts v with the number() rules
func (c *Context) Number(v any) float64 {
	return numberOf(c.Nav, v)
}

// Boolean converts v with the boolean() rules
func (c *Context) Boolean(v any) bool {
	return booleanOf(v)
}

// NodeSet asserts that v is a node-set
func (c *Context) NodeSet(v any) (NodeSet, error) {
	set, ok := v.(NodeSet)
	if !ok {
		return nil, fmt.Errorf("%w: expected node-set, got %T", ErrType, v)
	}
	return set, nil
}

// ResolvePrefix maps a prefix to a namespace URI the same way names in the
// expression are resolved
func (c *Context) ResolvePrefix(prefix string) (string, error) {
	return c.ev.resolvePrefix(prefix)
}

// Variable looks up a variable binding of the running evaluation
func (c *Context) Variable(space, local string) (any, bool) {
	if c.ev.opts.Variables == nil {
		return nil, false
	}
	v, ok := c.ev.opts.Variables.Variable(space, local)
	if !ok {
		return nil, false
	}
	return Normalize(v), true
}

// contextOrFirst returns the first node of args[0], or the context node
// when called without arguments
func (c *Context) contextOrFirst(args []any) (Node, bool, error) {
	if len(args) == 0 {
		return c.Node, true, nil
	}
	set, err := c.NodeSet(args[0])
	if err != nil {
		return nil, false, err
	}
	if len(set) == 0 {
		return nil, false, nil
	}
	return set[0], true, nil
}

func arity(args []any, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return argErrorf("got %d arguments", len(args))
	}
	return nil
}

var coreFunctions = map[string]Function{
	"last": func(c *Context, args []any) (any, error) {
		if err := arity(args, 0, 0); err != nil {
			return nil, err
		}
		return float64(c.Size), nil
	},
	"position": func(c *Context, args []any) (any, error) {
		if err := arity(args, 0, 0); err != nil {
			return nil, err
		}
		return float64(c.Position), nil
	},
	"count": func(c *Context, args []any) (any, error) {
		if err := arity(args, 1, 1); err != nil {
			return nil, err
		}
		set, err := c.NodeSet(args[0])
		if err != nil {
			return nil, err
		}
		return float64(len(set)), nil
	},
	"id":            idFunc,
	"local-name":    nameFunc(func(c *Context, n Node) string { return c.Nav.LocalName(n) }),
	"namespace-uri": nameFunc(func(c *Context, n Node) string { return c.Nav.NamespaceURI(n) }),
	"name":          nameFunc(qualifiedName),
	"string": func(c *Context, args []any) (any, error) {
		if err := arity(args, 0, 1); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return c.Nav.StringValue(c.Node), nil
		}
		return c.String(args[0]), nil
	},
	"concat": func(c *Context, args []any) (any, error) {
		if err := arity(args, 2, -1); err != nil {
			return nil, err
		}
		var sb strings.Builder
		for _, a := range args {
			sb.WriteString(c.String(a))
		}
		return sb.String(), nil
	},
	"starts-with": stringPair(strings.HasPrefix),
	"contains":    stringPair(strings.Contains),
	"substring-before": func(c *Context, args []any) (any, error) {
		if err := arity(args, 2, 2); err != nil {
			return nil, err
		}
		before, _, found := strings.Cut(c.String(args[0]), c.String(args[1]))
		if !found {
			return "", nil
		}
		return before, nil
	},
	"substring-after": func(c *Context, args []any) (any, error) {
		if err := arity(args, 2, 2); err != nil {
			return nil, err
		}
		_, after, found := strings.Cut(c.String(args[0]), c.String(args[1]))
		if !found {
			return "", nil
		}
		return after, nil
	},
	"substring": substringFunc,
	"string-length": func(c *Context, args []any) (any, error) {
		if err := arity(args, 0, 1); err != nil {
			return nil, err
		}
		s := c.Nav.StringValue(c.Node)
		if len(args) == 1 {
			s = c.String(args[0])
		}
		return float64(utf8.RuneCountInString(s)), nil
	},
	"normalize-space": func(c *Context, args []any) (any, error) {
		if err := arity(args, 0, 1); err != nil {
			return nil, err
		}
		s := c.Nav.StringValue(c.Node)
		if len(args) == 1 {
			s = c.String(args[0])
		}
		return strings.Join(strings.Fields(s), " "), nil
	},
	"translate": translateFunc,
	"lower-case": func(c *Context, args []any) (any, error) {
		if err := arity(args, 1, 1); err != nil {
			return nil, err
		}
		return strings.ToLower(c.String(args[0])), nil
	},
	"upper-case": func(c *Context, args []any) (any, error) {
		if err := arity(args, 1, 1); err != nil {
			return nil, err
		}
		return strings.ToUpper(c.String(args[0])), nil
	},
	"boolean": func(c *Context, args []any) (any, error) {
		if err := arity(args, 1, 1); err != nil {
			return nil, err
		}
		return c.Boolean(args[0]), nil
	},
	"not": func(c *Context, args []any) (any, error) {
		if err := arity(args, 1, 1); err != nil {
			return nil, err
		}
		return !c.Boolean(args[0]), nil
	},
	"true": func(c *Context, args []any) (any, error) {
		return true, arity(args, 0, 0)
	},
	"false": func(c *Context, args []any) (any, error) {
		return false, arity(args, 0, 0)
	},
	"lang": langFunc,
	"number": func(c *Context, args []any) (any, error) {
		if err := arity(args, 0, 1); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return ParseNumber(c.Nav.StringValue(c.Node)), nil
		}
		return c.Number(args[0]), nil
	},
	"sum": func(c *Context, args []any) (any, error) {
		if err := arity(args, 1, 1); err != nil {
			return nil, err
		}
		set, err := c.NodeSet(args[0])
		if err != nil {
			return nil, err
		}
		var total float64
		for _, n := range set {
			total += ParseNumber(c.Nav.StringValue(n))
		}
		return total, nil
	},
	"floor":   numberFunc(math.Floor),
	"ceiling": numberFunc(math.Ceil),
	"round":   numberFunc(round),
}

func stringPair(fn func(a, b string) bool) Function {
	return func(c *Context, args []any) (any, error) {
		if err := arity(args, 2, 2); err != nil {
			return nil, err
		}
		return fn(c.String(args[0]), c.String(args[1])), nil
	}
}

func numberFunc(fn func(float64) float64) Function {
	return func(c *Context, args []any) (any, error) {
		if err := arity(args, 1, 1); err != nil {
			return nil, err
		}
		return fn(c.Number(args[0])), nil
	}
}

func nameFunc(fn func(c *Context, n Node) string) Function {
	return func(c *Context, args []any) (any, error) {
		if err := arity(args, 0, 1); err != nil {
			return nil, err
		}
		n, ok, err := c.contextOrFirst(args)
		if err != nil || !ok {
			return "", err
		}
		return fn(c, n), nil
	}
}

// qualifiedName prefixes the local name with any prefix bound to its
// namespace in the evaluation options
func qualifiedName(c *Context, n Node) string {
	local, uri := c.Nav.LocalName(n), c.Nav.NamespaceURI(n)
	if uri == "" {
		return local
	}
	best := ""
	for prefix, bound := range c.ev.opts.Namespaces {
		if bound == uri && (best == "" || prefix < best) {
			best = prefix
		}
	}
	if best == "" {
		return local
	}
	return best + ":" + local
}

func round(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	if f < 0 && f >= -0.5 {
		return math.Copysign(0, -1)
	}
	return math.Floor(f + 0.5)
}

func substringFunc(c *Context, args []any) (any, error) {
	if err := arity(args, 2, 3); err != nil {
		return nil, err
	}
	runes := []rune(c.String(args[0]))
	start := round(c.Number(args[1]))
	end := math.Inf(1)
	if len(args) == 3 {
		end = start + round(c.Number(args[2]))
	}
	var sb strings.Builder
	for i, r := range runes {
		pos := float64(i + 1)
		if pos >= start && pos < end {
			sb.WriteRune(r)
		}
	}
	return sb.String(), nil
}

func translateFunc(c *Context, args []any) (any, error) {
	if err := arity(args, 3, 3); err != nil {
		return nil, err
	}
	from, to := []rune(c.String(args[1])), []rune(c.String(args[2]))
	mapping := make(map[rune]int, len(from))
	for i, r := range from {
		if _, ok := mapping[r]; !ok {
			mapping[r] = i
		}
	}
	var sb strings.Builder
	for _, r := range c.String(args[0]) {
		i, ok := mapping[r]
		switch {
		case !ok:
			sb.WriteRune(r)
		case i < len(to):
			sb.WriteRune(to[i])
		}
	}
	return sb.String(), nil
}

func idFunc(c *Context, args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	resolver, ok := c.Nav.(IDResolver)
	if !ok {
		return NodeSet{}, nil
	}
	var ids []string
	if set, isSet := args[0].(NodeSet); isSet {
		for _, n := range set {
			ids = append(ids, strings.Fields(c.Nav.StringValue(n))...)
		}
	} else {
		ids = strings.Fields(c.String(args[0]))
	}
	doc, err := c.Nav.DocumentNode(c.ctx, c.Node)
	if err != nil {
		return nil, err
	}
	b := newNodeSetBuilder(c.Nav)
	for n, err := range resolver.ElementsByID(c.ctx, doc, ids) {
		if err != nil {
			return nil, err
		}
		b.add(n)
	}
	if b.nodes == nil {
		return NodeSet{}, nil
	}
	return b.nodes, nil
}

// langFunc finds the nearest xml:lang attribute on the ancestor-or-self axis
func langFunc(c *Context, args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	want := strings.ToLower(c.String(args[0]))
	filter := &NameFilter{Namespace: xmlNamespace, Local: "lang"}
	for n, err := range c.ev.ancestors(c.Node, true) {
		if err != nil {
			return nil, err
		}
		for attr, err := range c.Nav.AttributeAxis(c.ctx, n, filter) {
			if err != nil {
				return nil, err
			}
			if c.Nav.LocalName(attr) != "lang" || c.Nav.NamespaceURI(attr) != xmlNamespace {
				continue
			}
			lang := strings.ToLower(c.Nav.StringValue(attr))
			return lang == want || strings.HasPrefix(lang, want+"-"), nil
		}
	}
	return false, nil
}
