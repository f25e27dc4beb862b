package xpath

import (
	"context"
	"fmt"
)

// Variables supplies variable bindings by expanded name
type Variables interface {
	Variable(space, local string) (any, bool)
}

// VariableMap is a Variables backed by a map
type VariableMap map[Name]any

// Variable implements Variables
func (m VariableMap) Variable(space, local string) (any, bool) {
	v, ok := m[Name{Space: space, Local: local}]
	return v, ok
}

// Observer is told about every node visited on an axis. A non-nil error
// aborts the evaluation with that error.
type Observer interface {
	Observe(ctx context.Context) error
}

// Options configure a single evaluation
type Options struct {
	// Namespaces binds prefixes ahead of the navigator's own translation
	Namespaces map[string]string
	// Functions defaults to NewFunctions()
	Functions *Functions
	Variables Variables
	Observer  Observer
}

var defaultFunctions = NewFunctions()

// Expression is a compiled XPath expression. It is immutable and safe for
// concurrent use.
type Expression struct {
	src  string
	root expr
}

// Compile parses src
func Compile(src string) (*Expression, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Expression{src: src, root: root}, nil
}

// MustCompile is Compile that panics on error
func MustCompile(src string) *Expression {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expression) String() string {
	return e.src
}

// Evaluate runs the expression with node as the context node. The result
// is a NodeSet, string, float64 or bool.
func (e *Expression) Evaluate(ctx context.Context, nav Navigator, node Node, opts Options) (any, error) {
	ev := &evaluation{
		ctx:       ctx,
		nav:       nav,
		opts:      opts,
		functions: opts.Functions,
		prefixes:  make(map[string]string),
	}
	if ev.functions == nil {
		ev.functions = defaultFunctions
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.root.eval(ev, frame{node: node, pos: 1, size: 1})
}

// Select evaluates an expression that must produce a node-set
func (e *Expression) Select(ctx context.Context, nav Navigator, node Node, opts Options) ([]Node, error) {
	v, err := e.Evaluate(ctx, nav, node, opts)
	if err != nil {
		return nil, err
	}
	set, ok := v.(NodeSet)
	if !ok {
		return nil, fmt.Errorf("%w: %q does not select nodes", ErrType, e.src)
	}
	return set, nil
}
