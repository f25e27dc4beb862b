package xpath

import (
	"context"
	"fmt"
	"math"
)

const xmlNamespace = "http://www.w3.org/XML/1998/namespace"

// evaluation holds the state of one Evaluate call
type evaluation struct {
	ctx       context.Context
	nav       Navigator
	opts      Options
	functions *Functions
	prefixes  map[string]string
}

// frame is the dynamic context of a sub-expression
type frame struct {
	node Node
	pos  int
	size int
}

func (ev *evaluation) resolvePrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	if uri, ok := ev.prefixes[prefix]; ok {
		return uri, nil
	}
	uri, ok := ev.opts.Namespaces[prefix]
	if !ok {
		uri, ok = ev.nav.TranslateNamespacePrefix(prefix)
	}
	if !ok && prefix == "xml" {
		uri, ok = xmlNamespace, true
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrefix, prefix)
	}
	ev.prefixes[prefix] = uri
	return uri, nil
}

// visit is called for every node an axis produces
func (ev *evaluation) visit() error {
	if err := ev.ctx.Err(); err != nil {
		return err
	}
	if ev.opts.Observer != nil {
		return ev.opts.Observer.Observe(ev.ctx)
	}
	return nil
}

func (e *literalExpr) eval(ev *evaluation, f frame) (any, error) {
	return e.val, nil
}

func (e *numberExpr) eval(ev *evaluation, f frame) (any, error) {
	return e.val, nil
}

func (e *varExpr) eval(ev *evaluation, f frame) (any, error) {
	uri, err := ev.resolvePrefix(e.prefix)
	if err != nil {
		return nil, err
	}
	if ev.opts.Variables != nil {
		if v, ok := ev.opts.Variables.Variable(uri, e.local); ok {
			return Normalize(v), nil
		}
	}
	return nil, fmt.Errorf("%w: $%s", ErrUnknownVariable, qualified(e.prefix, e.local))
}

func (e *negExpr) eval(ev *evaluation, f frame) (any, error) {
	v, err := e.x.eval(ev, f)
	if err != nil {
		return nil, err
	}
	return -numberOf(ev.nav, v), nil
}

func (e *binaryExpr) eval(ev *evaluation, f frame) (any, error) {
	l, err := e.l.eval(ev, f)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "or":
		if booleanOf(l) {
			return true, nil
		}
		r, err := e.r.eval(ev, f)
		if err != nil {
			return nil, err
		}
		return booleanOf(r), nil
	case "and":
		if !booleanOf(l) {
			return false, nil
		}
		r, err := e.r.eval(ev, f)
		if err != nil {
			return nil, err
		}
		return booleanOf(r), nil
	}

	r, err := e.r.eval(ev, f)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "=", "!=", "<", "<=", ">", ">=":
		return compare(ev.nav, e.op, l, r), nil
	}

	a, b := numberOf(ev.nav, l), numberOf(ev.nav, r)
	switch e.op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "div":
		return a / b, nil
	case "mod":
		return math.Mod(a, b), nil
	}
	return nil, fmt.Errorf("%w: operator %s", ErrSyntax, e.op)
}

func (e *unionExpr) eval(ev *evaluation, f frame) (any, error) {
	b := newNodeSetBuilder(ev.nav)
	for _, side := range []expr{e.l, e.r} {
		v, err := side.eval(ev, f)
		if err != nil {
			return nil, err
		}
		set, ok := v.(NodeSet)
		if !ok {
			return nil, fmt.Errorf("%w: union of non node-set", ErrType)
		}
		for _, n := range set {
			b.add(n)
		}
	}
	return b.nodes, nil
}

func (e *callExpr) eval(ev *evaluation, f frame) (any, error) {
	uri, err := ev.resolvePrefix(e.prefix)
	if err != nil {
		return nil, err
	}
	fn, ok := ev.functions.Lookup(uri, e.local)
	if !ok {
		return nil, fmt.Errorf("%w: %s()", ErrUnknownFunction, qualified(e.prefix, e.local))
	}
	args := make([]any, len(e.args))
	for i, a := range e.args {
		if args[i], err = a.eval(ev, f); err != nil {
			return nil, err
		}
	}
	c := &Context{ctx: ev.ctx, Nav: ev.nav, Node: f.node, Position: f.pos, Size: f.size, ev: ev}
	v, err := fn(c, args)
	if err != nil {
		return nil, fmt.Errorf("%s(): %w", qualified(e.prefix, e.local), err)
	}
	return Normalize(v), nil
}

func (e *filterExpr) eval(ev *evaluation, f frame) (any, error) {
	v, err := e.primary.eval(ev, f)
	if err != nil {
		return nil, err
	}
	set, ok := v.(NodeSet)
	if !ok {
		return nil, fmt.Errorf("%w: predicate on non node-set", ErrType)
	}
	return ev.filter(set, e.preds)
}

func (e *pathExpr) eval(ev *evaluation, f frame) (any, error) {
	var nodes NodeSet
	switch {
	case e.filter != nil:
		v, err := e.filter.eval(ev, f)
		if err != nil {
			return nil, err
		}
		set, ok := v.(NodeSet)
		if !ok {
			return nil, fmt.Errorf("%w: path step on non node-set", ErrType)
		}
		nodes = set
	case e.absolute:
		doc, err := ev.nav.DocumentNode(ev.ctx, f.node)
		if err != nil {
			return nil, err
		}
		nodes = NodeSet{doc}
	default:
		nodes = NodeSet{f.node}
	}

	for _, s := range e.steps {
		b := newNodeSetBuilder(ev.nav)
		for _, n := range nodes {
			matched, err := ev.axis(s, n)
			if err != nil {
				return nil, err
			}
			if matched, err = ev.filter(matched, s.preds); err != nil {
				return nil, err
			}
			for _, m := range matched {
				b.add(m)
			}
		}
		nodes = b.nodes
		if nodes == nil {
			nodes = NodeSet{}
		}
	}
	return nodes, nil
}

// filter applies predicates in turn, positions counted in set order
func (ev *evaluation) filter(set NodeSet, preds []expr) (NodeSet, error) {
	for _, pred := range preds {
		var kept NodeSet
		for i, n := range set {
			v, err := pred.eval(ev, frame{node: n, pos: i + 1, size: len(set)})
			if err != nil {
				return nil, err
			}
			keep := false
			if num, ok := v.(float64); ok {
				keep = num == float64(i+1)
			} else {
				keep = booleanOf(v)
			}
			if keep {
				kept = append(kept, n)
			}
		}
		set = kept
	}
	return set, nil
}

// axis returns the nodes of s's axis from n that pass its node test
func (ev *evaluation) axis(s *step, n Node) (NodeSet, error) {
	principal := KindElement
	var seq Seq
	switch s.axis {
	case AxisChild:
		filter, err := ev.nameFilter(s.test)
		if err != nil {
			return nil, err
		}
		seq = ev.nav.ChildAxis(ev.ctx, n, filter)
	case AxisAttribute:
		principal = KindAttribute
		filter, err := ev.nameFilter(s.test)
		if err != nil {
			return nil, err
		}
		seq = ev.nav.AttributeAxis(ev.ctx, n, filter)
	case AxisNamespace:
		principal = KindNamespace
		seq = ev.nav.NamespaceAxis(ev.ctx, n)
	case AxisParent:
		seq = ev.nav.ParentAxis(ev.ctx, n)
	case AxisSelf:
		seq = Nodes(n)
	case AxisDescendant:
		seq = ev.descendants(n, false)
	case AxisDescendantOrSelf:
		seq = ev.descendants(n, true)
	case AxisAncestor:
		seq = ev.ancestors(n, false)
	case AxisAncestorOrSelf:
		seq = ev.ancestors(n, true)
	case AxisFollowingSibling:
		seq = ev.nav.FollowingSiblingAxis(ev.ctx, n)
	case AxisPrecedingSibling:
		seq = ev.nav.PrecedingSiblingAxis(ev.ctx, n)
	case AxisFollowing:
		seq = ev.nav.FollowingAxis(ev.ctx, n)
	case AxisPreceding:
		seq = ev.nav.PrecedingAxis(ev.ctx, n)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAxis, s.axis)
	}

	var out NodeSet
	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		if err := ev.visit(); err != nil {
			return nil, err
		}
		ok, err := ev.matches(s.test, principal, c)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (ev *evaluation) nameFilter(t nodeTest) (*NameFilter, error) {
	if t.kind != testName {
		return nil, nil
	}
	uri, err := ev.resolvePrefix(t.prefix)
	if err != nil {
		return nil, err
	}
	return &NameFilter{Namespace: uri, Local: t.local}, nil
}

func (ev *evaluation) matches(t nodeTest, principal NodeKind, n Node) (bool, error) {
	kind := ev.nav.Kind(n)
	switch t.kind {
	case testNode:
		return true, nil
	case testText:
		return kind == KindText, nil
	case testComment:
		return kind == KindComment, nil
	case testPI:
		return kind == KindProcessingInstruction && (t.local == "" || ev.nav.LocalName(n) == t.local), nil
	case testAnyName:
		return kind == principal, nil
	case testNamespace:
		if kind != principal {
			return false, nil
		}
		uri, err := ev.resolvePrefix(t.prefix)
		if err != nil {
			return false, err
		}
		return ev.nav.NamespaceURI(n) == uri, nil
	case testName:
		if kind != principal || ev.nav.LocalName(n) != t.local {
			return false, nil
		}
		uri, err := ev.resolvePrefix(t.prefix)
		if err != nil {
			return false, err
		}
		return ev.nav.NamespaceURI(n) == uri, nil
	}
	return false, nil
}

// descendants walks the child axis depth first in pre-order, yielding each
// distinct node once
func (ev *evaluation) descendants(n Node, self bool) Seq {
	return func(yield func(Node, error) bool) {
		b := newNodeSetBuilder(ev.nav)
		var walk func(n Node) bool
		walk = func(n Node) bool {
			for c, err := range ev.nav.ChildAxis(ev.ctx, n, nil) {
				if err != nil {
					yield(nil, err)
					return false
				}
				if !b.add(c) {
					continue
				}
				if !yield(c, nil) || !walk(c) {
					return false
				}
			}
			return true
		}
		if self {
			b.add(n)
			if !yield(n, nil) {
				return
			}
		}
		walk(n)
	}
}

// ancestors walks the parent axis breadth first, nearest first
func (ev *evaluation) ancestors(n Node, self bool) Seq {
	return func(yield func(Node, error) bool) {
		b := newNodeSetBuilder(ev.nav)
		if self {
			b.add(n)
			if !yield(n, nil) {
				return
			}
		}
		queue := []Node{n}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for p, err := range ev.nav.ParentAxis(ev.ctx, cur) {
				if err != nil {
					yield(nil, err)
					return
				}
				if !b.add(p) {
					continue
				}
				if !yield(p, nil) {
					return
				}
				queue = append(queue, p)
			}
		}
	}
}

func qualified(prefix, local string) string {
	if prefix == "" {
		return local
	}
	return prefix + ":" + local
}
