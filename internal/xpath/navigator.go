package xpath

import (
	"context"
	"iter"
)

// Node is a navigator-owned tree node. The engine never looks inside it.
type Node any

// Seq is a lazy axis sequence. A non-nil error ends the sequence.
type Seq = iter.Seq2[Node, error]

// NodeKind classifies navigator nodes
type NodeKind int

const (
	KindDocument NodeKind = iota
	KindElement
	KindAttribute
	KindNamespace
	KindText
	KindComment
	KindProcessingInstruction
)

// NameFilter narrows child and attribute axes to one expanded name. Local
// is the name as written in the expression.
type NameFilter struct {
	Namespace string
	Local     string
}

// Navigator exposes a tree to the engine. Axes must be safe to range over
// more than once.
type Navigator interface {
	// DocumentNode returns the root of the tree containing n
	DocumentNode(ctx context.Context, n Node) (Node, error)
	Kind(n Node) NodeKind
	// LocalName returns the local name of elements and attributes, the
	// prefix of namespace nodes and the target of processing instructions
	LocalName(n Node) string
	NamespaceURI(n Node) string
	StringValue(n Node) string

	// ChildAxis may use filter to skip children; the engine re-checks names
	ChildAxis(ctx context.Context, n Node, filter *NameFilter) Seq
	ParentAxis(ctx context.Context, n Node) Seq
	AttributeAxis(ctx context.Context, n Node, filter *NameFilter) Seq
	NamespaceAxis(ctx context.Context, n Node) Seq
	FollowingSiblingAxis(ctx context.Context, n Node) Seq
	PrecedingSiblingAxis(ctx context.Context, n Node) Seq
	FollowingAxis(ctx context.Context, n Node) Seq
	PrecedingAxis(ctx context.Context, n Node) Seq

	// TranslateNamespacePrefix resolves prefixes the expression itself
	// does not bind
	TranslateNamespacePrefix(prefix string) (string, bool)
}

// Keyer is implemented by navigators whose nodes are not usable as map
// keys, or whose equal positions may come back as different values
type Keyer interface {
	Key(n Node) any
}

// UnsupportedAxes can be embedded by navigators without document order.
// Every method fails with ErrUnsupportedAxis.
type UnsupportedAxes struct{}

// FollowingSiblingAxis fails with ErrUnsupportedAxis
func (UnsupportedAxes) FollowingSiblingAxis(ctx context.Context, n Node) Seq {
	return Fail(ErrUnsupportedAxis)
}

// PrecedingSiblingAxis fails with ErrUnsupportedAxis
func (UnsupportedAxes) PrecedingSiblingAxis(ctx context.Context, n Node) Seq {
	return Fail(ErrUnsupportedAxis)
}

// FollowingAxis fails with ErrUnsupportedAxis
func (UnsupportedAxes) FollowingAxis(ctx context.Context, n Node) Seq {
	return Fail(ErrUnsupportedAxis)
}

// PrecedingAxis fails with ErrUnsupportedAxis
func (UnsupportedAxes) PrecedingAxis(ctx context.Context, n Node) Seq {
	return Fail(ErrUnsupportedAxis)
}

// Fail returns a sequence yielding only err
func Fail(err error) Seq {
	return func(yield func(Node, error) bool) {
		yield(nil, err)
	}
}

// Empty returns an empty sequence
func Empty() Seq {
	return func(yield func(Node, error) bool) {}
}

// Nodes returns a sequence over a fixed list of nodes
func Nodes[T any](nodes ...T) Seq {
	return func(yield func(Node, error) bool) {
		for _, n := range nodes {
			if !yield(n, nil) {
				return
			}
		}
	}
}
