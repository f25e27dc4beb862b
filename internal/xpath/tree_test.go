package xpath

import (
	"context"
	"maps"
	"slices"
	"strings"
)

// tnode is a small in-memory tree for exercising the engine
type tnode struct {
	kind     NodeKind
	ns       string
	name     string
	text     string
	parent   *tnode
	attrs    []*tnode
	children []*tnode
}

func elem(ns, name string, attrs map[string]string, children ...*tnode) *tnode {
	n := &tnode{kind: KindElement, ns: ns, name: name}
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		a := &tnode{kind: KindAttribute, name: k, text: attrs[k], parent: n}
		if k == "xml:lang" {
			a.ns, a.name = xmlNamespace, "lang"
		}
		n.attrs = append(n.attrs, a)
	}
	for _, c := range children {
		c.parent = n
		n.children = append(n.children, c)
	}
	return n
}

func text(s string) *tnode {
	return &tnode{kind: KindText, text: s}
}

func document(root *tnode) *tnode {
	doc := &tnode{kind: KindDocument, children: []*tnode{root}}
	root.parent = doc
	return doc
}

type treeNav struct {
	UnsupportedAxes
	prefixes map[string]string
}

func (treeNav) DocumentNode(ctx context.Context, n Node) (Node, error) {
	t := n.(*tnode)
	for t.parent != nil {
		t = t.parent
	}
	return t, nil
}

func (treeNav) Kind(n Node) NodeKind      { return n.(*tnode).kind }
func (treeNav) LocalName(n Node) string   { return n.(*tnode).name }
func (treeNav) NamespaceURI(n Node) string { return n.(*tnode).ns }

func (treeNav) StringValue(n Node) string {
	t := n.(*tnode)
	if t.kind == KindAttribute || t.kind == KindText {
		return t.text
	}
	var sb strings.Builder
	var walk func(*tnode)
	walk = func(t *tnode) {
		if t.kind == KindText {
			sb.WriteString(t.text)
		}
		for _, c := range t.children {
			walk(c)
		}
	}
	walk(t)
	return sb.String()
}

func (treeNav) ChildAxis(ctx context.Context, n Node, filter *NameFilter) Seq {
	return Nodes(n.(*tnode).children...)
}

func (treeNav) ParentAxis(ctx context.Context, n Node) Seq {
	if p := n.(*tnode).parent; p != nil {
		return Nodes(p)
	}
	return Empty()
}

func (treeNav) AttributeAxis(ctx context.Context, n Node, filter *NameFilter) Seq {
	return Nodes(n.(*tnode).attrs...)
}

func (treeNav) NamespaceAxis(ctx context.Context, n Node) Seq {
	return Empty()
}

func (nav treeNav) TranslateNamespacePrefix(prefix string) (string, bool) {
	uri, ok := nav.prefixes[prefix]
	return uri, ok
}

// library builds:
//
//	<lib>
//	  <book year="1999" xml:lang="en-GB"><title>Go</title><price>30</price></book>
//	  <book year="2005"><title>XPath</title><price>12.5</price></book>
//	  <b:note>hello  world</b:note>
//	</lib>
func library() *tnode {
	return document(elem("", "lib", nil,
		elem("", "book", map[string]string{"year": "1999", "xml:lang": "en-GB"},
			elem("", "title", nil, text("Go")),
			elem("", "price", nil, text("30")),
		),
		elem("", "book", map[string]string{"year": "2005"},
			elem("", "title", nil, text("XPath")),
			elem("", "price", nil, text("12.5")),
		),
		elem("urn:b", "note", nil, text("hello  world")),
	))
}
