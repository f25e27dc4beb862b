// Package nodexpath exposes the node graph to the XPath engine and adds the
// repository's query functions.
package nodexpath

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
	"github.com/systemshift/contentrepo/internal/repo/search"
	"github.com/systemshift/contentrepo/internal/xpath"
)

// JCRRoot is the virtual jcr:root element that JCR mode places between the
// document and the store root's children
type JCRRoot struct {
	Root core.NodeRef
}

// Property is one value of a node property seen as an attribute. Index is
// the position within a multi-valued property, or -1.
type Property struct {
	Node  core.NodeRef
	Name  core.QName
	Value any
	Index int
}

// NamespaceBinding is a namespace node
type NamespaceBinding struct {
	Prefix string
	URI    string
}

// assocKey identifies an association regardless of its index and primary flag
type assocKey struct {
	Type   core.QName
	Parent core.NodeRef
	QName  core.QName
	Child  core.NodeRef
}

type propertyKey struct {
	Node  core.NodeRef
	Name  core.QName
	Index int
}

var (
	jcrPrimaryType = core.NewQName(namespace.JCRURI, "primaryType")
	jcrMixinTypes  = core.NewQName(namespace.JCRURI, "mixinTypes")
)

// DocumentNavigator presents a store as an XPath tree. Elements are child
// associations; the store root's association is the document node.
type DocumentNavigator struct {
	xpath.UnsupportedAxes

	nodes     graph.NodeService
	dict      dictionary.Service
	search    search.Service
	resolver  namespace.Resolver
	followAll bool
	jcr       bool
	patterns  *PatternCache
	logger    *slog.Logger
}

// Option configures a DocumentNavigator
type Option func(*DocumentNavigator)

// WithFollowAllParentLinks makes the parent axis return every parent
// rather than only the primary one
func WithFollowAllParentLinks(follow bool) Option {
	return func(n *DocumentNavigator) {
		n.followAll = follow
	}
}

// WithJCRMode enables the jcr:root wrapper and jcr pseudo-attributes
func WithJCRMode(jcr bool) Option {
	return func(n *DocumentNavigator) {
		n.jcr = jcr
	}
}

// WithPatternCache shares a compiled deref pattern cache
func WithPatternCache(c *PatternCache) Option {
	return func(n *DocumentNavigator) {
		n.patterns = c
	}
}

// WithLogger sets the navigator's logger
func WithLogger(l *slog.Logger) Option {
	return func(n *DocumentNavigator) {
		n.logger = l
	}
}

// NewDocumentNavigator creates a navigator over nodes
func NewDocumentNavigator(nodes graph.NodeService, dict dictionary.Service, searcher search.Service, resolver namespace.Resolver, opts ...Option) *DocumentNavigator {
	n := &DocumentNavigator{
		nodes:    nodes,
		dict:     dict,
		search:   searcher,
		resolver: resolver,
		patterns: NewPatternCache(defaultPatternCacheSize),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// FollowAllParentLinks reports whether the parent axis follows secondary parents
func (n *DocumentNavigator) FollowAllParentLinks() bool {
	return n.followAll
}

// JCRMode reports whether JCR compatibility is enabled
func (n *DocumentNavigator) JCRMode() bool {
	return n.jcr
}

// Key implements xpath.Keyer
func (n *DocumentNavigator) Key(node xpath.Node) any {
	switch v := node.(type) {
	case core.ChildAssocRef:
		return assocKey{Type: v.Type, Parent: v.Parent, QName: v.QName, Child: v.Child}
	case Property:
		return propertyKey{Node: v.Node, Name: v.Name, Index: v.Index}
	}
	return node
}

// DocumentNode returns the root association of the store holding node
func (n *DocumentNavigator) DocumentNode(ctx context.Context, node xpath.Node) (xpath.Node, error) {
	var store core.StoreRef
	switch v := node.(type) {
	case core.ChildAssocRef:
		if v.IsRoot() {
			return v, nil
		}
		store = v.Child.Store
	case JCRRoot:
		return core.RootAssoc(v.Root), nil
	case Property:
		store = v.Node.Store
	default:
		return nil, xpath.ErrType
	}
	root, err := n.nodes.RootNode(ctx, store)
	if err != nil {
		return nil, err
	}
	return core.RootAssoc(root), nil
}

// Kind implements xpath.Navigator
func (n *DocumentNavigator) Kind(node xpath.Node) xpath.NodeKind {
	switch v := node.(type) {
	case core.ChildAssocRef:
		if v.IsRoot() {
			return xpath.KindDocument
		}
		return xpath.KindElement
	case JCRRoot:
		return xpath.KindElement
	case Property:
		return xpath.KindAttribute
	case NamespaceBinding:
		return xpath.KindNamespace
	}
	return xpath.KindText
}

// LocalName returns the ISO 9075 encoded local name
func (n *DocumentNavigator) LocalName(node xpath.Node) string {
	switch v := node.(type) {
	case core.ChildAssocRef:
		return namespace.EncodeISO9075(v.QName.Local)
	case JCRRoot:
		return "root"
	case Property:
		return namespace.EncodeISO9075(v.Name.Local)
	case NamespaceBinding:
		return v.Prefix
	}
	return ""
}

// NamespaceURI implements xpath.Navigator
func (n *DocumentNavigator) NamespaceURI(node xpath.Node) string {
	switch v := node.(type) {
	case core.ChildAssocRef:
		return v.QName.Namespace
	case JCRRoot:
		return namespace.JCRURI
	case Property:
		return v.Name.Namespace
	}
	return ""
}

// StringValue is the node reference for elements and the property value
// for attributes
func (n *DocumentNavigator) StringValue(node xpath.Node) string {
	switch v := node.(type) {
	case core.ChildAssocRef:
		return v.Child.String()
	case JCRRoot:
		return v.Root.String()
	case Property:
		return core.ValueString(v.Value)
	case NamespaceBinding:
		return v.URI
	}
	return ""
}

// ChildAxis returns child associations, or the jcr:root wrapper below the
// document in JCR mode
func (n *DocumentNavigator) ChildAxis(ctx context.Context, node xpath.Node, filter *xpath.NameFilter) xpath.Seq {
	var parent core.NodeRef
	switch v := node.(type) {
	case core.ChildAssocRef:
		if v.IsRoot() && n.jcr {
			return xpath.Nodes(JCRRoot{Root: v.Child})
		}
		parent = v.Child
	case JCRRoot:
		parent = v.Root
	default:
		return xpath.Empty()
	}

	var assocFilter graph.AssocFilter
	if filter != nil {
		assocFilter.QName = core.NewQName(filter.Namespace, namespace.DecodeISO9075(filter.Local))
	}
	return func(yield func(xpath.Node, error) bool) {
		assocs, err := n.nodes.ChildAssocs(ctx, parent, assocFilter)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, a := range assocs {
			if !yield(a, nil) {
				return
			}
		}
	}
}

// ParentAxis returns the primary parent, or with FollowAllParentLinks
// every parent, each as that parent's own primary association
func (n *DocumentNavigator) ParentAxis(ctx context.Context, node xpath.Node) xpath.Seq {
	switch v := node.(type) {
	case core.ChildAssocRef:
		if v.IsRoot() {
			return xpath.Empty()
		}
		return func(yield func(xpath.Node, error) bool) {
			parents := []core.NodeRef{v.Parent}
			if n.followAll {
				assocs, err := n.nodes.ParentAssocs(ctx, v.Child)
				if err != nil {
					yield(nil, err)
					return
				}
				parents = parents[:0]
				for _, a := range assocs {
					parents = append(parents, a.Parent)
				}
			}
			for _, p := range parents {
				elem, err := n.elementFor(ctx, p)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(elem, nil) {
					return
				}
			}
		}
	case JCRRoot:
		return xpath.Nodes(core.RootAssoc(v.Root))
	case Property:
		return func(yield func(xpath.Node, error) bool) {
			pa, err := n.nodes.PrimaryParent(ctx, v.Node)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(pa, nil)
		}
	}
	return xpath.Empty()
}

// elementFor returns the element addressing ref: its primary parent
// association, or the jcr:root wrapper for a store root's children
func (n *DocumentNavigator) elementFor(ctx context.Context, ref core.NodeRef) (xpath.Node, error) {
	pa, err := n.nodes.PrimaryParent(ctx, ref)
	if err != nil {
		return nil, err
	}
	if pa.IsRoot() && n.jcr {
		return JCRRoot{Root: pa.Child}, nil
	}
	return pa, nil
}

// AttributeAxis returns one Property per property value. Multi-valued
// properties yield one entry per value.
func (n *DocumentNavigator) AttributeAxis(ctx context.Context, node xpath.Node, filter *xpath.NameFilter) xpath.Seq {
	assoc, ok := node.(core.ChildAssocRef)
	if !ok {
		return xpath.Empty()
	}
	ref := assoc.Child
	return func(yield func(xpath.Node, error) bool) {
		var attrs []Property
		if filter != nil {
			name := core.NewQName(filter.Namespace, namespace.DecodeISO9075(filter.Local))
			v, err := n.nodes.Property(ctx, ref, name)
			if err != nil {
				yield(nil, err)
				return
			}
			attrs = expandProperty(ref, name, v)
		} else {
			props, err := n.nodes.Properties(ctx, ref)
			if err != nil {
				yield(nil, err)
				return
			}
			names := make([]core.QName, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			slices.SortFunc(names, compareQNames)
			for _, name := range names {
				attrs = append(attrs, expandProperty(ref, name, props[name])...)
			}
		}

		if n.jcr && (filter == nil || filter.Namespace == namespace.JCRURI) {
			pseudo, err := n.jcrAttributes(ctx, ref)
			if err != nil {
				yield(nil, err)
				return
			}
			attrs = append(attrs, pseudo...)
		}

		for _, a := range attrs {
			if !yield(a, nil) {
				return
			}
		}
	}
}

func (n *DocumentNavigator) jcrAttributes(ctx context.Context, ref core.NodeRef) ([]Property, error) {
	typ, err := n.nodes.Type(ctx, ref)
	if err != nil {
		return nil, err
	}
	aspects, err := n.nodes.Aspects(ctx, ref)
	if err != nil {
		return nil, err
	}
	attrs := []Property{{Node: ref, Name: jcrPrimaryType, Value: n.shortName(typ), Index: -1}}
	for i, a := range aspects {
		attrs = append(attrs, Property{Node: ref, Name: jcrMixinTypes, Value: n.shortName(a), Index: i})
	}
	return attrs, nil
}

func expandProperty(ref core.NodeRef, name core.QName, v any) []Property {
	if v == nil {
		return nil
	}
	if !core.IsMultiValued(v) {
		return []Property{{Node: ref, Name: name, Value: v, Index: -1}}
	}
	values := core.Values(v)
	out := make([]Property, 0, len(values))
	for i, e := range values {
		out = append(out, Property{Node: ref, Name: name, Value: e, Index: i})
	}
	return out
}

// NamespaceAxis returns the registered prefix bindings, ordered by prefix
func (n *DocumentNavigator) NamespaceAxis(ctx context.Context, node xpath.Node) xpath.Seq {
	if n.Kind(node) != xpath.KindElement {
		return xpath.Empty()
	}
	bindings := n.resolver.Bindings()
	prefixes := make([]string, 0, len(bindings))
	for p := range bindings {
		prefixes = append(prefixes, p)
	}
	slices.Sort(prefixes)
	out := make([]NamespaceBinding, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, NamespaceBinding{Prefix: p, URI: bindings[p]})
	}
	return xpath.Nodes(out...)
}

// TranslateNamespacePrefix resolves prefixes through the namespace registry
func (n *DocumentNavigator) TranslateNamespacePrefix(prefix string) (string, bool) {
	uri, err := n.resolver.NamespaceURI(prefix)
	if err != nil {
		return "", false
	}
	return uri, true
}

// ElementsByID implements xpath.IDResolver: ids are node references, and
// each resolves to the node's primary association
func (n *DocumentNavigator) ElementsByID(ctx context.Context, doc xpath.Node, ids []string) xpath.Seq {
	return func(yield func(xpath.Node, error) bool) {
		for _, id := range ids {
			ref, err := core.ParseNodeRef(id)
			if err != nil {
				continue
			}
			ok, err := n.nodes.Exists(ctx, ref)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				continue
			}
			elem, err := n.elementFor(ctx, ref)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(elem, nil) {
				return
			}
		}
	}
}

// NodeRef returns the node a navigator node stands for
func NodeRef(node xpath.Node) (core.NodeRef, bool) {
	switch v := node.(type) {
	case core.ChildAssocRef:
		return v.Child, true
	case JCRRoot:
		return v.Root, true
	case Property:
		return v.Node, true
	}
	return core.NodeRef{}, false
}

// Like matches the pattern against prop on the node
func (n *DocumentNavigator) Like(ctx context.Context, node xpath.Node, prop core.QName, pattern string, includeFTS bool) (bool, error) {
	ref, ok := NodeRef(node)
	if !ok {
		return false, nil
	}
	return n.search.Like(ctx, ref, prop, pattern, includeFTS)
}

// Contains runs a full-text query against prop, or all properties when
// prop is nil
func (n *DocumentNavigator) Contains(ctx context.Context, node xpath.Node, prop *core.QName, query string, op search.Operator) (bool, error) {
	ref, ok := NodeRef(node)
	if !ok {
		return false, nil
	}
	return n.search.Contains(ctx, ref, prop, query, op)
}

// SubtypeOf reports whether the node's type is typeName or one of its subtypes
func (n *DocumentNavigator) SubtypeOf(ctx context.Context, node xpath.Node, typeName core.QName) (bool, error) {
	assoc, ok := node.(core.ChildAssocRef)
	if !ok {
		return false, nil
	}
	typ, err := n.nodes.Type(ctx, assoc.Child)
	if err != nil {
		return false, err
	}
	return n.dict.IsSubClass(typ, typeName), nil
}

// Deref resolves refText as a node reference. Pattern "*" yields the
// node's primary association, any other pattern the parent associations
// whose prefixed name matches it. Text that is not a node reference
// yields nothing.
func (n *DocumentNavigator) Deref(ctx context.Context, refText, pattern string) ([]xpath.Node, error) {
	ref, err := core.ParseNodeRef(refText)
	if err != nil {
		return nil, nil
	}
	if pattern == "*" {
		elem, err := n.elementFor(ctx, ref)
		if err != nil {
			return nil, err
		}
		return []xpath.Node{elem}, nil
	}

	matcher, err := n.patterns.get(pattern)
	if err != nil {
		return nil, err
	}
	assocs, err := n.nodes.ParentAssocs(ctx, ref)
	if err != nil {
		return nil, err
	}
	var out []xpath.Node
	for _, a := range assocs {
		if matcher.match(n.shortName(a.QName)) {
			out = append(out, a)
		}
	}
	return out, nil
}

// shortName renders q as prefix:local, falling back to {uri}local
func (n *DocumentNavigator) shortName(q core.QName) string {
	s, err := namespace.ShortName(q, n.resolver)
	if err != nil {
		return q.String()
	}
	return s
}

func compareQNames(a, b core.QName) int {
	return cmp.Or(cmp.Compare(a.Namespace, b.Namespace), cmp.Compare(a.Local, b.Local))
}
