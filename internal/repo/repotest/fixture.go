// Package repotest builds the node graph used across repository tests.
package repotest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

// TestURI is the namespace of the test model, bound to prefix "test"
const TestURI = "http://www.alfresco.org/test/1.0"

// TestModel defines test:content and the properties set on n3
const TestModel = `
namespaces:
  - prefix: test
    uri: http://www.alfresco.org/test/1.0
types:
  - name: test:content
    parent: cm:content
    properties:
      - name: test:animal
        type: d:text
      - name: test:UPPERANIMAL
        type: d:text
      - name: test:reference
        type: d:noderef
      - name: test:mvp
        type: d:text
        multiple: true
      - name: test:mvi
        type: d:long
        multiple: true
`

// Q returns a name in the test namespace
func Q(local string) core.QName {
	return core.NewQName(TestURI, local)
}

// Fixture is the graph
//
//	root
//	├── n1 (root_p_n1)
//	│   ├── n3 (n1_p_n3)
//	│   │   └── n6 (n3_p_n6, sys:aspect_root)
//	│   │       └── n8 (n6_p_n8, test:content)
//	│   └── n4 (n1_n4, secondary)
//	└── n2 (root_p_n2)
//	    ├── n4 (n2_p_n4)
//	    │   └── n6 (n4_n6, secondary)
//	    └── n5 (n2_p_n5)
//	        └── n7 (n5_p_n7)
//	            └── n8 (n7_n8, secondary)
//
// n3 carries test:animal=monkey, test:UPPERANIMAL=MONKEY, test:reference
// pointing at n2, test:mvp=[first second third] and test:mvi=[1 2 3].
type Fixture struct {
	Nodes  graph.NodeService
	Dict   *dictionary.Dictionary
	Store  core.StoreRef
	Root   core.NodeRef
	Refs   map[string]core.NodeRef
	Assocs map[string]core.ChildAssocRef
}

// NewDictionary returns a dictionary with the test model loaded. Its
// resolver also knows the jcr prefix.
func NewDictionary(t testing.TB) *dictionary.Dictionary {
	t.Helper()
	d, err := dictionary.New(namespace.NewDynamicResolver(namespace.Standard()))
	require.NoError(t, err)
	require.NoError(t, d.LoadModel(strings.NewReader(TestModel)))
	return d
}

// Build populates nodes with the fixture graph
func Build(t testing.TB, nodes graph.NodeService) *Fixture {
	t.Helper()
	ctx := context.Background()

	store, err := nodes.CreateStore(ctx, core.ProtocolWorkspace, "SpacesStore")
	require.NoError(t, err)
	root, err := nodes.RootNode(ctx, store)
	require.NoError(t, err)

	f := &Fixture{
		Nodes:  nodes,
		Dict:   NewDictionary(t),
		Store:  store,
		Root:   root,
		Refs:   map[string]core.NodeRef{"root": root},
		Assocs: map[string]core.ChildAssocRef{},
	}

	create := func(parent, name, assoc string, typ core.QName, props map[core.QName]any) {
		a, err := nodes.CreateNode(ctx, f.Refs[parent], graph.AssocChildren, Q(assoc), typ, props)
		require.NoError(t, err)
		f.Refs[name] = a.Child
		f.Assocs[assoc] = a
	}
	link := func(parent, child, assoc string) {
		a, err := nodes.AddChild(ctx, f.Refs[parent], f.Refs[child], graph.AssocChildren, Q(assoc))
		require.NoError(t, err)
		f.Assocs[assoc] = a
	}

	create("root", "n1", "root_p_n1", graph.TypeContainer, nil)
	create("root", "n2", "root_p_n2", graph.TypeContainer, nil)
	create("n1", "n3", "n1_p_n3", graph.TypeContainer, map[core.QName]any{
		Q("animal"):      "monkey",
		Q("UPPERANIMAL"): "MONKEY",
		Q("reference"):   f.Refs["n2"].String(),
		Q("mvp"):         []string{"first", "second", "third"},
		Q("mvi"):         []any{1, 2, 3},
	})
	create("n2", "n4", "n2_p_n4", graph.TypeContainer, nil)
	link("n1", "n4", "n1_n4")
	create("n2", "n5", "n2_p_n5", graph.TypeContainer, nil)
	create("n3", "n6", "n3_p_n6", graph.TypeContainer, nil)
	require.NoError(t, nodes.AddAspect(ctx, f.Refs["n6"], graph.AspectRoot, nil))
	link("n4", "n6", "n4_n6")
	create("n5", "n7", "n5_p_n7", graph.TypeContainer, nil)
	create("n6", "n8", "n6_p_n8", Q("content"), nil)
	link("n7", "n8", "n7_n8")
	return f
}

// RootAssoc returns the association addressing the store root
func (f *Fixture) RootAssoc() core.ChildAssocRef {
	return core.RootAssoc(f.Root)
}
