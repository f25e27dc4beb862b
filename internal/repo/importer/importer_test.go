package importer

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/events"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/repotest"
)

const graphDoc = `
version: 1
store: SpacesStore
namespaces:
  - prefix: t
    uri: http://www.alfresco.org/test/1.0
nodes:
  - id: n1
    assoc: t:root_p_n1
    children:
      - id: n3
        assoc: t:n1_p_n3
        properties:
          t:animal: monkey
          t:mvp: [first, second, third]
          t:mvi: [1, 2, 3]
        children:
          - id: n6
            assoc: t:n3_p_n6
            aspects: [sys:aspect_root]
            children:
              - id: n8
                assoc: t:n6_p_n8
                type: t:content
  - id: n2
    assoc: t:root_p_n2
    children:
      - id: n4
        assoc: t:n2_p_n4
      - id: n5
        assoc: t:n2_p_n5
        children:
          - id: n7
            assoc: t:n5_p_n7
links:
  - parent: n1
    child: n4
    assoc: t:n1_n4
  - parent: n4
    child: n6
    assoc: t:n4_n6
  - parent: n7
    child: n8
    assoc: t:n7_n8
`

func newImporter(t *testing.T, nodes graph.NodeService, opts ...Option) *Importer {
	t.Helper()
	dict := repotest.NewDictionary(t)
	return New(nodes, dict, dict.Resolver(), opts...)
}

func importDoc(t *testing.T, imp *Importer, src string, opts Options) *Result {
	t.Helper()
	doc, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	res, err := imp.Import(context.Background(), doc, opts)
	require.NoError(t, err)
	return res
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	nodes := graph.NewMemory()
	res := importDoc(t, newImporter(t, nodes), graphDoc, Options{})

	assert.Equal(t, core.StoreRef{Protocol: core.ProtocolWorkspace, Identifier: "SpacesStore"}, res.Store)
	assert.Equal(t, 8, res.Nodes)
	assert.Equal(t, 3, res.Links)
	assert.Len(t, res.Refs, 9)
	assert.Equal(t, res.Root, res.Refs[RootAlias])

	parents, err := nodes.ParentAssocs(ctx, res.Refs["n8"])
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.True(t, parents[0].Primary)
	assert.Equal(t, repotest.Q("n6_p_n8"), parents[0].QName)
	assert.Equal(t, repotest.Q("n7_n8"), parents[1].QName)

	typ, err := nodes.Type(ctx, res.Refs["n8"])
	require.NoError(t, err)
	assert.Equal(t, repotest.Q("content"), typ)

	ok, err := nodes.HasAspect(ctx, res.Refs["n6"], graph.AspectRoot)
	require.NoError(t, err)
	assert.True(t, ok)

	animal, err := nodes.Property(ctx, res.Refs["n3"], repotest.Q("animal"))
	require.NoError(t, err)
	assert.Equal(t, "monkey", animal)

	mvi, err := nodes.Property(ctx, res.Refs["n3"], repotest.Q("mvi"))
	require.NoError(t, err)
	assert.Len(t, core.Values(mvi), 3)

	children, err := nodes.ChildAssocs(ctx, res.Refs["n2"], graph.AssocFilter{})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, res.Refs["n4"], children[0].Child)
	assert.Equal(t, res.Refs["n5"], children[1].Child)
}

func TestImportStoreExists(t *testing.T) {
	nodes := graph.NewMemory()
	imp := newImporter(t, nodes)
	importDoc(t, imp, `{store: S, nodes: [{assoc: "t:a"}], namespaces: [{prefix: t, uri: "urn:t"}]}`, Options{})

	doc, err := Parse(strings.NewReader(`{store: S, nodes: [{assoc: "b"}]}`))
	require.NoError(t, err)
	_, err = imp.Import(context.Background(), doc, Options{})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	res, err := imp.Import(context.Background(), doc, Options{Merge: true})
	require.NoError(t, err)
	children, err := nodes.ChildAssocs(context.Background(), res.Root, graph.AssocFilter{})
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestImportErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		err  error
	}{
		{"unknown alias", `{store: S, nodes: [{id: a, assoc: a}], links: [{parent: a, child: b, assoc: l}]}`, ErrUnknownAlias},
		{"duplicate alias", `{store: S, nodes: [{id: a, assoc: a}, {id: a, assoc: b}]}`, ErrInvalidDocument},
		{"unknown prefix", `{store: S, nodes: [{assoc: "zz:a"}]}`, ErrInvalidDocument},
		{"bad value", `{store: S, nodes: [{assoc: a, properties: {"test:mvi": [x]}}]}`, dictionary.ErrConversion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(strings.NewReader(tt.src))
			require.NoError(t, err)
			_, err = newImporter(t, graph.NewMemory()).Import(context.Background(), doc, Options{})
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseValidation(t *testing.T) {
	for name, src := range map[string]string{
		"missing store": `{nodes: [{assoc: a}]}`,
		"missing assoc": `{store: S, nodes: [{type: sys:container}]}`,
		"unknown field": `{store: S, colour: red}`,
		"bad version":   `{version: 2, store: S}`,
		"bad protocol":  `{protocol: ftp, store: S}`,
		"bad link":      `{store: S, links: [{parent: a}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(src))
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
}

func TestImportEmitsOneGroup(t *testing.T) {
	mem := graph.NewMemory()
	dict := repotest.NewDictionary(t)
	pub := events.NewChannelPublisher(32)
	cons := events.NewConsolidator(dict.Resolver(), events.WithPublisher(pub))
	nodes := graph.Observe(mem, cons)
	imp := New(nodes, dict, dict.Resolver(), WithTransactor(events.NewTransactor(cons)))

	importDoc(t, imp, graphDoc, Options{})
	require.NoError(t, pub.Close())

	var evs []events.RepoEvent
	for ev := range pub.Events() {
		evs = append(evs, ev)
	}
	// the store root is created by CreateStore, outside the observed calls
	require.Len(t, evs, 8)
	for _, ev := range evs {
		assert.Equal(t, events.TypeNodeCreated, ev.Type)
		assert.Equal(t, evs[0].Data.EventGroupID, ev.Data.EventGroupID)
	}
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := graph.NewMemory()
	imp := newImporter(t, src)
	res := importDoc(t, imp, graphDoc, Options{})

	var buf bytes.Buffer
	require.NoError(t, imp.WriteYAML(ctx, res.Store, &buf))

	dst := graph.NewMemory()
	again := importDoc(t, newImporter(t, dst), buf.String(), Options{})
	assert.Equal(t, res.Nodes, again.Nodes)
	assert.Equal(t, res.Links, again.Links)

	for alias, ref := range res.Refs {
		if alias == RootAlias {
			continue
		}
		want, err := src.Snapshot(ctx, ref)
		require.NoError(t, err)
		got, err := dst.Snapshot(ctx, again.Refs[ref.ID])
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type, alias)
		assert.ElementsMatch(t, want.Aspects, got.Aspects, alias)
		assert.Equal(t, ref.ID, got.Ref.ID, alias)
	}

	animal, err := dst.Property(ctx, again.Refs[res.Refs["n3"].ID], repotest.Q("animal"))
	require.NoError(t, err)
	assert.Equal(t, "monkey", animal)
}
