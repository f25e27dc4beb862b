package searcher

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/query"
	"github.com/systemshift/contentrepo/internal/repo/repotest"
	"github.com/systemshift/contentrepo/internal/repo/sandbox"
	"github.com/systemshift/contentrepo/internal/repo/search"
	"github.com/systemshift/contentrepo/internal/xpath"
)

type backend struct {
	nodes  graph.NodeService
	search search.Service
}

func backends(t *testing.T) map[string]func() backend {
	return map[string]func() backend{
		"memory": func() backend {
			m := graph.NewMemory()
			return backend{nodes: m, search: search.NewMatcher(m)}
		},
		"sqlite": func() backend {
			s, err := graph.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "repo.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close(context.Background()) })
			return backend{nodes: s, search: search.NewFTSService(s, s)}
		},
	}
}

func newSearcher(t *testing.T, b backend, opts ...Option) (*Searcher, *repotest.Fixture) {
	t.Helper()
	f := repotest.Build(t, b.nodes)
	return New(b.nodes, f.Dict, b.search, f.Dict.Resolver(), opts...), f
}

func TestSelectNodes(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, f := newSearcher(t, open())
			ctx := context.Background()

			refs, err := s.SelectNodes(ctx, f.Root, "*/*", nil, nil, false)
			require.NoError(t, err)
			assert.Equal(t, []core.NodeRef{f.Refs["n3"], f.Refs["n4"], f.Refs["n5"]}, refs)

			refs, err = s.SelectNodes(ctx, f.Root, "*//.", nil, nil, false)
			require.NoError(t, err)
			assert.Len(t, refs, 8)

			refs, err = s.SelectNodes(ctx, f.Refs["n4"], "..", nil, nil, true)
			require.NoError(t, err)
			assert.ElementsMatch(t, []core.NodeRef{f.Refs["n1"], f.Refs["n2"]}, refs)

			refs, err = s.SelectNodes(ctx, f.Root, "//*[contains('monkey')]", nil, nil, false)
			require.NoError(t, err)
			assert.Equal(t, []core.NodeRef{f.Refs["n3"]}, refs)

			refs, err = s.SelectNodes(ctx, f.Root, "//*[jcr:contains(@test:animal, 'monkey')]", nil, nil, false)
			require.NoError(t, err)
			assert.Equal(t, []core.NodeRef{f.Refs["n3"]}, refs)

			refs, err = s.SelectNodes(ctx, f.Refs["n3"], "deref(@test:reference, '*')", nil, nil, false)
			require.NoError(t, err)
			assert.Equal(t, []core.NodeRef{f.Refs["n2"]}, refs)
		})
	}
}

func TestSelectWithParameters(t *testing.T) {
	s, f := newSearcher(t, mk(t))
	params := []*query.ParameterDef{
		{QName: repotest.Q("type"), DataType: dictionary.TypeQName, HasDefault: true, Default: "test:content"},
	}
	refs, err := s.SelectNodes(context.Background(), f.Root, "//.[subtypeOf($test:type)]", params, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeRef{f.Refs["n8"]}, refs)

	refs, err = s.Select(context.Background(), Selection{
		Context:    f.Root,
		XPath:      "//*[@x:mvi >= $x:min]",
		Params:     []*query.ParameterDef{{QName: repotest.Q("min"), DataType: dictionary.TypeInt}},
		Values:     map[core.QName]string{repotest.Q("min"): "3"},
		Namespaces: map[string]string{"x": repotest.TestURI},
	})
	require.NoError(t, err)
	assert.Equal(t, []core.NodeRef{f.Refs["n3"]}, refs)

	_, err = s.SelectNodes(context.Background(), f.Root, "//*", []*query.ParameterDef{{QName: repotest.Q("p"), DataType: dictionary.TypeInt}}, nil, false)
	assert.ErrorIs(t, err, query.ErrMissingValue)
}

func TestSelectProperties(t *testing.T) {
	s, f := newSearcher(t, mk(t))
	ctx := context.Background()

	values, err := s.SelectProperties(ctx, f.Refs["n3"], "@test:mvp", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second", "third"}, values)

	values, err = s.SelectProperties(ctx, f.Root, "*/*/@test:animal", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []any{"monkey"}, values)

	_, err = s.SelectProperties(ctx, f.Root, "*", nil, nil, false)
	assert.ErrorIs(t, err, ErrNotProperty)

	_, err = s.SelectNodes(ctx, f.Refs["n3"], "@test:animal", nil, nil, false)
	assert.ErrorIs(t, err, ErrNotNode)
}

const cannedCollection = `
name: animals
namespaces:
  - prefix: test
    uri: http://www.alfresco.org/test/1.0
queries:
  - name: test:byAnimal
    query: //*[like(@test:animal, $test:pattern, false)]
    parameters:
      - name: test:pattern
        type: string
        default: "m%"
  - name: test:other
    language: xpath
    query: "*"
`

func TestExecuteCanned(t *testing.T) {
	b := mk(t)
	f := repotest.Build(t, b.nodes)
	catalog := query.NewCatalog(f.Dict, f.Dict.Resolver())
	coll, err := query.ParseCollection(strings.NewReader(cannedCollection))
	require.NoError(t, err)
	require.NoError(t, catalog.Register(coll))
	s := New(b.nodes, f.Dict, b.search, f.Dict.Resolver(), WithCatalog(catalog))
	ctx := context.Background()

	refs, err := s.ExecuteCanned(ctx, f.Root, repotest.Q("byAnimal"), nil)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeRef{f.Refs["n3"]}, refs)

	refs, err = s.ExecuteCanned(ctx, f.Root, repotest.Q("byAnimal"), map[core.QName]string{repotest.Q("pattern"): "z%"})
	require.NoError(t, err)
	assert.Empty(t, refs)

	refs, err = s.ExecuteCanned(ctx, f.Root, repotest.Q("other"), nil)
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	_, err = s.ExecuteCanned(ctx, f.Root, repotest.Q("missing"), nil)
	assert.ErrorIs(t, err, query.ErrUnknownQuery)

	_, err = New(b.nodes, f.Dict, b.search, f.Dict.Resolver()).ExecuteCanned(ctx, f.Root, repotest.Q("other"), nil)
	assert.ErrorIs(t, err, query.ErrUnknownQuery)
}

func TestLimitsAndErrors(t *testing.T) {
	b := mk(t)
	s, f := newSearcher(t, b, WithLimits(sandbox.Limits{MaxSteps: 3}))
	ctx := context.Background()

	_, err := s.SelectNodes(ctx, f.Root, "//*", nil, nil, false)
	assert.ErrorIs(t, err, sandbox.ErrStepLimit)

	_, err = s.SelectNodes(ctx, f.Root, "*", nil, nil, false)
	require.NoError(t, err)

	_, err = s.SelectNodes(ctx, f.Root, "//*[", nil, nil, false)
	assert.ErrorIs(t, err, xpath.ErrSyntax)

	_, err = s.SelectNodes(ctx, core.NodeRef{Store: f.Store, ID: "missing"}, "*", nil, nil, false)
	assert.ErrorIs(t, err, core.ErrNodeNotFound)

	_, err = s.SelectNodes(ctx, f.Root, "*", nil, nil, false)
	require.NoError(t, err)
	stats := s.CacheStats()
	assert.Equal(t, 2, stats.Entries)
	assert.Positive(t, stats.Hits)
}

func TestJCRSearcher(t *testing.T) {
	s, f := newSearcher(t, mk(t), WithJCRMode(true))
	refs, err := s.SelectNodes(context.Background(), f.Root, "/jcr:root/*", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeRef{f.Refs["n1"], f.Refs["n2"]}, refs)

	refs, err = s.SelectNodes(context.Background(), f.Root, "/jcr:root", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []core.NodeRef{f.Root}, refs)
}

func mk(t *testing.T) backend {
	return backends(t)["memory"]()
}
