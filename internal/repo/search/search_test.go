package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/graph"
)

func tq(local string) core.QName {
	return core.NewQName("http://www.alfresco.org/test/1.0", local)
}

func TestCompileLike(t *testing.T) {
	tests := []struct {
		pattern string
		text    string
		want    bool
	}{
		{"M__K%", "monkey", true},
		{"M__K%", "MONKEY", true},
		{"m%", "monkey", true},
		{"%key", "monkey", true},
		{"mon", "monkey", false},
		{"m_nkey", "monkey", true},
		{"100\\%", "100%", true},
		{"100\\%", "1000", false},
		{"a.c", "abc", false},
		{"%", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.text, func(t *testing.T) {
			re, err := CompileLike(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, re.MatchString(tt.text))
		})
	}

	_, err := CompileLike(`abc\`)
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestParseQuery(t *testing.T) {
	terms := ParseQuery(`monkey "brown fox" jump* OR x-ray`)
	assert.Equal(t, []Term{
		{Tokens: []string{"monkey"}},
		{Tokens: []string{"brown", "fox"}},
		{Tokens: []string{"jump"}, Prefix: true},
		{Tokens: []string{"x", "ray"}},
	}, terms)

	assert.Empty(t, ParseQuery("   "))
	assert.Equal(t, []Term{{Tokens: []string{"open", "phrase"}}}, ParseQuery(`"open phrase`))
}

func TestTermMatchTokens(t *testing.T) {
	tokens := Tokenize("The quick brown fox jumps")
	assert.True(t, Term{Tokens: []string{"brown", "fox"}}.MatchTokens(tokens))
	assert.False(t, Term{Tokens: []string{"fox", "brown"}}.MatchTokens(tokens))
	assert.True(t, Term{Tokens: []string{"jump"}, Prefix: true}.MatchTokens(tokens))
	assert.False(t, Term{Tokens: []string{"jump"}}.MatchTokens(tokens))
}

func TestFTSExpression(t *testing.T) {
	expr := FTSExpression(ParseQuery(`monkey "brown fox" jump*`), AND)
	assert.Equal(t, `"monkey" AND "brown fox" AND "jump"*`, expr)
	assert.Equal(t, "", FTSExpression(nil, OR))
}

func fixture(t *testing.T, svc graph.NodeService) core.NodeRef {
	t.Helper()
	ctx := context.Background()
	store, err := svc.CreateStore(ctx, core.ProtocolWorkspace, "SpacesStore")
	require.NoError(t, err)
	root, err := svc.RootNode(ctx, store)
	require.NoError(t, err)
	n, err := svc.CreateNode(ctx, root, graph.AssocChildren, tq("n"), graph.TypeContainer, map[core.QName]any{
		tq("animal"): "monkey",
		tq("text"):   "The quick brown fox jumps over the lazy dog",
		tq("mvp"):    []string{"first", "second"},
	})
	require.NoError(t, err)
	return n.Child
}

func services(t *testing.T) map[string]func() (Service, core.NodeRef) {
	return map[string]func() (Service, core.NodeRef){
		"matcher": func() (Service, core.NodeRef) {
			nodes := graph.NewMemory()
			return NewMatcher(nodes), fixture(t, nodes)
		},
		"fts5": func() (Service, core.NodeRef) {
			store, err := graph.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "fts.db"))
			require.NoError(t, err)
			t.Cleanup(func() { store.Close(context.Background()) })
			return NewFTSService(store, store), fixture(t, store)
		},
	}
}

func TestServices(t *testing.T) {
	ctx := context.Background()
	text := tq("text")
	animal := tq("animal")
	mvp := tq("mvp")

	for name, build := range services(t) {
		t.Run(name, func(t *testing.T) {
			svc, ref := build()

			tests := []struct {
				name  string
				query string
				prop  *core.QName
				op    Operator
				want  bool
			}{
				{"word", "fox", &text, OR, true},
				{"case folded", "FOX", &text, OR, true},
				{"phrase", `"brown fox"`, &text, OR, true},
				{"reversed phrase", `"fox brown"`, &text, OR, false},
				{"prefix", "jum*", &text, OR, true},
				{"or with one hit", "zebra fox", &text, OR, true},
				{"and with one miss", "zebra fox", &text, AND, false},
				{"and all hits", "lazy dog", &text, AND, true},
				{"all properties", "monkey", nil, OR, true},
				{"other property", "monkey", &text, OR, false},
				{"multi-valued", "second", nil, OR, true},
				{"and across properties", "monkey fox", nil, AND, true},
				{"and across values", "first second", &mvp, AND, true},
				{"phrase across values", `"first second"`, nil, OR, false},
				{"empty", "", nil, OR, false},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := svc.Contains(ctx, ref, tt.prop, tt.query, tt.op)
					require.NoError(t, err)
					assert.Equal(t, tt.want, got)
				})
			}

			ok, err := svc.Like(ctx, ref, animal, "M__K%", false)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = svc.Like(ctx, ref, text, "bro%", false)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = svc.Like(ctx, ref, text, "bro%", true)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = svc.Like(ctx, ref, tq("mvp"), "sec%", false)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestFTSReindex(t *testing.T) {
	ctx := context.Background()
	store, err := graph.NewSQLite(ctx, filepath.Join(t.TempDir(), "fts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(ctx) })
	ref := fixture(t, store)
	svc := NewFTSService(store, store)

	require.NoError(t, store.SetProperty(ctx, ref, tq("mvp"), []string{"third"}))
	ok, err := svc.Contains(ctx, ref, nil, "second", OR)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = svc.Contains(ctx, ref, nil, "third", OR)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.RemoveProperty(ctx, ref, tq("animal")))
	ok, err = svc.Contains(ctx, ref, nil, "monkey", OR)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatcherCachesLikePatterns(t *testing.T) {
	ctx := context.Background()
	nodes := graph.NewMemory()
	ref := fixture(t, nodes)
	m := NewMatcher(nodes)

	for range 3 {
		ok, err := m.Like(ctx, ref, tq("animal"), "M__K%", false)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, m.CachedPatterns())

	_, err := m.Like(ctx, ref, tq("animal"), `bad\`, false)
	assert.ErrorIs(t, err, ErrBadPattern)
	assert.Equal(t, 1, m.CachedPatterns())
}
