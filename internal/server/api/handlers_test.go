package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/events"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/importer"
	"github.com/systemshift/contentrepo/internal/repo/query"
	"github.com/systemshift/contentrepo/internal/repo/repotest"
	"github.com/systemshift/contentrepo/internal/repo/sandbox"
	"github.com/systemshift/contentrepo/internal/repo/search"
	"github.com/systemshift/contentrepo/internal/repo/searcher"
	"github.com/systemshift/contentrepo/internal/server/subscriptions"
)

const testQueries = `
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
`

type testEnv struct {
	server   *Server
	handler  http.Handler
	fixture  *repotest.Fixture
	pub      *events.ChannelPublisher
	notifier *subscriptions.Notifier
}

func newTestEnv(t *testing.T, withSubscriptions bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	mem := graph.NewMemory()
	f := repotest.Build(t, mem)
	resolver := f.Dict.Resolver()

	catalog := query.NewCatalog(f.Dict, resolver)
	coll, err := query.ParseCollection(strings.NewReader(testQueries))
	require.NoError(t, err)
	require.NoError(t, catalog.Register(coll))
	srch := searcher.New(mem, f.Dict, search.NewMatcher(mem), resolver,
		searcher.WithCatalog(catalog),
		searcher.WithLimits(sandbox.Limits{MaxSteps: 10000}),
		searcher.WithLogger(logger),
	)

	env := &testEnv{fixture: f, pub: events.NewChannelPublisher(256)}
	publishers := events.MultiPublisher{env.pub}
	var opts []Option

	if withSubscriptions {
		repo, err := subscriptions.NewNodeRepository(ctx, mem)
		require.NoError(t, err)
		env.notifier = subscriptions.NewNotifier(logger)
		mgr := subscriptions.NewManager(repo, subscriptions.NewMatcher(f.Dict, resolver, srch),
			subscriptions.WithNotifier(env.notifier),
			subscriptions.WithLogger(logger),
		)
		require.NoError(t, mgr.Start(ctx))
		t.Cleanup(mgr.Stop)
		publishers = append(publishers, mgr)
		opts = append(opts, WithSubscriptions(mgr))
	}

	cons := events.NewConsolidator(resolver,
		events.WithPublisher(publishers),
		events.WithNodeService(mem),
		events.WithLogger(logger),
	)
	observed := graph.Observe(mem, cons)
	tx := events.NewTransactor(cons)
	imp := importer.New(observed, f.Dict, resolver, importer.WithTransactor(tx), importer.WithLogger(logger))

	opts = append(opts, WithTransactor(tx), WithImporter(imp), WithLogger(logger))
	env.server = New(observed, f.Dict, resolver, srch, opts...)
	env.handler = env.server.Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) nodePath(name string) string {
	ref := e.fixture.Refs[name]
	return "/api/nodes/" + ref.Store.Protocol + "/" + ref.Store.Identifier + "/" + ref.ID
}

func (e *testEnv) drain() []events.RepoEvent {
	var out []events.RepoEvent
	for {
		select {
		case ev := <-e.pub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealthAndStores(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, w)["status"])

	w = env.do(t, http.MethodPost, "/api/stores", `{"identifier":"other"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "workspace://other", decodeBody[map[string]string](t, w)["store"])

	w = env.do(t, http.MethodPost, "/api/stores", `{"identifier":"other"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/stores", "")
	require.Equal(t, http.StatusOK, w.Code)
	stores := decodeBody[map[string]any](t, w)
	assert.Equal(t, []any{"workspace://SpacesStore", "workspace://other"}, stores["stores"])

	w = env.do(t, http.MethodGet, "/api/stores/workspace/SpacesStore/root", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, env.fixture.Root.String(), decodeBody[NodeResponse](t, w).Ref)

	w = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNodeLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, env.nodePath("n1")+"/children",
		`{"name":"test:doc","type":"test:content","properties":{"cm:name":"doc.txt","test:mvp":["a","b"]}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[AssocResponse](t, w)
	assert.Equal(t, "test:doc", created.Name)
	assert.Equal(t, "sys:children", created.Type)
	assert.True(t, created.Primary)
	assert.Equal(t, env.fixture.Refs["n1"].String(), created.Parent)

	evs := env.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeNodeCreated, evs[0].Type)
	assert.Equal(t, created.Child, evs[0].Subject)

	child := "/api/nodes/" + strings.Replace(created.Child, "://", "/", 1)
	w = env.do(t, http.MethodGet, child, "")
	require.Equal(t, http.StatusOK, w.Code)
	node := decodeBody[NodeResponse](t, w)
	assert.Equal(t, "test:content", node.Type)
	assert.Equal(t, "doc.txt", node.Properties["cm:name"])
	assert.Equal(t, []any{"a", "b"}, node.Properties["test:mvp"])

	w = env.do(t, http.MethodPut, child+"/properties", `{"test:animal":"cat"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	props := decodeBody[map[string]any](t, w)
	assert.Equal(t, "cat", props["test:animal"])
	assert.Equal(t, "doc.txt", props["cm:name"])

	w = env.do(t, http.MethodDelete, child+"/properties/test:animal", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, child+"/aspects", `{"aspect":"cm:titled","properties":{"cm:title":"Doc"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, decodeBody[map[string][]string](t, w)["aspects"], "cm:titled")

	w = env.do(t, http.MethodDelete, child+"/aspects/cm:titled", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	evs = env.drain()
	require.Len(t, evs, 4)
	for _, ev := range evs {
		assert.Equal(t, events.TypeNodeUpdated, ev.Type)
	}

	w = env.do(t, http.MethodPost, env.nodePath("n2")+"/links", `{"child":"`+created.Child+`","name":"test:alias"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.False(t, decodeBody[AssocResponse](t, w).Primary)

	w = env.do(t, http.MethodGet, child+"/parents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decodeBody[map[string]any](t, w)["count"])

	w = env.do(t, http.MethodDelete, env.nodePath("n2")+"/links", `{"child":"`+created.Child+`","name":"test:alias"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, child, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, child, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	evs = env.drain()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeNodeDeleted, evs[len(evs)-1].Type)
}

func TestChildrenFilter(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, env.nodePath("n1")+"/children", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[struct {
		Assocs []AssocResponse `json:"assocs"`
		Count  int             `json:"count"`
	}](t, w)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "test:n1_p_n3", resp.Assocs[0].Name)
	assert.False(t, resp.Assocs[1].Primary)

	w = env.do(t, http.MethodGet, env.nodePath("n1")+"/children?name=test:n1_n4", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody[map[string]any](t, w)["count"])
}

func TestMoveNode(t *testing.T) {
	env := newTestEnv(t, false)
	refs := env.fixture.Refs

	w := env.do(t, http.MethodPost, env.nodePath("n5")+"/move", `{"parent":"`+refs["n1"].String()+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	moved := decodeBody[AssocResponse](t, w)
	assert.Equal(t, refs["n1"].String(), moved.Parent)
	assert.Equal(t, "test:n2_p_n5", moved.Name)
	assert.True(t, moved.Primary)

	evs := env.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeNodeUpdated, evs[0].Type)
	assert.Equal(t, refs["n1"].ID, evs[0].Data.Resource.PrimaryHierarchy[0])
	require.NotNil(t, evs[0].Data.ResourceBefore)
	assert.Equal(t, refs["n2"].ID, evs[0].Data.ResourceBefore.PrimaryHierarchy[0])

	w = env.do(t, http.MethodPost, env.nodePath("n5")+"/move", `{"parent":"`+refs["n2"].String()+`","name":"test:back"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "test:back", decodeBody[AssocResponse](t, w).Name)

	w = env.do(t, http.MethodPost, env.nodePath("n2")+"/move", `{"parent":"`+refs["n7"].String()+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(t, http.MethodPost, env.nodePath("root")+"/move", `{"parent":"`+refs["n1"].String()+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(t, http.MethodPost, env.nodePath("n5")+"/move", `{"parent":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNodeErrors(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"missing node", http.MethodGet, "/api/nodes/workspace/SpacesStore/missing", "", http.StatusNotFound},
		{"missing store", http.MethodGet, "/api/stores/workspace/none/root", "", http.StatusNotFound},
		{"invalid json", http.MethodPost, env.nodePath("n1") + "/children", `{invalid`, http.StatusBadRequest},
		{"empty name", http.MethodPost, env.nodePath("n1") + "/children", `{}`, http.StatusBadRequest},
		{"unknown prefix", http.MethodPost, env.nodePath("n1") + "/children", `{"name":"nope:x"}`, http.StatusBadRequest},
		{"bad conversion", http.MethodPut, env.nodePath("n3") + "/properties", `{"test:mvi":["x"]}`, http.StatusBadRequest},
		{"bad child ref", http.MethodPost, env.nodePath("n1") + "/links", `{"child":"nope","name":"test:x"}`, http.StatusBadRequest},
		{"cycle", http.MethodPost, env.nodePath("n3") + "/links", `{"child":"` + env.fixture.Refs["n1"].String() + `","name":"test:x"}`, http.StatusConflict},
		{"missing link", http.MethodDelete, env.nodePath("n1") + "/links", `{"child":"` + env.fixture.Refs["n5"].String() + `","name":"test:x"}`, http.StatusNotFound},
		{"delete root", http.MethodDelete, "/api/nodes/workspace/SpacesStore/" + env.fixture.Root.ID, "", http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestSelect(t *testing.T) {
	env := newTestEnv(t, false)
	root := env.fixture.Root.String()

	w := env.do(t, http.MethodPost, "/api/select", `{"context":"`+root+`","xpath":"*/*"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[SelectResponse](t, w)
	assert.Equal(t, []string{
		env.fixture.Refs["n3"].String(),
		env.fixture.Refs["n4"].String(),
		env.fixture.Refs["n5"].String(),
	}, resp.Nodes)

	body := `{
		"context": "` + root + `",
		"xpath": "//*[like(@x:animal, $x:pattern, false)]",
		"namespaces": {"x": "http://www.alfresco.org/test/1.0"},
		"params": [{"name": "x:pattern", "type": "d:text", "default": "z%"}],
		"values": {"x:pattern": "MON%"}
	}`
	w = env.do(t, http.MethodPost, "/api/select", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{env.fixture.Refs["n3"].String()}, decodeBody[SelectResponse](t, w).Nodes)

	w = env.do(t, http.MethodPost, "/api/select/properties", `{"context":"`+env.fixture.Refs["n3"].String()+`","xpath":"@test:mvp"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []any{"first", "second", "third"}, decodeBody[map[string]any](t, w)["values"])

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"syntax", "/api/select", `{"context":"` + root + `","xpath":"//*["}`, http.StatusBadRequest},
		{"bad context", "/api/select", `{"context":"nope","xpath":"*"}`, http.StatusBadRequest},
		{"missing context", "/api/select", `{"context":"workspace://SpacesStore/missing","xpath":"*"}`, http.StatusNotFound},
		{"missing value", "/api/select", `{"context":"` + root + `","xpath":"*","params":[{"name":"test:p"}]}`, http.StatusBadRequest},
		{"not property", "/api/select/properties", `{"context":"` + root + `","xpath":"*"}`, http.StatusBadRequest},
		{"not node", "/api/select", `{"context":"` + root + `","xpath":"*/*/@test:animal"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestStepLimit(t *testing.T) {
	env := newTestEnv(t, false)
	mem := graph.NewMemory()
	f := repotest.Build(t, mem)
	env.server.searcher = searcher.New(mem, f.Dict, search.NewMatcher(mem), f.Dict.Resolver(),
		searcher.WithLimits(sandbox.Limits{MaxSteps: 3}))

	w := env.do(t, http.MethodPost, "/api/select", `{"context":"`+f.Root.String()+`","xpath":"//*"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestCannedQueries(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/api/queries", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[struct {
		Queries []QueryResponse `json:"queries"`
	}](t, w)
	require.Len(t, resp.Queries, 1)
	q := resp.Queries[0]
	assert.Equal(t, "test:byAnimal", q.Name)
	require.Len(t, q.Params, 1)
	assert.Equal(t, "test:pattern", q.Params[0].Name)
	require.NotNil(t, q.Params[0].Default)
	assert.Equal(t, "m%", *q.Params[0].Default)

	root := env.fixture.Root.String()
	w = env.do(t, http.MethodPost, "/api/queries/test:byAnimal/execute", `{"context":"`+root+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{env.fixture.Refs["n3"].String()}, decodeBody[SelectResponse](t, w).Nodes)

	w = env.do(t, http.MethodPost, "/api/queries/test:byAnimal/execute", `{"context":"`+root+`","values":{"test:pattern":"z%"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[SelectResponse](t, w).Nodes)

	w = env.do(t, http.MethodPost, "/api/queries/test:missing/execute", `{"context":"`+root+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportExport(t *testing.T) {
	env := newTestEnv(t, false)

	doc := `
store: imported
namespaces:
  - prefix: t
    uri: http://www.alfresco.org/test/1.0
nodes:
  - id: a
    assoc: t:a
    properties:
      cm:name: A
    children:
      - id: b
        assoc: t:b
        type: t:content
links:
  - parent: "/"
    child: b
    assoc: t:b_link
`
	w := env.do(t, http.MethodPost, "/api/import", doc)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[ImportResponse](t, w)
	assert.Equal(t, "workspace://imported", res.Store)
	assert.Equal(t, 2, res.Nodes)
	assert.Equal(t, 1, res.Links)

	evs := env.drain()
	require.Len(t, evs, 2)
	group := evs[0].Data.EventGroupID
	for _, ev := range evs {
		assert.Equal(t, events.TypeNodeCreated, ev.Type)
		assert.Equal(t, group, ev.Data.EventGroupID)
	}

	w = env.do(t, http.MethodPost, "/api/import", doc)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/import?merge=true", "store: imported\nnodes: []\n")
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/stores/workspace/imported/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	exported, err := importer.Parse(w.Body)
	require.NoError(t, err)
	assert.Equal(t, "imported", exported.Store)
	require.Len(t, exported.Nodes, 1)
	assert.Len(t, exported.Nodes[0].Children, 1)
	assert.Len(t, exported.Links, 1)
}

func TestSubscriptionsUnavailable(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/subscriptions", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubscriptionHandlers(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodPost, "/api/subscriptions", `{"name":"no target","pattern":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/subscriptions", `{"name":"bad","websocket":true,"pattern":{"xpath":"//*["}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/subscriptions",
		`{"name":"docs","webhook":"http://example.com/hook","pattern":{"event_types":["node.Created"],"node_types":["cm:content"]}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decodeBody[subscriptions.SubscriptionResponse](t, w).Subscription
	require.NotNil(t, sub)
	assert.True(t, sub.Enabled)

	w = env.do(t, http.MethodGet, "/api/subscriptions/"+sub.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPatch, "/api/subscriptions/"+sub.ID, `{"name":"renamed"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "renamed", decodeBody[subscriptions.SubscriptionResponse](t, w).Subscription.Name)

	w = env.do(t, http.MethodGet, "/api/subscriptions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeBody[subscriptions.ListSubscriptionsResponse](t, w).Count)

	w = env.do(t, http.MethodDelete, "/api/subscriptions/"+sub.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w = env.do(t, method, "/api/subscriptions/"+sub.ID, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
}

func TestSubscriptionSocket(t *testing.T) {
	env := newTestEnv(t, true)
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	w := env.do(t, http.MethodPost, "/api/subscriptions",
		`{"name":"live","websocket":true,"pattern":{"event_types":["node.Created"]}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decodeBody[subscriptions.SubscriptionResponse](t, w).Subscription

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/subscriptions/" + sub.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.notifier.HasWSClient(sub.ID) }, time.Second, 10*time.Millisecond)

	w = env.do(t, http.MethodPost, env.nodePath("n2")+"/children", `{"name":"test:live"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	child := decodeBody[AssocResponse](t, w).Child

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n subscriptions.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, sub.ID, n.SubscriptionID)
	assert.Equal(t, events.TypeNodeCreated, n.Event.Type)
	assert.Equal(t, child, n.Event.Subject)

	_, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/subscriptions/missing/ws", nil)
	assert.Error(t, err)
}
