package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/config"
	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/events"
	"github.com/systemshift/contentrepo/internal/repo/repotest"
)

const testDocument = `
store: SpacesStore
namespaces:
  - prefix: test
    uri: http://www.alfresco.org/test/1.0
nodes:
  - id: zoo
    assoc: test:zoo
    children:
      - assoc: test:monkey
        type: test:content
        properties:
          test:animal: monkey
`

const testQueries = `
name: zoo
namespaces:
  - prefix: test
    uri: http://www.alfresco.org/test/1.0
queries:
  - name: test:animals
    query: //*[@test:animal]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Models = []string{writeFile(t, "model.yaml", repotest.TestModel)}
	cfg.Queries = []string{writeFile(t, "queries.yaml", testQueries)}
	cfg.Imports = []string{writeFile(t, "zoo.yaml", testDocument)}
	return cfg
}

func TestNewImportsAndServesQueries(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t)
			cfg.Storage.Backend = backend
			cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "repo.db")
			pub := events.NewChannelPublisher(16)

			a, err := New(ctx, cfg, slog.New(slog.DiscardHandler), Options{Publishers: []events.Publisher{pub}})
			require.NoError(t, err)
			t.Cleanup(func() { a.Close(ctx) })

			created := 0
			for len(pub.Events()) > 0 {
				ev := <-pub.Events()
				assert.Equal(t, "/"+ServiceName, ev.Source)
				created++
			}
			assert.Equal(t, 2, created)

			root, err := a.Store.RootNode(ctx, core.StoreRef{Protocol: core.ProtocolWorkspace, Identifier: "SpacesStore"})
			require.NoError(t, err)
			refs, err := a.Searcher.ExecuteCanned(ctx, root, repotest.Q("animals"), nil)
			require.NoError(t, err)
			assert.Len(t, refs, 1)

			w := httptest.NewRecorder()
			a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/queries", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), "test:animals")
		})
	}
}

func TestImportSkipsExistingStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "repo.db")

	a, err := New(ctx, cfg, slog.New(slog.DiscardHandler), Options{})
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	a, err = New(ctx, cfg, slog.New(slog.DiscardHandler), Options{})
	require.NoError(t, err)
	defer a.Close(ctx)
	stores, err := a.Store.Stores(ctx)
	require.NoError(t, err)
	assert.Len(t, stores, 1)
}

func TestNewErrors(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	cfg := config.Default()
	cfg.Models = []string{filepath.Join(t.TempDir(), "missing.yaml")}
	_, err := New(ctx, cfg, logger, Options{})
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Queries = []string{writeFile(t, "bad.yaml", "name: bad\nqueries:\n  - name: nope:q\n    query: '*'\n")}
	_, err = New(ctx, cfg, logger, Options{})
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Imports = []string{writeFile(t, "bad.yaml", "nodes: []\n")}
	_, err = New(ctx, cfg, logger, Options{})
	assert.Error(t, err)
}

func TestServeWithSubscriptions(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	a, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler), Options{Subscriptions: true})
	require.NoError(t, err)
	defer a.Close(context.Background())
	require.NotNil(t, a.Subscriptions)

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/subscriptions",
		strings.NewReader(`{"name":"all","webhook":"http://example.com/hook","pattern":{}}`)))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
