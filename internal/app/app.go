// Package app assembles a repository from configuration: the node store,
// dictionary, searcher, event pipeline and HTTP server.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/contentrepo/internal/config"
	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/events"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/importer"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
	"github.com/systemshift/contentrepo/internal/repo/query"
	"github.com/systemshift/contentrepo/internal/repo/search"
	"github.com/systemshift/contentrepo/internal/repo/searcher"
	"github.com/systemshift/contentrepo/internal/server/api"
	"github.com/systemshift/contentrepo/internal/server/subscriptions"
)

// ServiceName identifies the process in traces and event sources
const ServiceName = "contentrepo"

// App is an assembled repository
type App struct {
	Config *config.Config
	Logger *slog.Logger

	// Store is the backend without event reporting
	Store graph.NodeService
	// Nodes reports every mutation to the consolidator
	Nodes         *graph.Observed
	Dict          *dictionary.Dictionary
	Searcher      *searcher.Searcher
	Consolidator  *events.Consolidator
	Transactor    *events.Transactor
	Importer      *importer.Importer
	Subscriptions *subscriptions.Manager

	closers []func(context.Context) error
}

// Options selects optional parts of the assembly
type Options struct {
	// Subscriptions starts the subscription manager
	Subscriptions bool
	// Publishers receive committed events alongside NATS and subscriptions
	Publishers []events.Publisher
}

// New builds an App from cfg. Close releases everything New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx, opts); err != nil {
		a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) (err error) {
	cfg, logger := a.Config, a.Logger

	if cfg.Tracing.Enabled {
		if err := a.initTracing(); err != nil {
			return err
		}
	}
	if a.Store, err = a.openStore(ctx); err != nil {
		return err
	}

	a.Dict, err = dictionary.New(namespace.NewDynamicResolver(namespace.Standard()), dictionary.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("dictionary: %w", err)
	}
	for _, path := range cfg.Models {
		if err := a.Dict.LoadModelFile(path); err != nil {
			return fmt.Errorf("model %s: %w", path, err)
		}
		logger.Info("model loaded", "path", path)
	}
	resolver := a.Dict.Resolver()

	catalog := query.NewCatalog(a.Dict, resolver, query.WithLogger(logger))
	for _, path := range cfg.Queries {
		coll, err := query.ParseCollectionFile(path)
		if err != nil {
			return fmt.Errorf("queries %s: %w", path, err)
		}
		if err := catalog.Register(coll); err != nil {
			return fmt.Errorf("queries %s: %w", path, err)
		}
		logger.Info("canned queries registered", "path", path, "collection", coll.Name)
	}

	a.Searcher = searcher.New(a.Store, a.Dict, a.searchService(), resolver,
		searcher.WithCatalog(catalog),
		searcher.WithLimits(cfg.Sandbox),
		searcher.WithJCRMode(cfg.XPath.JCR),
		searcher.WithCacheSize(cfg.XPath.CacheSize),
		searcher.WithPatternCacheSize(cfg.XPath.PatternCacheSize),
		searcher.WithLogger(logger),
	)

	publishers := events.MultiPublisher(slices.Clone(opts.Publishers))
	if cfg.NATS.Enabled {
		np, err := events.NewNATSPublisher(cfg.NATS.NATSConfig, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return np.Close() })
		publishers = append(publishers, np)
		logger.Info("publishing events to nats", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}
	if opts.Subscriptions {
		if err := a.startSubscriptions(ctx); err != nil {
			return err
		}
		publishers = append(publishers, a.Subscriptions)
	}

	a.Consolidator = events.NewConsolidator(resolver,
		events.WithPublisher(publishers),
		events.WithNodeService(a.Store),
		events.WithSource("/"+ServiceName),
		events.WithLogger(logger),
	)
	a.Nodes = graph.Observe(a.Store, a.Consolidator)
	a.Transactor = events.NewTransactor(a.Consolidator)
	a.Importer = importer.New(a.Nodes, a.Dict, resolver,
		importer.WithTransactor(a.Transactor),
		importer.WithLogger(logger),
	)

	if err := a.importAll(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (graph.NodeService, error) {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		s, err := graph.NewSQLite(ctx, cfg.Storage.SQLitePath, graph.WithSQLiteLogger(a.Logger))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.Logger.Info("using sqlite store", "path", cfg.Storage.SQLitePath)
		return s, nil
	case config.BackendNeo4j:
		s, err := graph.NewNeo4j(ctx, cfg.Neo4j, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.Logger.Info("connected to neo4j", "uri", cfg.Neo4j.URI)
		return s, nil
	default:
		a.Logger.Info("using in-memory store")
		return graph.NewMemory(graph.WithMemoryLogger(a.Logger)), nil
	}
}

// searchService prefers the SQLite full-text index when one is available
func (a *App) searchService() search.Service {
	if idx, ok := a.Store.(search.TextIndex); ok && a.Config.Search.FTS {
		return search.NewFTSService(idx, a.Store)
	}
	return search.NewMatcher(a.Store)
}

func (a *App) startSubscriptions(ctx context.Context) error {
	cfg := a.Config.Subscriptions
	// Subscription nodes are stored without event reporting
	repo, err := subscriptions.NewNodeRepository(ctx, a.Store)
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}
	notifier := subscriptions.NewNotifier(a.Logger,
		subscriptions.WithRetry(cfg.WebhookAttempts, cfg.WebhookBackoff),
	)
	a.Subscriptions = subscriptions.NewManager(repo,
		subscriptions.NewMatcher(a.Dict, a.Dict.Resolver(), a.Searcher),
		subscriptions.WithNotifier(notifier),
		subscriptions.WithLogger(a.Logger),
		subscriptions.WithBuffer(cfg.Buffer),
		subscriptions.WithMatchTimeout(cfg.MatchTimeout),
	)
	if err := a.Subscriptions.Start(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.Subscriptions.Close() })
	return nil
}

// importAll loads configured documents whose store does not exist yet
func (a *App) importAll(ctx context.Context) error {
	if len(a.Config.Imports) == 0 {
		return nil
	}
	stores, err := a.Store.Stores(ctx)
	if err != nil {
		return err
	}
	for _, path := range a.Config.Imports {
		doc, err := importer.ParseFile(path)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		store := core.StoreRef{Protocol: cmp.Or(doc.Protocol, core.ProtocolWorkspace), Identifier: doc.Store}
		if slices.Contains(stores, store) {
			a.Logger.Info("store exists, skipping import", "path", path, "store", store)
			continue
		}
		res, err := a.Importer.Import(ctx, doc, importer.Options{})
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		a.Logger.Info("imported", "path", path, "store", res.Store, "nodes", res.Nodes, "links", res.Links)
	}
	return nil
}

func (a *App) initTracing() error {
	var opts []stdouttrace.Option
	if a.Config.Tracing.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	res := resource.NewWithAttributes("", attribute.String("service.name", ServiceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	a.closers = append(a.closers, tp.Shutdown)
	return nil
}

// Handler returns the HTTP handler serving the API
func (a *App) Handler() http.Handler {
	var opts []api.Option
	if a.Subscriptions != nil {
		opts = append(opts, api.WithSubscriptions(a.Subscriptions))
	}
	opts = append(opts,
		api.WithTransactor(a.Transactor),
		api.WithImporter(a.Importer),
		api.WithLogger(a.Logger),
	)
	srv := api.New(a.Nodes, a.Dict, a.Dict.Resolver(), a.Searcher, opts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", srv.Routes())
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config.Server
	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("starting server", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases resources in reverse order of acquisition
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
