package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/events"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/importer"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
	"github.com/systemshift/contentrepo/internal/repo/query"
	"github.com/systemshift/contentrepo/internal/repo/sandbox"
	"github.com/systemshift/contentrepo/internal/repo/searcher"
	"github.com/systemshift/contentrepo/internal/server/subscriptions"
	"github.com/systemshift/contentrepo/internal/xpath"
)

// Server holds the HTTP server dependencies
type Server struct {
	nodes    graph.NodeService
	dict     dictionary.Service
	resolver namespace.Resolver
	searcher *searcher.Searcher
	tx       *events.Transactor
	importer *importer.Importer
	subMgr   *subscriptions.Manager
	logger   *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithTransactor wraps each mutating request in an event group
func WithTransactor(tx *events.Transactor) Option {
	return func(s *Server) { s.tx = tx }
}

// WithImporter enables the import and export endpoints
func WithImporter(imp *importer.Importer) Option {
	return func(s *Server) { s.importer = imp }
}

// WithSubscriptions enables the subscription endpoints
func WithSubscriptions(m *subscriptions.Manager) Option {
	return func(s *Server) { s.subMgr = m }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a new API server
func New(nodes graph.NodeService, dict dictionary.Service, resolver namespace.Resolver, srch *searcher.Searcher, opts ...Option) *Server {
	s := &Server{
		nodes:    nodes,
		dict:     dict,
		resolver: resolver,
		searcher: srch,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API router
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stores", s.ListStores)
		r.Post("/stores", s.CreateStore)
		r.Get("/stores/{protocol}/{store}/root", s.GetRoot)
		r.Get("/stores/{protocol}/{store}/export", s.Export)
		r.Post("/import", s.Import)

		r.Route("/nodes/{protocol}/{store}/{id}", func(r chi.Router) {
			r.Get("/", s.GetNode)
			r.Delete("/", s.DeleteNode)
			r.Get("/children", s.GetChildren)
			r.Post("/children", s.CreateChild)
			r.Post("/links", s.CreateLink)
			r.Delete("/links", s.DeleteLink)
			r.Get("/parents", s.GetParents)
			r.Post("/move", s.MoveNode)
			r.Get("/properties", s.GetProperties)
			r.Put("/properties", s.SetProperties)
			r.Delete("/properties/{name}", s.DeleteProperty)
			r.Get("/aspects", s.GetAspects)
			r.Post("/aspects", s.AddAspect)
			r.Delete("/aspects/{name}", s.RemoveAspect)
		})

		r.Post("/select", s.SelectNodes)
		r.Post("/select/properties", s.SelectProperties)
		r.Get("/queries", s.ListQueries)
		r.Post("/queries/{name}/execute", s.ExecuteQuery)

		r.Post("/subscriptions", s.CreateSubscription)
		r.Get("/subscriptions", s.ListSubscriptions)
		r.Get("/subscriptions/{id}", s.GetSubscription)
		r.Patch("/subscriptions/{id}", s.UpdateSubscription)
		r.Delete("/subscriptions/{id}", s.DeleteSubscription)
		r.Get("/subscriptions/{id}/ws", s.SubscriptionSocket)
	})
	return r
}

// NodeResponse renders a node with prefixed names
type NodeResponse struct {
	Ref        string         `json:"ref"`
	Type       string         `json:"type"`
	Aspects    []string       `json:"aspects"`
	Properties map[string]any `json:"properties"`
	Created    time.Time      `json:"created"`
	Modified   time.Time      `json:"modified"`
}

// AssocResponse renders a child association
type AssocResponse struct {
	Type    string `json:"type"`
	Parent  string `json:"parent,omitempty"`
	Name    string `json:"name"`
	Child   string `json:"child"`
	Primary bool   `json:"primary"`
	Index   int    `json:"index"`
}

// CreateStoreRequest is the request body for creating a store
type CreateStoreRequest struct {
	Protocol   string `json:"protocol"`
	Identifier string `json:"identifier"`
}

// CreateNodeRequest is the request body for creating a child node
type CreateNodeRequest struct {
	Name       string         `json:"name"`
	Type       string         `json:"type,omitempty"`
	AssocType  string         `json:"assoc_type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// LinkRequest adds or removes a secondary child association
type LinkRequest struct {
	Child     string `json:"child"`
	Name      string `json:"name"`
	AssocType string `json:"assoc_type,omitempty"`
}

// MoveRequest re-parents a node. Name and type default to those of the
// current primary association.
type MoveRequest struct {
	Parent    string `json:"parent"`
	Name      string `json:"name,omitempty"`
	AssocType string `json:"assoc_type,omitempty"`
}

// AspectRequest applies an aspect
type AspectRequest struct {
	Aspect     string         `json:"aspect"`
	Properties map[string]any `json:"properties,omitempty"`
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := s.nodes.Stores(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListStores handles GET /api/stores
func (s *Server) ListStores(w http.ResponseWriter, r *http.Request) {
	stores, err := s.nodes.Stores(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]string, len(stores))
	for i, st := range stores {
		out[i] = st.String()
	}
	slices.Sort(out)
	writeJSON(w, http.StatusOK, map[string]any{"stores": out, "count": len(out)})
}

// CreateStore handles POST /api/stores
func (s *Server) CreateStore(w http.ResponseWriter, r *http.Request) {
	var req CreateStoreRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Protocol == "" {
		req.Protocol = core.ProtocolWorkspace
	}
	if req.Identifier == "" {
		http.Error(w, "identifier is required", http.StatusBadRequest)
		return
	}
	store, err := s.nodes.CreateStore(r.Context(), req.Protocol, req.Identifier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	root, err := s.nodes.RootNode(r.Context(), store)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"store": store.String(), "root": root.String()})
}

// GetRoot handles GET /api/stores/{protocol}/{store}/root
func (s *Server) GetRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.nodes.RootNode(r.Context(), storeParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNode(w, r, root)
}

// GetNode handles GET /api/nodes/{protocol}/{store}/{id}
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	s.writeNode(w, r, nodeParam(r))
}

func (s *Server) writeNode(w http.ResponseWriter, r *http.Request, ref core.NodeRef) {
	snap, err := s.nodes.Snapshot(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	aspects := make([]string, 0, len(snap.Aspects))
	for _, a := range snap.Aspects {
		aspects = append(aspects, s.shortName(a))
	}
	slices.Sort(aspects)
	writeJSON(w, http.StatusOK, NodeResponse{
		Ref:        snap.Ref.String(),
		Type:       s.shortName(snap.Type),
		Aspects:    aspects,
		Properties: s.renderProperties(snap.Properties),
		Created:    snap.Created,
		Modified:   snap.Modified,
	})
}

// DeleteNode handles DELETE /api/nodes/{protocol}/{store}/{id}
func (s *Server) DeleteNode(w http.ResponseWriter, r *http.Request) {
	ref := nodeParam(r)
	err := s.do(r, func(r *http.Request) error {
		return s.nodes.DeleteNode(r.Context(), ref)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetChildren handles GET /api/nodes/{...}/children?type=&name=
func (s *Server) GetChildren(w http.ResponseWriter, r *http.Request) {
	var filter graph.AssocFilter
	var err error
	if t := r.URL.Query().Get("type"); t != "" {
		if filter.Type, err = s.qname(t); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if n := r.URL.Query().Get("name"); n != "" {
		if filter.QName, err = s.qname(n); err != nil {
			s.writeError(w, err)
			return
		}
	}
	assocs, err := s.nodes.ChildAssocs(r.Context(), nodeParam(r), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeAssocs(w, assocs)
}

// GetParents handles GET /api/nodes/{...}/parents
func (s *Server) GetParents(w http.ResponseWriter, r *http.Request) {
	assocs, err := s.nodes.ParentAssocs(r.Context(), nodeParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeAssocs(w, assocs)
}

// CreateChild handles POST /api/nodes/{...}/children
func (s *Server) CreateChild(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if !decode(w, r, &req) {
		return
	}
	name, err := s.qname(req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	nodeType, err := s.qnameOr(req.Type, graph.TypeContainer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	assocType, err := s.qnameOr(req.AssocType, graph.AssocChildren)
	if err != nil {
		s.writeError(w, err)
		return
	}
	props, err := s.properties(req.Properties)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var assoc core.ChildAssocRef
	err = s.do(r, func(r *http.Request) error {
		assoc, err = s.nodes.CreateNode(r.Context(), nodeParam(r), assocType, name, nodeType, props)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.assoc(assoc))
}

// CreateLink handles POST /api/nodes/{...}/links
func (s *Server) CreateLink(w http.ResponseWriter, r *http.Request) {
	req, child, ok := s.linkRequest(w, r)
	if !ok {
		return
	}
	name, err := s.qname(req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	assocType, err := s.qnameOr(req.AssocType, graph.AssocChildren)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var assoc core.ChildAssocRef
	err = s.do(r, func(r *http.Request) error {
		assoc, err = s.nodes.AddChild(r.Context(), nodeParam(r), child, assocType, name)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.assoc(assoc))
}

// DeleteLink handles DELETE /api/nodes/{...}/links
func (s *Server) DeleteLink(w http.ResponseWriter, r *http.Request) {
	req, child, ok := s.linkRequest(w, r)
	if !ok {
		return
	}
	name, err := s.qname(req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	assocType, err := s.qnameOr(req.AssocType, graph.AssocChildren)
	if err != nil {
		s.writeError(w, err)
		return
	}
	parent := nodeParam(r)
	assocs, err := s.nodes.ChildAssocs(r.Context(), parent, graph.AssocFilter{Type: assocType, QName: name})
	if err != nil {
		s.writeError(w, err)
		return
	}
	idx := slices.IndexFunc(assocs, func(a core.ChildAssocRef) bool { return a.Child == child })
	if idx < 0 {
		s.writeError(w, core.ErrAssocNotFound)
		return
	}
	if err := s.do(r, func(r *http.Request) error {
		return s.nodes.RemoveChildAssoc(r.Context(), assocs[idx])
	}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) linkRequest(w http.ResponseWriter, r *http.Request) (LinkRequest, core.NodeRef, bool) {
	var req LinkRequest
	if !decode(w, r, &req) {
		return req, core.NodeRef{}, false
	}
	child, err := core.ParseNodeRef(req.Child)
	if err != nil {
		s.writeError(w, err)
		return req, core.NodeRef{}, false
	}
	return req, child, true
}

// MoveNode handles POST /api/nodes/{...}/move
func (s *Server) MoveNode(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !decode(w, r, &req) {
		return
	}
	parent, err := core.ParseNodeRef(req.Parent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref := nodeParam(r)
	current, err := s.nodes.PrimaryParent(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	name, err := s.qnameOr(req.Name, current.QName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	assocType, err := s.qnameOr(req.AssocType, current.Type)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var assoc core.ChildAssocRef
	err = s.do(r, func(r *http.Request) error {
		assoc, err = s.nodes.MoveNode(r.Context(), ref, parent, assocType, name)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.assoc(assoc))
}

// GetProperties handles GET /api/nodes/{...}/properties
func (s *Server) GetProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.nodes.Properties(r.Context(), nodeParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.renderProperties(props))
}

// SetProperties handles PUT /api/nodes/{...}/properties, merging the body
// into the node's properties
func (s *Server) SetProperties(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if !decode(w, r, &req) {
		return
	}
	props, err := s.properties(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref := nodeParam(r)
	if err := s.do(r, func(r *http.Request) error {
		return s.nodes.AddProperties(r.Context(), ref, props)
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.GetProperties(w, r)
}

// DeleteProperty handles DELETE /api/nodes/{...}/properties/{name}
func (s *Server) DeleteProperty(w http.ResponseWriter, r *http.Request) {
	name, err := s.qname(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref := nodeParam(r)
	if err := s.do(r, func(r *http.Request) error {
		return s.nodes.RemoveProperty(r.Context(), ref, name)
	}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAspects handles GET /api/nodes/{...}/aspects
func (s *Server) GetAspects(w http.ResponseWriter, r *http.Request) {
	aspects, err := s.nodes.Aspects(r.Context(), nodeParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]string, len(aspects))
	for i, a := range aspects {
		out[i] = s.shortName(a)
	}
	slices.Sort(out)
	writeJSON(w, http.StatusOK, map[string]any{"aspects": out})
}

// AddAspect handles POST /api/nodes/{...}/aspects
func (s *Server) AddAspect(w http.ResponseWriter, r *http.Request) {
	var req AspectRequest
	if !decode(w, r, &req) {
		return
	}
	aspect, err := s.qname(req.Aspect)
	if err != nil {
		s.writeError(w, err)
		return
	}
	props, err := s.properties(req.Properties)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref := nodeParam(r)
	if err := s.do(r, func(r *http.Request) error {
		return s.nodes.AddAspect(r.Context(), ref, aspect, props)
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.GetAspects(w, r)
}

// RemoveAspect handles DELETE /api/nodes/{...}/aspects/{name}
func (s *Server) RemoveAspect(w http.ResponseWriter, r *http.Request) {
	aspect, err := s.qname(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref := nodeParam(r)
	if err := s.do(r, func(r *http.Request) error {
		return s.nodes.RemoveAspect(r.Context(), ref, aspect)
	}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// do runs fn inside an event group when a transactor is configured
func (s *Server) do(r *http.Request, fn func(r *http.Request) error) error {
	if s.tx == nil {
		return fn(r)
	}
	return s.tx.Do(r.Context(), func(ctx context.Context) error {
		return fn(r.WithContext(ctx))
	})
}

func (s *Server) writeAssocs(w http.ResponseWriter, assocs []core.ChildAssocRef) {
	out := make([]AssocResponse, len(assocs))
	for i, a := range assocs {
		out[i] = s.assoc(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"assocs": out, "count": len(out)})
}

func (s *Server) assoc(a core.ChildAssocRef) AssocResponse {
	resp := AssocResponse{
		Type:    s.shortName(a.Type),
		Name:    s.shortName(a.QName),
		Child:   a.Child.String(),
		Primary: a.Primary,
		Index:   a.Index,
	}
	if !a.Parent.IsZero() {
		resp.Parent = a.Parent.String()
	}
	return resp
}

func (s *Server) qname(text string) (core.QName, error) {
	if text == "" {
		return core.QName{}, fmt.Errorf("%w: empty name", core.ErrInvalidQName)
	}
	return namespace.ParseQName(text, s.resolver)
}

func (s *Server) qnameOr(text string, def core.QName) (core.QName, error) {
	if text == "" {
		return def, nil
	}
	return s.qname(text)
}

func (s *Server) shortName(q core.QName) string {
	if name, err := namespace.ShortName(q, s.resolver); err == nil {
		return name
	}
	return q.String()
}

// properties resolves request property names and converts their values
func (s *Server) properties(in map[string]any) (map[core.QName]any, error) {
	out := make(map[core.QName]any, len(in))
	for k, v := range in {
		name, err := s.qname(k)
		if err != nil {
			return nil, err
		}
		if out[name], err = dictionary.ConvertProperty(s.dict, name, v); err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
	}
	return out, nil
}

func (s *Server) renderProperties(props map[core.QName]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[s.shortName(k)] = v
	}
	return out
}

func storeParam(r *http.Request) core.StoreRef {
	return core.StoreRef{Protocol: chi.URLParam(r, "protocol"), Identifier: chi.URLParam(r, "store")}
}

func nodeParam(r *http.Request) core.NodeRef {
	return core.NodeRef{Store: storeParam(r), ID: chi.URLParam(r, "id")}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNodeNotFound),
		errors.Is(err, core.ErrStoreNotFound),
		errors.Is(err, core.ErrAssocNotFound),
		errors.Is(err, query.ErrUnknownQuery),
		errors.Is(err, subscriptions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrStoreExists),
		errors.Is(err, core.ErrAssocExists),
		errors.Is(err, core.ErrCyclicChild),
		errors.Is(err, core.ErrPrimaryAssoc),
		errors.Is(err, core.ErrStoreRoot):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrStepLimit),
		errors.Is(err, sandbox.ErrTimeLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrInvalidNodeRef),
		errors.Is(err, core.ErrInvalidStoreRef),
		errors.Is(err, core.ErrInvalidQName),
		errors.Is(err, namespace.ErrUnknownPrefix),
		errors.Is(err, dictionary.ErrConversion),
		errors.Is(err, dictionary.ErrUnknownDataType),
		errors.Is(err, query.ErrMissingValue),
		errors.Is(err, query.ErrInvalidDefinition),
		errors.Is(err, searcher.ErrNotNode),
		errors.Is(err, searcher.ErrNotProperty),
		errors.Is(err, searcher.ErrUnsupportedLanguage),
		errors.Is(err, xpath.ErrSyntax),
		errors.Is(err, xpath.ErrUnsupportedAxis),
		errors.Is(err, xpath.ErrUnknownFunction),
		errors.Is(err, xpath.ErrUnknownVariable),
		errors.Is(err, xpath.ErrUnknownPrefix),
		errors.Is(err, xpath.ErrType),
		errors.Is(err, xpath.ErrArgument),
		errors.Is(err, importer.ErrInvalidDocument),
		errors.Is(err, importer.ErrUnknownAlias),
		errors.Is(err, subscriptions.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
