package api

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/importer"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
	"github.com/systemshift/contentrepo/internal/repo/query"
	"github.com/systemshift/contentrepo/internal/repo/searcher"
)

// ParamRequest declares an ad hoc query parameter
type ParamRequest struct {
	Name    string  `json:"name"`
	Type    string  `json:"type,omitempty"`
	Default *string `json:"default,omitempty"`
}

// SelectRequest is the request body for XPath selections
type SelectRequest struct {
	Context    string            `json:"context"`
	XPath      string            `json:"xpath"`
	Params     []ParamRequest    `json:"params,omitempty"`
	Values     map[string]string `json:"values,omitempty"`
	Namespaces map[string]string `json:"namespaces,omitempty"`
	FollowAll  bool              `json:"follow_all,omitempty"`
}

// SelectResponse lists selected nodes
type SelectResponse struct {
	Nodes []string `json:"nodes"`
	Count int      `json:"count"`
}

// ExecuteRequest is the request body for canned query execution
type ExecuteRequest struct {
	Context string            `json:"context"`
	Values  map[string]string `json:"values,omitempty"`
}

// QueryResponse describes a canned query
type QueryResponse struct {
	Name     string          `json:"name"`
	Language string          `json:"language"`
	Query    string          `json:"query"`
	Params   []ParamResponse `json:"params"`
}

// ParamResponse describes a canned query parameter
type ParamResponse struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Property string  `json:"property,omitempty"`
	Default  *string `json:"default,omitempty"`
}

// ImportResponse summarises an import
type ImportResponse struct {
	Store string `json:"store"`
	Root  string `json:"root"`
	Nodes int    `json:"nodes"`
	Links int    `json:"links"`
}

// SelectNodes handles POST /api/select
func (s *Server) SelectNodes(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.selection(w, r)
	if !ok {
		return
	}
	refs, err := s.searcher.Select(r.Context(), sel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refsResponse(refs))
}

// SelectProperties handles POST /api/select/properties. Parameters are
// bound to their defaults.
func (s *Server) SelectProperties(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.selection(w, r)
	if !ok {
		return
	}
	values, err := s.searcher.SelectProperties(r.Context(), sel.Context, sel.XPath, sel.Params, sel.Resolver, sel.FollowAllParentLinks)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": values, "count": len(values)})
}

func (s *Server) selection(w http.ResponseWriter, r *http.Request) (searcher.Selection, bool) {
	var req SelectRequest
	if !decode(w, r, &req) {
		return searcher.Selection{}, false
	}
	ctxRef, err := core.ParseNodeRef(req.Context)
	if err != nil {
		s.writeError(w, err)
		return searcher.Selection{}, false
	}
	resolver := namespace.NewDynamicResolver(s.resolver)
	for prefix, uri := range req.Namespaces {
		resolver.Register(prefix, uri)
	}

	params := make([]*query.ParameterDef, 0, len(req.Params))
	for _, p := range req.Params {
		def := &query.ParameterDef{DataType: dictionary.TypeText}
		if def.QName, err = namespace.ParseQName(p.Name, resolver); err != nil {
			s.writeError(w, err)
			return searcher.Selection{}, false
		}
		if p.Type != "" {
			if def.DataType, err = namespace.ParseQName(p.Type, resolver); err != nil {
				s.writeError(w, err)
				return searcher.Selection{}, false
			}
		}
		if p.Default != nil {
			def.HasDefault, def.Default = true, *p.Default
		}
		params = append(params, def)
	}
	values, err := s.values(req.Values, resolver)
	if err != nil {
		s.writeError(w, err)
		return searcher.Selection{}, false
	}
	return searcher.Selection{
		Context:              ctxRef,
		XPath:                req.XPath,
		Params:               params,
		Values:               values,
		Resolver:             resolver,
		Namespaces:           req.Namespaces,
		FollowAllParentLinks: req.FollowAll,
	}, true
}

func (s *Server) values(in map[string]string, resolver namespace.Resolver) (map[core.QName]string, error) {
	out := make(map[core.QName]string, len(in))
	for k, v := range in {
		name, err := namespace.ParseQName(k, resolver)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// ListQueries handles GET /api/queries
func (s *Server) ListQueries(w http.ResponseWriter, r *http.Request) {
	catalog := s.searcher.Catalog()
	if catalog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"queries": []QueryResponse{}, "count": 0})
		return
	}
	defs := catalog.Queries()
	out := make([]QueryResponse, 0, len(defs))
	for _, q := range defs {
		resp := QueryResponse{
			Name:     s.shortName(q.QName),
			Language: q.Language,
			Query:    q.Query,
			Params:   make([]ParamResponse, 0, len(q.Params)),
		}
		for _, p := range q.Params {
			pr := ParamResponse{Name: s.shortName(p.QName), Type: s.shortName(p.DataType)}
			if !p.Property.IsZero() {
				pr.Property = s.shortName(p.Property)
			}
			if p.HasDefault {
				pr.Default = &p.Default
			}
			resp.Params = append(resp.Params, pr)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": out, "count": len(out)})
}

// ExecuteQuery handles POST /api/queries/{name}/execute
func (s *Server) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	name, err := s.qname(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	ctxRef, err := core.ParseNodeRef(req.Context)
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.values(req.Values, s.resolver)
	if err != nil {
		s.writeError(w, err)
		return
	}
	refs, err := s.searcher.ExecuteCanned(r.Context(), ctxRef, name, values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refsResponse(refs))
}

// Import handles POST /api/import with a YAML document body.
// ?merge=true imports into an existing store.
func (s *Server) Import(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		http.Error(w, "importer not initialized", http.StatusServiceUnavailable)
		return
	}
	doc, err := importer.Parse(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.importer.Import(r.Context(), doc, importer.Options{Merge: r.URL.Query().Get("merge") == "true"})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ImportResponse{
		Store: res.Store.String(),
		Root:  res.Root.String(),
		Nodes: res.Nodes,
		Links: res.Links,
	})
}

// Export handles GET /api/stores/{protocol}/{store}/export
func (s *Server) Export(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		http.Error(w, "importer not initialized", http.StatusServiceUnavailable)
		return
	}
	var buf bytes.Buffer
	if err := s.importer.WriteYAML(r.Context(), storeParam(r), &buf); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(buf.Bytes())
}

func refsResponse(refs []core.NodeRef) SelectResponse {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = ref.String()
	}
	return SelectResponse{Nodes: out, Count: len(out)}
}
