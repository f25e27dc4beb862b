package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/events"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

// RootAlias names the store root in links
const RootAlias = "/"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a document
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// ParseFile reads and parses the document at path
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Result summarises an import
type Result struct {
	Store core.StoreRef
	Root  core.NodeRef
	Nodes int
	Links int
	// Refs maps document aliases to the created nodes
	Refs map[string]core.NodeRef
}

// Importer creates document contents through a NodeService
type Importer struct {
	nodes    graph.NodeService
	dict     dictionary.Service
	resolver *namespace.DynamicResolver
	tx       *events.Transactor
	logger   *slog.Logger
}

// Option configures an Importer
type Option func(*Importer)

// WithTransactor runs each import inside one event group
func WithTransactor(tx *events.Transactor) Option {
	return func(i *Importer) { i.tx = tx }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(i *Importer) { i.logger = logger }
}

// New creates an importer. Document namespaces are layered over resolver.
func New(nodes graph.NodeService, dict dictionary.Service, resolver *namespace.DynamicResolver, opts ...Option) *Importer {
	i := &Importer{
		nodes:    nodes,
		dict:     dict,
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// importRun holds the state of one import
type importRun struct {
	*Importer
	resolver *namespace.DynamicResolver
	res      *Result
}

// Import creates the document's nodes, then its links
func (i *Importer) Import(ctx context.Context, doc *Document, opts Options) (*Result, error) {
	run := &importRun{
		Importer: i,
		resolver: namespace.NewDynamicResolver(i.resolver),
		res:      &Result{Refs: make(map[string]core.NodeRef)},
	}
	for _, ns := range doc.Namespaces {
		run.resolver.Register(ns.Prefix, ns.URI)
	}

	work := func(ctx context.Context) error {
		if err := run.store(ctx, doc, opts); err != nil {
			return err
		}
		for _, n := range doc.Nodes {
			if err := run.node(ctx, run.res.Root, n); err != nil {
				return err
			}
		}
		for _, l := range doc.Links {
			if err := run.link(ctx, l); err != nil {
				return err
			}
		}
		return nil
	}
	var err error
	if i.tx != nil {
		err = i.tx.Do(ctx, work)
	} else {
		err = work(ctx)
	}
	if err != nil {
		return nil, err
	}
	i.logger.Info("graph imported", "store", run.res.Store.String(), "nodes", run.res.Nodes, "links", run.res.Links)
	return run.res, nil
}

// ImportFile parses and imports the document at path
func (i *Importer) ImportFile(ctx context.Context, path string, opts Options) (*Result, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return i.Import(ctx, doc, opts)
}

func (r *importRun) store(ctx context.Context, doc *Document, opts Options) error {
	protocol := doc.Protocol
	if protocol == "" {
		protocol = core.ProtocolWorkspace
	}
	ref := core.StoreRef{Protocol: protocol, Identifier: doc.Store}

	stores, err := r.nodes.Stores(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(stores, ref) {
		if !opts.Merge {
			return fmt.Errorf("%w: store %s exists", ErrInvalidDocument, ref)
		}
	} else if ref, err = r.nodes.CreateStore(ctx, protocol, doc.Store); err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	root, err := r.nodes.RootNode(ctx, ref)
	if err != nil {
		return err
	}
	r.res.Store = ref
	r.res.Root = root
	r.res.Refs[RootAlias] = root
	return nil
}

func (r *importRun) node(ctx context.Context, parent core.NodeRef, decl NodeDecl) error {
	assocName, err := r.qname(decl.Assoc)
	if err != nil {
		return err
	}
	assocType, err := r.qnameOr(decl.AssocType, graph.AssocChildren)
	if err != nil {
		return err
	}
	nodeType, err := r.qnameOr(decl.Type, graph.TypeContainer)
	if err != nil {
		return err
	}
	props, err := r.properties(decl.Properties)
	if err != nil {
		return fmt.Errorf("node %s: %w", decl.Assoc, err)
	}
	if decl.UUID != "" {
		props[graph.PropNodeUUID] = decl.UUID
	}

	assoc, err := r.nodes.CreateNode(ctx, parent, assocType, assocName, nodeType, props)
	if err != nil {
		return fmt.Errorf("create node %s: %w", decl.Assoc, err)
	}
	r.res.Nodes++
	if decl.ID != "" {
		if _, dup := r.res.Refs[decl.ID]; dup {
			return fmt.Errorf("%w: duplicate alias %q", ErrInvalidDocument, decl.ID)
		}
		r.res.Refs[decl.ID] = assoc.Child
	}

	for _, a := range decl.Aspects {
		aspect, err := r.qname(a)
		if err != nil {
			return err
		}
		if err := r.nodes.AddAspect(ctx, assoc.Child, aspect, nil); err != nil {
			return fmt.Errorf("add aspect %s: %w", a, err)
		}
	}
	for _, child := range decl.Children {
		if err := r.node(ctx, assoc.Child, child); err != nil {
			return err
		}
	}
	return nil
}

func (r *importRun) link(ctx context.Context, decl LinkDecl) error {
	parent, ok := r.res.Refs[decl.Parent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlias, decl.Parent)
	}
	child, ok := r.res.Refs[decl.Child]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlias, decl.Child)
	}
	name, err := r.qname(decl.Assoc)
	if err != nil {
		return err
	}
	assocType, err := r.qnameOr(decl.AssocType, graph.AssocChildren)
	if err != nil {
		return err
	}
	if _, err := r.nodes.AddChild(ctx, parent, child, assocType, name); err != nil {
		if errors.Is(err, core.ErrAssocExists) {
			r.logger.Debug("link exists", "parent", decl.Parent, "child", decl.Child, "assoc", decl.Assoc)
			return nil
		}
		return fmt.Errorf("link %s -> %s: %w", decl.Parent, decl.Child, err)
	}
	r.res.Links++
	return nil
}

func (r *importRun) qname(s string) (core.QName, error) {
	q, err := namespace.ParseQName(s, r.resolver)
	if err != nil {
		return core.QName{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return q, nil
}

func (r *importRun) qnameOr(s string, def core.QName) (core.QName, error) {
	if s == "" {
		return def, nil
	}
	return r.qname(s)
}

// properties resolves names and converts values to the declared data type
// of each known property
func (r *importRun) properties(in map[string]any) (map[core.QName]any, error) {
	out := make(map[core.QName]any, len(in))
	for k, v := range in {
		name, err := r.qname(k)
		if err != nil {
			return nil, err
		}
		val, err := dictionary.ConvertProperty(r.dict, name, v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		out[name] = val
	}
	return out, nil
}
