package query

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

// shortTypes maps the plain type names to dictionary data types
var shortTypes = map[string]core.QName{
	"boolean": dictionary.TypeBoolean,
	"double":  dictionary.TypeDouble,
	"float":   dictionary.TypeFloat,
	"int":     dictionary.TypeInt,
	"long":    dictionary.TypeLong,
	"string":  dictionary.TypeText,
}

// Catalog holds resolved parameter definitions and canned queries from
// every registered collection
type Catalog struct {
	mu       sync.RWMutex
	dict     dictionary.Service
	resolver namespace.Resolver
	params   map[core.QName]*ParameterDef
	queries  map[core.QName]*CannedQueryDef
	logger   *slog.Logger
}

// CatalogOption configures a Catalog
type CatalogOption func(*Catalog)

// WithLogger sets the catalog's logger
func WithLogger(l *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		c.logger = l
	}
}

// NewCatalog creates an empty catalog. Prefixes not bound by a collection
// are looked up in resolver.
func NewCatalog(dict dictionary.Service, resolver namespace.Resolver, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		dict:     dict,
		resolver: resolver,
		params:   make(map[core.QName]*ParameterDef),
		queries:  make(map[core.QName]*CannedQueryDef),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pending is a declared collection during resolution
type pending struct {
	coll     *Collection
	resolver *namespace.DynamicResolver
	bindings map[string]string
}

// Register resolves the collections against each other and the already
// registered definitions. Nothing is registered when any reference or
// definition fails to resolve.
func (c *Catalog) Register(colls ...*Collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := maps.Clone(c.params)
	queries := maps.Clone(c.queries)
	var work []pending
	for _, coll := range colls {
		p := pending{coll: coll, resolver: namespace.NewDynamicResolver(c.resolver), bindings: map[string]string{}}
		for _, ns := range coll.Namespaces {
			p.resolver.Register(ns.Prefix, ns.URI)
			p.bindings[ns.Prefix] = ns.URI
		}
		work = append(work, p)
	}

	// definitions first, so references may point anywhere
	for _, p := range work {
		for _, decl := range p.coll.Parameters {
			if err := c.declare(params, p, decl); err != nil {
				return err
			}
		}
		for _, q := range p.coll.Queries {
			for _, decl := range q.Parameters {
				if err := c.declare(params, p, decl); err != nil {
					return err
				}
			}
		}
	}

	for _, p := range work {
		for _, decl := range p.coll.Parameters {
			if decl.Ref == "" {
				continue
			}
			if _, err := resolveRef(params, p, decl); err != nil {
				return err
			}
		}
		for _, q := range p.coll.Queries {
			def, err := c.resolveQuery(params, p, q)
			if err != nil {
				return err
			}
			if _, exists := queries[def.QName]; exists {
				return fmt.Errorf("%w: query %s", ErrDuplicate, def.QName)
			}
			queries[def.QName] = def
		}
		c.logger.Info("registered query collection", "collection", p.coll.Name, "queries", len(p.coll.Queries), "parameters", len(p.coll.Parameters))
	}

	c.params = params
	c.queries = queries
	return nil
}

// declare turns a parameter declaration into a definition in params.
// References are skipped.
func (c *Catalog) declare(params map[core.QName]*ParameterDef, p pending, decl ParameterDecl) error {
	if decl.Ref != "" {
		return nil
	}
	name, err := namespace.ParseQName(decl.Name, p.resolver)
	if err != nil {
		return fmt.Errorf("%w: parameter %q in %s: %v", ErrInvalidDefinition, decl.Name, p.coll.Name, err)
	}
	def := &ParameterDef{QName: name, HasDefault: decl.HasDefault || decl.Default != nil}
	if decl.Default != nil {
		def.Default = *decl.Default
	} else if decl.HasDefault {
		return fmt.Errorf("%w: %s in %s", ErrMissingDefault, name, p.coll.Name)
	}

	switch {
	case decl.Property != "":
		prop, err := namespace.ParseQName(decl.Property, p.resolver)
		if err != nil {
			return fmt.Errorf("%w: property %q: %v", ErrInvalidDefinition, decl.Property, err)
		}
		pd, ok := c.dict.Property(prop)
		if !ok {
			return fmt.Errorf("%w: parameter %s: property %s not defined", ErrInvalidDefinition, name, prop)
		}
		def.Property = prop
		def.DataType = pd.DataType
	case decl.Type != "":
		dt, err := c.dataType(decl.Type, p.resolver)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		def.DataType = dt
	default:
		def.DataType = dictionary.TypeText
	}

	if existing, ok := params[name]; ok && *existing != *def {
		return fmt.Errorf("%w: parameter %s", ErrDuplicate, name)
	}
	params[name] = def
	return nil
}

func (c *Catalog) dataType(s string, resolver namespace.Resolver) (core.QName, error) {
	if dt, ok := shortTypes[strings.ToLower(s)]; ok {
		return dt, nil
	}
	name, err := namespace.ParseQName(s, resolver)
	if err != nil {
		return core.QName{}, fmt.Errorf("%w: type %q: %v", ErrInvalidDefinition, s, err)
	}
	if _, ok := c.dict.DataType(name); !ok {
		return core.QName{}, fmt.Errorf("%w: %s", dictionary.ErrUnknownDataType, name)
	}
	return name, nil
}

func resolveRef(params map[core.QName]*ParameterDef, p pending, decl ParameterDecl) (*ParameterDef, error) {
	ref := ParameterRef{}
	name, err := namespace.ParseQName(decl.Ref, p.resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: %q in %s: %v", ErrUnresolvedReference, decl.Ref, p.coll.Name, err)
	}
	ref.QName = name
	def, ok := params[ref.QName]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnresolvedReference, ref.QName, p.coll.Name)
	}
	return def, nil
}

func (c *Catalog) resolveQuery(params map[core.QName]*ParameterDef, p pending, q CannedQueryDecl) (*CannedQueryDef, error) {
	name, err := namespace.ParseQName(q.Name, p.resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: query %q: %v", ErrInvalidDefinition, q.Name, err)
	}
	def := &CannedQueryDef{
		QName:      name,
		Language:   q.Language,
		Query:      q.Query,
		Namespaces: maps.Clone(p.bindings),
	}
	if def.Language == "" {
		def.Language = LanguageXPath
	}
	for _, decl := range q.Parameters {
		var pd *ParameterDef
		if decl.Ref != "" {
			if pd, err = resolveRef(params, p, decl); err != nil {
				return nil, err
			}
		} else {
			pname, _ := namespace.ParseQName(decl.Name, p.resolver)
			pd = params[pname]
		}
		if _, dup := def.Parameter(pd.QName); dup {
			return nil, fmt.Errorf("%w: parameter %s in query %s", ErrDuplicate, pd.QName, name)
		}
		def.Params = append(def.Params, pd)
	}
	return def, nil
}

// Query returns a registered canned query
func (c *Catalog) Query(name core.QName) (*CannedQueryDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
	}
	return q, nil
}

// Queries returns every registered query ordered by name
func (c *Catalog) Queries() []*CannedQueryDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := slices.Collect(maps.Values(c.queries))
	slices.SortFunc(out, func(a, b *CannedQueryDef) int {
		return strings.Compare(a.QName.String(), b.QName.String())
	})
	return out
}

// Parameter returns a registered parameter definition
func (c *Catalog) Parameter(name core.QName) (*ParameterDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.params[name]
	return p, ok
}

// Bind converts the textual values, or the defaults where a value is
// absent, into native values for defs
func (c *Catalog) Bind(defs []*ParameterDef, values map[core.QName]string) ([]BoundParameter, error) {
	return Bind(c.dict, defs, values)
}

// Bind converts values for defs through the dictionary's data types
func Bind(dict dictionary.Service, defs []*ParameterDef, values map[core.QName]string) ([]BoundParameter, error) {
	out := make([]BoundParameter, 0, len(defs))
	for _, def := range defs {
		text, ok := values[def.QName]
		if !ok {
			if !def.HasDefault {
				return nil, fmt.Errorf("%w: %s", ErrMissingValue, def.QName)
			}
			text = def.Default
		}
		v, err := dict.Convert(def.DataType, text)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", def.QName, err)
		}
		out = append(out, BoundParameter{Def: def, Value: v})
	}
	return out, nil
}
