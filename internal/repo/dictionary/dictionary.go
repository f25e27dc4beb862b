// Package dictionary holds the data dictionary: data types, content types,
// aspects and their property definitions.
package dictionary

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

//go:embed models/builtin.yaml
var builtinModelYAML []byte

var (
	// ErrUnknownClass is returned for types or aspects that are not defined
	ErrUnknownClass = errors.New("class not defined")
	// ErrUnknownDataType is returned for undefined data types
	ErrUnknownDataType = errors.New("data type not defined")
	// ErrInvalidModel is returned when a model fails validation
	ErrInvalidModel = errors.New("invalid model")
	// ErrConversion is returned when a value cannot be converted to a data type
	ErrConversion = errors.New("value conversion failed")
)

// PropertyDef defines a property of a type or aspect
type PropertyDef struct {
	Name       core.QName
	DataType   core.QName
	Multiple   bool
	Mandatory  bool
	Default    string
	HasDefault bool
	Container  core.QName
}

// ClassDef defines a type or an aspect
type ClassDef struct {
	Name       core.QName
	Parent     core.QName
	Title      string
	IsAspect   bool
	Properties []*PropertyDef
	// MandatoryAspects are applied when a node of this type is created
	MandatoryAspects []core.QName
}

// Service is the read side of the dictionary
type Service interface {
	DataType(name core.QName) (*DataType, bool)
	Class(name core.QName) (*ClassDef, bool)
	Property(name core.QName) (*PropertyDef, bool)
	IsSubClass(class, of core.QName) bool
	SubTypes(of core.QName, follow bool) []core.QName
	Convert(dataType core.QName, text string) (any, error)
}

// Dictionary is the in-memory dictionary implementation
type Dictionary struct {
	resolver   *namespace.DynamicResolver
	logger     *slog.Logger
	mu         sync.RWMutex
	dataTypes  map[core.QName]*DataType
	classes    map[core.QName]*ClassDef
	properties map[core.QName]*PropertyDef
}

// Option configures a Dictionary
type Option func(*Dictionary)

// WithLogger sets the logger used for model loading
func WithLogger(l *slog.Logger) Option {
	return func(d *Dictionary) { d.logger = l }
}

// New creates a dictionary with the built-in model loaded. Prefixes declared
// by loaded models are registered with resolver.
func New(resolver *namespace.DynamicResolver, opts ...Option) (*Dictionary, error) {
	if resolver == nil {
		resolver = namespace.NewDynamicResolver(nil)
	}
	d := &Dictionary{
		resolver:   resolver,
		logger:     slog.Default(),
		dataTypes:  builtinDataTypes(),
		classes:    make(map[core.QName]*ClassDef),
		properties: make(map[core.QName]*PropertyDef),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.LoadModelBytes(builtinModelYAML); err != nil {
		return nil, fmt.Errorf("loading builtin model: %w", err)
	}
	return d, nil
}

// Resolver returns the namespace resolver models register their prefixes with
func (d *Dictionary) Resolver() *namespace.DynamicResolver {
	return d.resolver
}

// ModelYAML is the declarative form of a model
type ModelYAML struct {
	Namespaces []NamespaceYAML `yaml:"namespaces"`
	Types      []ClassYAML     `yaml:"types"`
	Aspects    []ClassYAML     `yaml:"aspects"`
}

// NamespaceYAML declares a prefix binding
type NamespaceYAML struct {
	Prefix string `yaml:"prefix"`
	URI    string `yaml:"uri"`
}

// ClassYAML declares a type or aspect
type ClassYAML struct {
	Name             string         `yaml:"name"`
	Parent           string         `yaml:"parent,omitempty"`
	Title            string         `yaml:"title,omitempty"`
	Properties       []PropertyYAML `yaml:"properties,omitempty"`
	MandatoryAspects []string       `yaml:"mandatory_aspects,omitempty"`
}

// PropertyYAML declares a property
type PropertyYAML struct {
	Name      string  `yaml:"name"`
	Type      string  `yaml:"type"`
	Multiple  bool    `yaml:"multiple,omitempty"`
	Mandatory bool    `yaml:"mandatory,omitempty"`
	Default   *string `yaml:"default,omitempty"`
}

// LoadModelFile loads a YAML model from disk
func (d *Dictionary) LoadModelFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading model %s: %w", path, err)
	}
	if err := d.LoadModelBytes(data); err != nil {
		return fmt.Errorf("model %s: %w", path, err)
	}
	return nil
}

// LoadModel loads a YAML model from r
func (d *Dictionary) LoadModel(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading model: %w", err)
	}
	return d.LoadModelBytes(data)
}

// LoadModelBytes loads a YAML model. The model is validated as a whole and
// either every class is added or none is.
func (d *Dictionary) LoadModelBytes(data []byte) error {
	var m ModelYAML
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}

	for _, ns := range m.Namespaces {
		if ns.Prefix == "" || ns.URI == "" {
			return fmt.Errorf("%w: namespace needs prefix and uri", ErrInvalidModel)
		}
		d.resolver.Register(ns.Prefix, ns.URI)
	}

	classes := make([]*ClassDef, 0, len(m.Types)+len(m.Aspects))
	for _, c := range m.Types {
		def, err := d.classFromYAML(c, false)
		if err != nil {
			return err
		}
		classes = append(classes, def)
	}
	for _, c := range m.Aspects {
		def, err := d.classFromYAML(c, true)
		if err != nil {
			return err
		}
		classes = append(classes, def)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pending := make(map[core.QName]*ClassDef, len(classes))
	for _, c := range classes {
		if _, dup := pending[c.Name]; dup {
			return fmt.Errorf("%w: class %s declared twice", ErrInvalidModel, c.Name)
		}
		pending[c.Name] = c
	}
	for _, c := range classes {
		for _, p := range c.Properties {
			if _, ok := d.dataTypes[p.DataType]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownDataType, p.DataType)
			}
		}
		if c.Parent.IsZero() {
			continue
		}
		parent, ok := pending[c.Parent]
		if !ok {
			parent, ok = d.classes[c.Parent]
		}
		if !ok {
			return fmt.Errorf("%w: %s has undefined parent %s", ErrInvalidModel, c.Name, c.Parent)
		}
		if parent.IsAspect != c.IsAspect {
			return fmt.Errorf("%w: %s and parent %s differ in kind", ErrInvalidModel, c.Name, c.Parent)
		}
	}

	for _, c := range classes {
		d.classes[c.Name] = c
		for _, p := range c.Properties {
			d.properties[p.Name] = p
		}
	}
	d.logger.Debug("model loaded", "classes", len(classes))
	return nil
}

func (d *Dictionary) classFromYAML(c ClassYAML, aspect bool) (*ClassDef, error) {
	name, err := namespace.ParseQName(c.Name, d.resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: class %q: %v", ErrInvalidModel, c.Name, err)
	}
	def := &ClassDef{Name: name, Title: c.Title, IsAspect: aspect}
	if c.Parent != "" {
		if def.Parent, err = namespace.ParseQName(c.Parent, d.resolver); err != nil {
			return nil, fmt.Errorf("%w: parent of %q: %v", ErrInvalidModel, c.Name, err)
		}
	}
	for _, a := range c.MandatoryAspects {
		qn, err := namespace.ParseQName(a, d.resolver)
		if err != nil {
			return nil, fmt.Errorf("%w: aspect of %q: %v", ErrInvalidModel, c.Name, err)
		}
		def.MandatoryAspects = append(def.MandatoryAspects, qn)
	}
	for _, p := range c.Properties {
		pn, err := namespace.ParseQName(p.Name, d.resolver)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %v", ErrInvalidModel, p.Name, err)
		}
		typ := TypeAny
		if p.Type != "" {
			if typ, err = namespace.ParseQName(p.Type, d.resolver); err != nil {
				return nil, fmt.Errorf("%w: type of %q: %v", ErrInvalidModel, p.Name, err)
			}
		}
		pd := &PropertyDef{
			Name:      pn,
			DataType:  typ,
			Multiple:  p.Multiple,
			Mandatory: p.Mandatory,
			Container: name,
		}
		if p.Default != nil {
			pd.Default = *p.Default
			pd.HasDefault = true
		}
		def.Properties = append(def.Properties, pd)
	}
	return def, nil
}

// DataType looks up a data type
func (d *Dictionary) DataType(name core.QName) (*DataType, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.dataTypes[name]
	return t, ok
}

// Class looks up a type or aspect
func (d *Dictionary) Class(name core.QName) (*ClassDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.classes[name]
	return c, ok
}

// Property looks up a property definition
func (d *Dictionary) Property(name core.QName) (*PropertyDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.properties[name]
	return p, ok
}

// IsSubClass reports whether class equals of or inherits from it
func (d *Dictionary) IsSubClass(class, of core.QName) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[core.QName]bool)
	for cur := class; !cur.IsZero(); {
		if cur == of {
			return true
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true
		def, ok := d.classes[cur]
		if !ok {
			return false
		}
		cur = def.Parent
	}
	return false
}

// SubTypes returns the classes whose parent is of; with follow set the
// whole subtree is returned. The result is sorted by name and includes of.
func (d *Dictionary) SubTypes(of core.QName, follow bool) []core.QName {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := []core.QName{of}
	seen := map[core.QName]bool{of: true}
	frontier := []core.QName{of}
	for len(frontier) > 0 {
		var next []core.QName
		for _, c := range d.classes {
			for _, f := range frontier {
				if c.Parent == f && !seen[c.Name] {
					seen[c.Name] = true
					out = append(out, c.Name)
					next = append(next, c.Name)
				}
			}
		}
		if !follow {
			break
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// AllProperties returns the properties of a class including inherited ones
func (d *Dictionary) AllProperties(class core.QName) []*PropertyDef {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*PropertyDef
	for cur := class; !cur.IsZero(); {
		def, ok := d.classes[cur]
		if !ok {
			break
		}
		out = append(out, def.Properties...)
		cur = def.Parent
	}
	return out
}
