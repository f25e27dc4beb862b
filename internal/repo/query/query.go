// Package query holds canned query definitions and their typed parameters.
//
// Definitions move through three states. A Collection parsed from YAML is
// declared: names are still prefixed strings and parameters may be
// references. Registering collections with a Catalog resolves them: names
// become QNames and every reference is replaced by the definition it names,
// searched across all loaded collections. Binding a resolved definition to
// textual values for one execution yields BoundParameters holding native
// values.
package query

import (
	"errors"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

var (
	// ErrUnresolvedReference is returned when a parameter reference names
	// no loaded definition
	ErrUnresolvedReference = errors.New("unresolved parameter reference")
	// ErrMissingDefault is returned for a definition that declares a
	// default without giving one
	ErrMissingDefault = errors.New("parameter default missing")
	// ErrMissingValue is returned when binding a parameter that has neither
	// a value nor a default
	ErrMissingValue = errors.New("parameter value missing")
	// ErrInvalidDefinition is returned for malformed collections
	ErrInvalidDefinition = errors.New("invalid query definition")
	// ErrDuplicate is returned when two definitions share a name
	ErrDuplicate = errors.New("duplicate query definition")
	// ErrUnknownQuery is returned for canned queries that are not registered
	ErrUnknownQuery = errors.New("canned query not registered")
)

// Query languages
const (
	LanguageXPath = "xpath"
)

// ParameterDef is a resolved parameter definition
type ParameterDef struct {
	QName    core.QName
	DataType core.QName
	// Property is set when the data type was taken from a property definition
	Property   core.QName
	HasDefault bool
	Default    string
}

// ParameterRef defers to a definition registered under QName
type ParameterRef struct {
	QName core.QName
}

// CannedQueryDef is a resolved canned query
type CannedQueryDef struct {
	QName    core.QName
	Language string
	Query    string
	// Namespaces are the prefix bindings of the declaring collection
	Namespaces map[string]string
	Params     []*ParameterDef
}

// Parameter returns the definition of the named parameter
func (q *CannedQueryDef) Parameter(name core.QName) (*ParameterDef, bool) {
	for _, p := range q.Params {
		if p.QName == name {
			return p, true
		}
	}
	return nil, false
}

// BoundParameter is a parameter with its native value for one execution
type BoundParameter struct {
	Def   *ParameterDef
	Value any
}

// Variables returns bound values keyed by parameter name
func Variables(params []BoundParameter) map[core.QName]any {
	out := make(map[core.QName]any, len(params))
	for _, p := range params {
		out[p.Def.QName] = p.Value
	}
	return out
}
