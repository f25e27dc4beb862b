package dictionary

import (
	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

// Data type names
var (
	TypeAny        = dt("any")
	TypeText       = dt("text")
	TypeMLText     = dt("mltext")
	TypeContent    = dt("content")
	TypeInt        = dt("int")
	TypeLong       = dt("long")
	TypeFloat      = dt("float")
	TypeDouble     = dt("double")
	TypeDate       = dt("date")
	TypeDateTime   = dt("datetime")
	TypeBoolean    = dt("boolean")
	TypeQName      = dt("qname")
	TypeNodeRef    = dt("noderef")
	TypeCategory   = dt("category")
	TypeLocale     = dt("locale")
	TypePath       = dt("path")
	TypePeriod     = dt("period")
	TypeChildAssoc = dt("childassocref")
)

func dt(local string) core.QName {
	return core.QName{Namespace: namespace.DictionaryURI, Local: local}
}

// DataType describes a property data type
type DataType struct {
	Name core.QName
	// Kind is the Go kind values of this type convert to
	Kind string
}

func builtinDataTypes() map[core.QName]*DataType {
	kinds := map[core.QName]string{
		TypeAny:        "any",
		TypeText:       "string",
		TypeMLText:     "string",
		TypeContent:    "content",
		TypeInt:        "int32",
		TypeLong:       "int64",
		TypeFloat:      "float32",
		TypeDouble:     "float64",
		TypeDate:       "time",
		TypeDateTime:   "time",
		TypeBoolean:    "bool",
		TypeQName:      "qname",
		TypeNodeRef:    "noderef",
		TypeCategory:   "noderef",
		TypeLocale:     "string",
		TypePath:       "string",
		TypePeriod:     "string",
		TypeChildAssoc: "string",
	}
	out := make(map[core.QName]*DataType, len(kinds))
	for name, kind := range kinds {
		out[name] = &DataType{Name: name, Kind: kind}
	}
	return out
}
