package query

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Collection is a declared set of parameter definitions and canned queries
type Collection struct {
	Name       string            `yaml:"name" validate:"required"`
	Namespaces []NamespaceDecl   `yaml:"namespaces" validate:"dive"`
	Parameters []ParameterDecl   `yaml:"parameters" validate:"dive"`
	Queries    []CannedQueryDecl `yaml:"queries" validate:"dive"`
}

// NamespaceDecl binds a prefix within a collection
type NamespaceDecl struct {
	Prefix string `yaml:"prefix" validate:"required"`
	URI    string `yaml:"uri" validate:"required"`
}

// ParameterDecl is a parameter definition or, with Ref set, a reference
type ParameterDecl struct {
	Name string `yaml:"name" validate:"required_without=Ref,excluded_with=Ref"`
	Ref  string `yaml:"ref" validate:"omitempty,qname"`
	// Type is a data type such as d:int, or one of boolean, double, float,
	// int, long and string
	Type string `yaml:"type" validate:"excluded_with=Ref"`
	// Property takes the data type from a property definition
	Property   string  `yaml:"property" validate:"omitempty,qname"`
	HasDefault bool    `yaml:"has_default" validate:"excluded_with=Ref"`
	Default    *string `yaml:"default" validate:"excluded_with=Ref"`
}

// CannedQueryDecl is a declared canned query
type CannedQueryDecl struct {
	Name       string          `yaml:"name" validate:"required,qname"`
	Language   string          `yaml:"language" validate:"omitempty,oneof=xpath"`
	Query      string          `yaml:"query" validate:"required"`
	Parameters []ParameterDecl `yaml:"parameters" validate:"dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("qname", validateQName)
	return v
}

// validateQName accepts local, prefix:local and {uri}local
func validateQName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.HasPrefix(s, "{") {
		end := strings.IndexByte(s, '}')
		return end > 0 && end < len(s)-1
	}
	prefix, local, ok := strings.Cut(s, ":")
	if !ok {
		return prefix != ""
	}
	return prefix != "" && local != "" && !strings.Contains(local, ":")
}

// ParseCollection reads a declared collection
func ParseCollection(r io.Reader) (*Collection, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Collection
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, c.Name, err)
	}
	return &c, nil
}

// ParseCollectionBytes reads a declared collection from data
func ParseCollectionBytes(data []byte) (*Collection, error) {
	return ParseCollection(bytes.NewReader(data))
}

// ParseCollectionFile reads a declared collection from disk
func ParseCollectionFile(path string) (*Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open query collection: %w", err)
	}
	defer f.Close()
	return ParseCollection(f)
}
