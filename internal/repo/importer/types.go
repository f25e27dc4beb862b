// Package importer loads node graphs described in YAML into a NodeService
// and writes them back out.
//
// A document lists a store, namespace bindings, a tree of nodes created as
// primary children and secondary links between nodes named by alias:
//
//	version: 1
//	store: SpacesStore
//	namespaces:
//	  - prefix: test
//	    uri: http://www.alfresco.org/test/1.0
//	nodes:
//	  - id: n1
//	    assoc: test:root_p_n1
//	    type: sys:container
//	    properties:
//	      test:animal: monkey
//	    children:
//	      - id: n3
//	        assoc: test:n1_p_n3
//	links:
//	  - parent: n1
//	    child: n3
//	    assoc: test:n1_n3
package importer

import "errors"

// Version is the current document format version
const Version = 1

var (
	// ErrInvalidDocument reports a document that fails validation
	ErrInvalidDocument = errors.New("invalid graph document")
	// ErrUnknownAlias reports a link naming a node the document never declared
	ErrUnknownAlias = errors.New("unknown node alias")
)

// Document is the top-level YAML document
type Document struct {
	Version    int             `yaml:"version" validate:"omitempty,eq=1"`
	Protocol   string          `yaml:"protocol,omitempty" validate:"omitempty,oneof=workspace archive system"`
	Store      string          `yaml:"store" validate:"required"`
	Namespaces []NamespaceDecl `yaml:"namespaces,omitempty" validate:"dive"`
	Nodes      []NodeDecl      `yaml:"nodes" validate:"dive"`
	Links      []LinkDecl      `yaml:"links,omitempty" validate:"dive"`
}

// NamespaceDecl binds a prefix for the names used in the document
type NamespaceDecl struct {
	Prefix string `yaml:"prefix" validate:"required"`
	URI    string `yaml:"uri" validate:"required"`
}

// NodeDecl declares a node and its primary children
type NodeDecl struct {
	// ID is a document-local alias used by links
	ID string `yaml:"id,omitempty"`
	// UUID fixes the node id in the store
	UUID       string         `yaml:"uuid,omitempty"`
	Assoc      string         `yaml:"assoc" validate:"required"`
	AssocType  string         `yaml:"assoc_type,omitempty"`
	Type       string         `yaml:"type,omitempty"`
	Aspects    []string       `yaml:"aspects,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
	Children   []NodeDecl     `yaml:"children,omitempty" validate:"dive"`
}

// LinkDecl declares a secondary child association
type LinkDecl struct {
	Parent    string `yaml:"parent" validate:"required"`
	Child     string `yaml:"child" validate:"required"`
	Assoc     string `yaml:"assoc" validate:"required"`
	AssocType string `yaml:"assoc_type,omitempty"`
}

// Options configures an import
type Options struct {
	// Merge reuses an existing store instead of failing
	Merge bool
}
