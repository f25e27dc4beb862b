// Package graph holds the node service: stores of typed nodes joined by
// named parent/child associations, with memory, SQLite and Neo4j backends.
package graph

import (
	"context"
	"errors"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

// Well known model names used by the node service itself
var (
	TypeBase      = core.NewQName(namespace.SystemURI, "base")
	TypeStoreRoot = core.NewQName(namespace.SystemURI, "store_root")
	TypeContainer = core.NewQName(namespace.SystemURI, "container")
	AspectRoot    = core.NewQName(namespace.SystemURI, "aspect_root")
	AssocChildren = core.NewQName(namespace.SystemURI, "children")
	PropNodeUUID  = core.NewQName(namespace.SystemURI, "node-uuid")
)

// AssocFilter restricts child associations by type and name.
// Zero fields match everything.
type AssocFilter struct {
	Type  core.QName
	QName core.QName
}

// Matches reports whether assoc passes the filter
func (f AssocFilter) Matches(assoc core.ChildAssocRef) bool {
	if !f.Type.IsZero() && f.Type != assoc.Type {
		return false
	}
	if !f.QName.IsZero() && f.QName != assoc.QName {
		return false
	}
	return true
}

// NodeService is the node graph API
type NodeService interface {
	// CreateStore creates a store and its root node
	CreateStore(ctx context.Context, protocol, identifier string) (core.StoreRef, error)
	Stores(ctx context.Context) ([]core.StoreRef, error)
	RootNode(ctx context.Context, store core.StoreRef) (core.NodeRef, error)

	// CreateNode creates a node as the primary child of parent. A
	// sys:node-uuid property, when present, fixes the new node's id.
	CreateNode(ctx context.Context, parent core.NodeRef, assocType, assocName, nodeType core.QName, props map[core.QName]any) (core.ChildAssocRef, error)
	// DeleteNode deletes the node and, recursively, its primary children
	DeleteNode(ctx context.Context, ref core.NodeRef) error
	Exists(ctx context.Context, ref core.NodeRef) (bool, error)
	Type(ctx context.Context, ref core.NodeRef) (core.QName, error)
	SetType(ctx context.Context, ref core.NodeRef, nodeType core.QName) error

	// MoveNode makes newParent the primary parent of ref under a new
	// association, keeping secondary associations
	MoveNode(ctx context.Context, ref, newParent core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error)
	// AddChild adds a secondary association from parent to child
	AddChild(ctx context.Context, parent, child core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error)
	// RemoveChildAssoc removes a secondary association. The child is never deleted.
	RemoveChildAssoc(ctx context.Context, assoc core.ChildAssocRef) error
	// ChildAssocs lists child associations in insertion order
	ChildAssocs(ctx context.Context, ref core.NodeRef, filter AssocFilter) ([]core.ChildAssocRef, error)
	// ParentAssocs lists parent associations, primary first
	ParentAssocs(ctx context.Context, ref core.NodeRef) ([]core.ChildAssocRef, error)
	// PrimaryParent returns the primary parent association; for a store
	// root it returns core.RootAssoc
	PrimaryParent(ctx context.Context, ref core.NodeRef) (core.ChildAssocRef, error)

	AddAspect(ctx context.Context, ref core.NodeRef, aspect core.QName, props map[core.QName]any) error
	RemoveAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) error
	Aspects(ctx context.Context, ref core.NodeRef) ([]core.QName, error)
	HasAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) (bool, error)

	Properties(ctx context.Context, ref core.NodeRef) (map[core.QName]any, error)
	// Property returns nil when the property is not set
	Property(ctx context.Context, ref core.NodeRef, name core.QName) (any, error)
	SetProperty(ctx context.Context, ref core.NodeRef, name core.QName, value any) error
	AddProperties(ctx context.Context, ref core.NodeRef, props map[core.QName]any) error
	RemoveProperty(ctx context.Context, ref core.NodeRef, name core.QName) error

	// Snapshot returns a point-in-time copy of the node
	Snapshot(ctx context.Context, ref core.NodeRef) (*core.Node, error)

	Close(ctx context.Context) error
}

// normalizeValue stores multi-valued properties as []any and plain ints as
// int64 so every backend hands back the same Go types
func normalizeValue(v any) any {
	switch vv := v.(type) {
	case []string:
		return core.Values(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = normalizeValue(e)
		}
		return out
	case int:
		return int64(vv)
	}
	return v
}

func normalizeProperties(props map[core.QName]any) map[core.QName]any {
	out := make(map[core.QName]any, len(props))
	for k, v := range props {
		out[k] = normalizeValue(v)
	}
	return out
}

// nodeIDFrom returns the id requested through sys:node-uuid, if any
func nodeIDFrom(props map[core.QName]any) string {
	if v, ok := props[PropNodeUUID]; ok {
		if s := core.ValueString(v); s != "" {
			return s
		}
	}
	return ""
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrNodeNotFound)
}
