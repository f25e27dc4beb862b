package graph

import (
	"context"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

// MutationKind classifies a node mutation
type MutationKind int

const (
	NodeCreated MutationKind = iota
	NodeUpdated
	NodeDeleted
)

func (k MutationKind) String() string {
	switch k {
	case NodeCreated:
		return "created"
	case NodeUpdated:
		return "updated"
	case NodeDeleted:
		return "deleted"
	}
	return "unknown"
}

// Mutation describes one change to one node. Before is nil for created
// nodes and After is nil for deleted ones. Parent is the primary parent
// association at the time of the change; for updates Previous is the one
// before it.
type Mutation struct {
	Kind     MutationKind
	Node     core.NodeRef
	Before   *core.Node
	After    *core.Node
	Parent   core.ChildAssocRef
	Previous core.ChildAssocRef
}

// MutationListener receives node mutations. The context is the one the
// mutating call was made with.
type MutationListener interface {
	NodeMutated(ctx context.Context, m Mutation)
}

// MutationListenerFunc adapts a function to MutationListener
type MutationListenerFunc func(ctx context.Context, m Mutation)

// NodeMutated calls f
func (f MutationListenerFunc) NodeMutated(ctx context.Context, m Mutation) {
	f(ctx, m)
}

// Observed wraps a NodeService and reports every successful mutation to a
// listener. Reads pass straight through.
type Observed struct {
	NodeService
	listener MutationListener
}

// Observe wraps svc so that its mutations are reported to listener
func Observe(svc NodeService, listener MutationListener) *Observed {
	return &Observed{NodeService: svc, listener: listener}
}

func (o *Observed) emit(ctx context.Context, m Mutation) {
	if o.listener != nil {
		o.listener.NodeMutated(ctx, m)
	}
}

// update snapshots ref around fn and reports the change
func (o *Observed) update(ctx context.Context, ref core.NodeRef, fn func() error) error {
	before, err := o.NodeService.Snapshot(ctx, ref)
	if err != nil {
		return err
	}
	previous, err := o.NodeService.PrimaryParent(ctx, ref)
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	after, err := o.NodeService.Snapshot(ctx, ref)
	if err != nil {
		return err
	}
	parent, err := o.NodeService.PrimaryParent(ctx, ref)
	if err != nil {
		return err
	}
	o.emit(ctx, Mutation{Kind: NodeUpdated, Node: ref, Before: before, After: after, Parent: parent, Previous: previous})
	return nil
}

// CreateNode creates the node and reports it
func (o *Observed) CreateNode(ctx context.Context, parent core.NodeRef, assocType, assocName, nodeType core.QName, props map[core.QName]any) (core.ChildAssocRef, error) {
	assoc, err := o.NodeService.CreateNode(ctx, parent, assocType, assocName, nodeType, props)
	if err != nil {
		return assoc, err
	}
	after, err := o.NodeService.Snapshot(ctx, assoc.Child)
	if err != nil {
		return assoc, err
	}
	o.emit(ctx, Mutation{Kind: NodeCreated, Node: assoc.Child, After: after, Parent: assoc})
	return assoc, nil
}

// DeleteNode deletes the node and reports it and every primary descendant
func (o *Observed) DeleteNode(ctx context.Context, ref core.NodeRef) error {
	type doomed struct {
		node   *core.Node
		parent core.ChildAssocRef
	}
	var victims []doomed
	var collect func(ref core.NodeRef) error
	collect = func(ref core.NodeRef) error {
		snap, err := o.NodeService.Snapshot(ctx, ref)
		if err != nil {
			return err
		}
		parent, err := o.NodeService.PrimaryParent(ctx, ref)
		if err != nil {
			return err
		}
		victims = append(victims, doomed{node: snap, parent: parent})
		children, err := o.NodeService.ChildAssocs(ctx, ref, AssocFilter{})
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.Primary {
				if err := collect(c.Child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := collect(ref); err != nil {
		return err
	}
	if err := o.NodeService.DeleteNode(ctx, ref); err != nil {
		return err
	}
	for _, v := range victims {
		o.emit(ctx, Mutation{Kind: NodeDeleted, Node: v.node.Ref, Before: v.node, Parent: v.parent})
	}
	return nil
}

// SetType changes the type and reports it
func (o *Observed) SetType(ctx context.Context, ref core.NodeRef, nodeType core.QName) error {
	return o.update(ctx, ref, func() error { return o.NodeService.SetType(ctx, ref, nodeType) })
}

// AddChild adds the association and reports the child as updated
func (o *Observed) AddChild(ctx context.Context, parent, child core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error) {
	var assoc core.ChildAssocRef
	err := o.update(ctx, child, func() error {
		var err error
		assoc, err = o.NodeService.AddChild(ctx, parent, child, assocType, assocName)
		return err
	})
	return assoc, err
}

// MoveNode re-parents the node and reports it as updated
func (o *Observed) MoveNode(ctx context.Context, ref, newParent core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error) {
	var assoc core.ChildAssocRef
	err := o.update(ctx, ref, func() error {
		var err error
		assoc, err = o.NodeService.MoveNode(ctx, ref, newParent, assocType, assocName)
		return err
	})
	return assoc, err
}

// RemoveChildAssoc removes the association and reports the child as updated
func (o *Observed) RemoveChildAssoc(ctx context.Context, assoc core.ChildAssocRef) error {
	return o.update(ctx, assoc.Child, func() error { return o.NodeService.RemoveChildAssoc(ctx, assoc) })
}

// AddAspect applies the aspect and reports it
func (o *Observed) AddAspect(ctx context.Context, ref core.NodeRef, aspect core.QName, props map[core.QName]any) error {
	return o.update(ctx, ref, func() error { return o.NodeService.AddAspect(ctx, ref, aspect, props) })
}

// RemoveAspect removes the aspect and reports it
func (o *Observed) RemoveAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) error {
	return o.update(ctx, ref, func() error { return o.NodeService.RemoveAspect(ctx, ref, aspect) })
}

// SetProperty sets the property and reports it
func (o *Observed) SetProperty(ctx context.Context, ref core.NodeRef, name core.QName, value any) error {
	return o.update(ctx, ref, func() error { return o.NodeService.SetProperty(ctx, ref, name, value) })
}

// AddProperties merges properties and reports it
func (o *Observed) AddProperties(ctx context.Context, ref core.NodeRef, props map[core.QName]any) error {
	return o.update(ctx, ref, func() error { return o.NodeService.AddProperties(ctx, ref, props) })
}

// RemoveProperty removes the property and reports it
func (o *Observed) RemoveProperty(ctx context.Context, ref core.NodeRef, name core.QName) error {
	return o.update(ctx, ref, func() error { return o.NodeService.RemoveProperty(ctx, ref, name) })
}
