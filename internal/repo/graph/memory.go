package graph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

type memNode struct {
	ref       core.NodeRef
	typ       core.QName
	aspects   []core.QName
	props     map[core.QName]any
	created   time.Time
	modified  time.Time
	children  []core.ChildAssocRef
	parents   []core.ChildAssocRef
	nextIndex int
}

func (n *memNode) snapshot() *core.Node {
	return &core.Node{
		Ref:        n.ref,
		Type:       n.typ,
		Aspects:    slices.Clone(n.aspects),
		Properties: core.CloneProperties(n.props),
		Created:    n.created,
		Modified:   n.modified,
	}
}

// MemoryStore is an in-process NodeService
type MemoryStore struct {
	mu     sync.RWMutex
	stores map[core.StoreRef]core.NodeRef
	order  []core.StoreRef
	nodes  map[core.NodeRef]*memNode
	logger *slog.Logger
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryLogger sets the store logger
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.logger = l }
}

// NewMemory creates an empty in-memory node service
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		stores: make(map[core.StoreRef]core.NodeRef),
		nodes:  make(map[core.NodeRef]*memNode),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) node(ref core.NodeRef) (*memNode, error) {
	n, ok := s.nodes[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNodeNotFound, ref)
	}
	return n, nil
}

// CreateStore creates a store with a root node
func (s *MemoryStore) CreateStore(ctx context.Context, protocol, identifier string) (core.StoreRef, error) {
	store := core.StoreRef{Protocol: protocol, Identifier: identifier}
	if protocol == "" || identifier == "" {
		return core.StoreRef{}, fmt.Errorf("%w: %q", core.ErrInvalidStoreRef, store)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[store]; ok {
		return core.StoreRef{}, fmt.Errorf("%w: %s", core.ErrStoreExists, store)
	}
	now := time.Now().UTC()
	root := &memNode{
		ref:      core.NodeRef{Store: store, ID: uuid.NewString()},
		typ:      TypeStoreRoot,
		aspects:  []core.QName{AspectRoot},
		props:    make(map[core.QName]any),
		created:  now,
		modified: now,
	}
	s.nodes[root.ref] = root
	s.stores[store] = root.ref
	s.order = append(s.order, store)
	s.logger.Debug("store created", "store", store.String(), "root", root.ref.ID)
	return store, nil
}

// Stores lists stores in creation order
func (s *MemoryStore) Stores(ctx context.Context) ([]core.StoreRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

// RootNode returns the root node of a store
func (s *MemoryStore) RootNode(ctx context.Context, store core.StoreRef) (core.NodeRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.stores[store]
	if !ok {
		return core.NodeRef{}, fmt.Errorf("%w: %s", core.ErrStoreNotFound, store)
	}
	return root, nil
}

// CreateNode creates a node under parent
func (s *MemoryStore) CreateNode(ctx context.Context, parent core.NodeRef, assocType, assocName, nodeType core.QName, props map[core.QName]any) (core.ChildAssocRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.node(parent)
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	id := nodeIDFrom(props)
	if id == "" {
		id = uuid.NewString()
	}
	ref := core.NodeRef{Store: parent.Store, ID: id}
	if _, exists := s.nodes[ref]; exists {
		return core.ChildAssocRef{}, fmt.Errorf("%w: node %s exists", core.ErrInvalidNodeRef, ref)
	}

	now := time.Now().UTC()
	n := &memNode{
		ref:      ref,
		typ:      nodeType,
		props:    normalizeProperties(props),
		created:  now,
		modified: now,
	}
	assoc := core.ChildAssocRef{
		Type:    assocType,
		Parent:  parent,
		QName:   assocName,
		Child:   ref,
		Primary: true,
		Index:   p.nextIndex,
	}
	p.nextIndex++
	p.children = append(p.children, assoc)
	n.parents = []core.ChildAssocRef{assoc}
	s.nodes[ref] = n
	return assoc, nil
}

// DeleteNode removes the node and its primary descendants
func (s *MemoryStore) DeleteNode(ctx context.Context, ref core.NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.node(ref)
	if err != nil {
		return err
	}
	if len(n.parents) == 0 {
		return fmt.Errorf("%w: %s", core.ErrStoreRoot, ref)
	}
	s.deleteLocked(n)
	return nil
}

func (s *MemoryStore) deleteLocked(n *memNode) {
	for _, c := range slices.Clone(n.children) {
		child, ok := s.nodes[c.Child]
		if !ok {
			continue
		}
		if c.Primary {
			s.deleteLocked(child)
			continue
		}
		child.parents = slices.DeleteFunc(child.parents, func(a core.ChildAssocRef) bool { return a == c })
	}
	for _, a := range n.parents {
		if p, ok := s.nodes[a.Parent]; ok {
			p.children = slices.DeleteFunc(p.children, func(c core.ChildAssocRef) bool { return c == a })
		}
	}
	delete(s.nodes, n.ref)
}

// Exists reports whether the node exists
func (s *MemoryStore) Exists(ctx context.Context, ref core.NodeRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[ref]
	return ok, nil
}

// Type returns the node type
func (s *MemoryStore) Type(ctx context.Context, ref core.NodeRef) (core.QName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return core.QName{}, err
	}
	return n.typ, nil
}

// SetType changes the node type
func (s *MemoryStore) SetType(ctx context.Context, ref core.NodeRef, nodeType core.QName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(ref)
	if err != nil {
		return err
	}
	n.typ = nodeType
	n.modified = time.Now().UTC()
	return nil
}

// AddChild adds a secondary child association
func (s *MemoryStore) AddChild(ctx context.Context, parent, child core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.node(parent)
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	c, err := s.node(child)
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	if s.isAncestorLocked(child, parent) {
		return core.ChildAssocRef{}, fmt.Errorf("%w: %s under %s", core.ErrCyclicChild, child, parent)
	}
	for _, a := range p.children {
		if a.Child == child && a.Type == assocType && a.QName == assocName {
			return core.ChildAssocRef{}, fmt.Errorf("%w: %s -> %s", core.ErrAssocExists, parent, child)
		}
	}
	assoc := core.ChildAssocRef{
		Type:   assocType,
		Parent: parent,
		QName:  assocName,
		Child:  child,
		Index:  p.nextIndex,
	}
	p.nextIndex++
	p.children = append(p.children, assoc)
	c.parents = append(c.parents, assoc)
	return assoc, nil
}

// MoveNode replaces the primary association of ref with one under
// newParent. Secondary associations are kept.
func (s *MemoryStore) MoveNode(ctx context.Context, ref, newParent core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.node(ref)
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	p, err := s.node(newParent)
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	if len(n.parents) == 0 {
		return core.ChildAssocRef{}, fmt.Errorf("%w: %s", core.ErrStoreRoot, ref)
	}
	if newParent.Store != ref.Store {
		return core.ChildAssocRef{}, fmt.Errorf("%w: cannot move %s into %s", core.ErrInvalidNodeRef, ref, newParent.Store)
	}
	if s.isAncestorLocked(ref, newParent) {
		return core.ChildAssocRef{}, fmt.Errorf("%w: %s under %s", core.ErrCyclicChild, ref, newParent)
	}
	old := n.parents[0]
	for _, a := range p.children {
		if a != old && a.Child == ref && a.Type == assocType && a.QName == assocName {
			return core.ChildAssocRef{}, fmt.Errorf("%w: %s -> %s", core.ErrAssocExists, newParent, ref)
		}
	}

	if op, ok := s.nodes[old.Parent]; ok {
		op.children = slices.DeleteFunc(op.children, func(c core.ChildAssocRef) bool { return c == old })
	}
	assoc := core.ChildAssocRef{
		Type:    assocType,
		Parent:  newParent,
		QName:   assocName,
		Child:   ref,
		Primary: true,
		Index:   p.nextIndex,
	}
	p.nextIndex++
	p.children = append(p.children, assoc)
	n.parents[0] = assoc
	n.modified = time.Now().UTC()
	return assoc, nil
}

// isAncestorLocked reports whether candidate is node or one of its ancestors
func (s *MemoryStore) isAncestorLocked(candidate, node core.NodeRef) bool {
	seen := make(map[core.NodeRef]bool)
	queue := []core.NodeRef{node}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == candidate {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if n, ok := s.nodes[cur]; ok {
			for _, a := range n.parents {
				queue = append(queue, a.Parent)
			}
		}
	}
	return false
}

// RemoveChildAssoc removes a secondary association
func (s *MemoryStore) RemoveChildAssoc(ctx context.Context, assoc core.ChildAssocRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.node(assoc.Parent)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(p.children, func(a core.ChildAssocRef) bool { return sameAssoc(a, assoc) })
	if idx < 0 {
		return fmt.Errorf("%w: %s -> %s", core.ErrAssocNotFound, assoc.Parent, assoc.Child)
	}
	found := p.children[idx]
	if found.Primary {
		return fmt.Errorf("%w: %s -> %s", core.ErrPrimaryAssoc, assoc.Parent, assoc.Child)
	}
	p.children = slices.Delete(p.children, idx, idx+1)
	if c, ok := s.nodes[assoc.Child]; ok {
		c.parents = slices.DeleteFunc(c.parents, func(a core.ChildAssocRef) bool { return a == found })
	}
	return nil
}

// sameAssoc compares the identifying fields of two associations
func sameAssoc(a, b core.ChildAssocRef) bool {
	return a.Parent == b.Parent && a.Child == b.Child && a.Type == b.Type && a.QName == b.QName
}

// ChildAssocs lists child associations in insertion order
func (s *MemoryStore) ChildAssocs(ctx context.Context, ref core.NodeRef, filter AssocFilter) ([]core.ChildAssocRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return nil, err
	}
	out := make([]core.ChildAssocRef, 0, len(n.children))
	for _, a := range n.children {
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ParentAssocs lists parent associations, primary first
func (s *MemoryStore) ParentAssocs(ctx context.Context, ref core.NodeRef) ([]core.ChildAssocRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return nil, err
	}
	return slices.Clone(n.parents), nil
}

// PrimaryParent returns the primary parent association
func (s *MemoryStore) PrimaryParent(ctx context.Context, ref core.NodeRef) (core.ChildAssocRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	if len(n.parents) == 0 {
		return core.RootAssoc(ref), nil
	}
	return n.parents[0], nil
}

// AddAspect applies an aspect and its properties
func (s *MemoryStore) AddAspect(ctx context.Context, ref core.NodeRef, aspect core.QName, props map[core.QName]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(ref)
	if err != nil {
		return err
	}
	if !slices.Contains(n.aspects, aspect) {
		n.aspects = append(n.aspects, aspect)
	}
	for k, v := range props {
		n.props[k] = normalizeValue(v)
	}
	n.modified = time.Now().UTC()
	return nil
}

// RemoveAspect removes an aspect
func (s *MemoryStore) RemoveAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(ref)
	if err != nil {
		return err
	}
	n.aspects = slices.DeleteFunc(n.aspects, func(a core.QName) bool { return a == aspect })
	n.modified = time.Now().UTC()
	return nil
}

// Aspects lists applied aspects in the order they were added
func (s *MemoryStore) Aspects(ctx context.Context, ref core.NodeRef) ([]core.QName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return nil, err
	}
	return slices.Clone(n.aspects), nil
}

// HasAspect reports whether the aspect is applied
func (s *MemoryStore) HasAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return false, err
	}
	return slices.Contains(n.aspects, aspect), nil
}

// Properties returns a copy of the node properties
func (s *MemoryStore) Properties(ctx context.Context, ref core.NodeRef) (map[core.QName]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return nil, err
	}
	return core.CloneProperties(n.props), nil
}

// Property returns a single property value
func (s *MemoryStore) Property(ctx context.Context, ref core.NodeRef, name core.QName) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return nil, err
	}
	v := n.props[name]
	if vs, ok := v.([]any); ok {
		return slices.Clone(vs), nil
	}
	return v, nil
}

// SetProperty sets a single property
func (s *MemoryStore) SetProperty(ctx context.Context, ref core.NodeRef, name core.QName, value any) error {
	return s.AddProperties(ctx, ref, map[core.QName]any{name: value})
}

// AddProperties merges props into the node properties
func (s *MemoryStore) AddProperties(ctx context.Context, ref core.NodeRef, props map[core.QName]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(ref)
	if err != nil {
		return err
	}
	for k, v := range props {
		n.props[k] = normalizeValue(v)
	}
	n.modified = time.Now().UTC()
	return nil
}

// RemoveProperty deletes a property
func (s *MemoryStore) RemoveProperty(ctx context.Context, ref core.NodeRef, name core.QName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(ref)
	if err != nil {
		return err
	}
	delete(n.props, name)
	n.modified = time.Now().UTC()
	return nil
}

// Snapshot returns a copy of the node
func (s *MemoryStore) Snapshot(ctx context.Context, ref core.NodeRef) (*core.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.node(ref)
	if err != nil {
		return nil, err
	}
	return n.snapshot(), nil
}
