package events

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

var (
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentrepo_events_emitted_total",
		Help: "Repository events emitted on group commit",
	}, []string{"type"})
	openGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contentrepo_event_groups_open",
		Help: "Event groups with uncommitted mutations",
	})
)

// maxHierarchyDepth bounds the primary-parent walk
const maxHierarchyDepth = 256

// nodeChanges accumulates the mutations of one node inside a group.
// previous is the primary parent before the group's first update.
type nodeChanges struct {
	created  bool
	deleted  bool
	before   *core.Node
	after    *core.Node
	parent   core.ChildAssocRef
	previous core.ChildAssocRef
}

type group struct {
	order []core.NodeRef
	nodes map[core.NodeRef]*nodeChanges
}

// Consolidator collects node mutations per event group and emits one
// event per touched node when the group commits. It implements
// graph.MutationListener.
type Consolidator struct {
	mu        sync.Mutex
	groups    map[string]*group
	publisher Publisher
	nodes     graph.NodeService
	resolver  namespace.Resolver
	source    string
	now       func() time.Time
	logger    *slog.Logger
}

// ConsolidatorOption configures a Consolidator
type ConsolidatorOption func(*Consolidator)

// WithPublisher sets where committed events are sent
func WithPublisher(p Publisher) ConsolidatorOption {
	return func(c *Consolidator) { c.publisher = p }
}

// WithNodeService lets the consolidator walk primary parents when it builds
// the primary hierarchy of a live node
func WithNodeService(nodes graph.NodeService) ConsolidatorOption {
	return func(c *Consolidator) { c.nodes = nodes }
}

// WithSource sets the CloudEvents source attribute
func WithSource(source string) ConsolidatorOption {
	return func(c *Consolidator) { c.source = source }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConsolidatorOption {
	return func(c *Consolidator) { c.logger = logger }
}

// NewConsolidator creates a consolidator. Names are rendered prefixed
// through resolver.
func NewConsolidator(resolver namespace.Resolver, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{
		groups:   make(map[string]*group),
		resolver: resolver,
		source:   DefaultSource,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeMutated records m under the event group of ctx. A mutation made
// outside any group is committed on its own straight away.
func (c *Consolidator) NodeMutated(ctx context.Context, m graph.Mutation) {
	id, ok := GroupFrom(ctx)
	if !ok {
		id = NewGroupID()
	}
	c.record(id, m)
	if !ok {
		if _, err := c.Commit(ctx, id); err != nil {
			c.logger.Warn("publish ungrouped event failed", "node", m.Node.String(), "error", err)
		}
	}
}

func (c *Consolidator) record(id string, m graph.Mutation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[id]
	if !ok {
		g = &group{nodes: make(map[core.NodeRef]*nodeChanges)}
		c.groups[id] = g
		openGroups.Inc()
	}
	ch, ok := g.nodes[m.Node]
	if !ok {
		ch = &nodeChanges{before: m.Before, previous: m.Previous}
		g.nodes[m.Node] = ch
		g.order = append(g.order, m.Node)
	}
	switch m.Kind {
	case graph.NodeCreated:
		ch.created = true
	case graph.NodeDeleted:
		ch.deleted = true
	}
	ch.after = m.After
	ch.parent = m.Parent
}

// Pending reports whether the group has uncommitted mutations
func (c *Consolidator) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[id]
	return ok
}

// Discard drops the group's mutations without emitting anything
func (c *Consolidator) Discard(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[id]; ok {
		delete(c.groups, id)
		openGroups.Dec()
	}
}

// Commit ends the group and publishes its events in first-touch order.
// The events are returned even when publishing fails.
func (c *Consolidator) Commit(ctx context.Context, id string) ([]RepoEvent, error) {
	c.mu.Lock()
	g, ok := c.groups[id]
	if ok {
		delete(c.groups, id)
		openGroups.Dec()
	}
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var out []RepoEvent
	for _, ref := range g.order {
		ev, ok := c.consolidate(ctx, id, ref, g.nodes[ref])
		if !ok {
			continue
		}
		out = append(out, ev)
		eventsEmitted.WithLabelValues(ev.Type).Inc()
	}
	if c.publisher == nil {
		return out, nil
	}
	var errs []error
	for _, ev := range out {
		if err := c.publisher.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (c *Consolidator) consolidate(ctx context.Context, id string, ref core.NodeRef, ch *nodeChanges) (RepoEvent, bool) {
	ev := RepoEvent{
		SpecVersion:     SpecVersion,
		ID:              uuid.New().String(),
		Source:          c.source,
		Subject:         ref.String(),
		Time:            c.now().UTC(),
		DataContentType: DataContentType,
		Data:            EventData{EventGroupID: id},
	}
	switch {
	case ch.created && ch.deleted:
		return ev, false
	case ch.created:
		ev.Type = TypeNodeCreated
		ev.Data.Resource = c.resource(ctx, ch.after, ch.parent, true)
	case ch.deleted:
		ev.Type = TypeNodeDeleted
		ev.Data.Resource = c.resource(ctx, ch.before, ch.parent, false)
	default:
		before := c.changed(ctx, ch)
		if before == nil {
			return ev, false
		}
		ev.Type = TypeNodeUpdated
		ev.Data.Resource = c.resource(ctx, ch.after, ch.parent, true)
		ev.Data.ResourceBefore = before
	}
	return ev, true
}

func (c *Consolidator) resource(ctx context.Context, n *core.Node, parent core.ChildAssocRef, live bool) NodeResource {
	if n == nil {
		return NodeResource{}
	}
	created, modified := n.Created, n.Modified
	return NodeResource{
		ID:               n.Ref.ID,
		Name:             nodeName(n),
		NodeType:         c.shortName(n.Type),
		PrimaryHierarchy: c.hierarchy(ctx, parent, live),
		Properties:       c.properties(n.Properties, nil),
		AspectNames:      c.shortNames(n.Aspects),
		CreatedAt:        &created,
		ModifiedAt:       &modified,
	}
}

// changed returns the fields of the node before the group that differ from
// after it, or nil when nothing but the modification time moved
func (c *Consolidator) changed(ctx context.Context, ch *nodeChanges) *NodeResource {
	before, after := ch.before, ch.after
	if before == nil || after == nil {
		return nil
	}
	var (
		res   NodeResource
		dirty bool
	)
	if before.Type != after.Type {
		res.NodeType = c.shortName(before.Type)
		dirty = true
	}
	if name := nodeName(before); name != nodeName(after) {
		res.Name = name
		dirty = true
	}
	var keys []core.QName
	for k, v := range before.Properties {
		if av, ok := after.Properties[k]; !ok || !reflect.DeepEqual(v, av) {
			keys = append(keys, k)
		}
	}
	for k := range after.Properties {
		if _, ok := before.Properties[k]; !ok {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		res.Properties = c.properties(before.Properties, keys)
		dirty = true
	}
	if ch.previous != (core.ChildAssocRef{}) && ch.previous.Parent != ch.parent.Parent {
		res.PrimaryHierarchy = c.hierarchy(ctx, ch.previous, true)
		dirty = true
	}
	if !sameSet(before.Aspects, after.Aspects) {
		res.AspectNames = c.shortNames(before.Aspects)
		if res.AspectNames == nil {
			res.AspectNames = []string{}
		}
		dirty = true
	}
	if !dirty {
		return nil
	}
	modified := before.Modified
	res.ModifiedAt = &modified
	return &res
}

// properties renders props with prefixed names. When keys is set only
// those names are rendered, absent ones as null.
func (c *Consolidator) properties(props map[core.QName]any, keys []core.QName) map[string]any {
	if keys == nil {
		if len(props) == 0 {
			return nil
		}
		out := make(map[string]any, len(props))
		for k, v := range props {
			out[c.shortName(k)] = v
		}
		return out
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[c.shortName(k)] = props[k]
	}
	return out
}

func (c *Consolidator) hierarchy(ctx context.Context, parent core.ChildAssocRef, live bool) []string {
	if parent.IsRoot() {
		return nil
	}
	out := []string{parent.Parent.ID}
	if !live || c.nodes == nil {
		return out
	}
	ref := parent.Parent
	for range maxHierarchyDepth {
		assoc, err := c.nodes.PrimaryParent(ctx, ref)
		if err != nil || assoc.IsRoot() {
			break
		}
		out = append(out, assoc.Parent.ID)
		ref = assoc.Parent
	}
	return out
}

func (c *Consolidator) shortName(q core.QName) string {
	if s, err := namespace.ShortName(q, c.resolver); err == nil {
		return s
	}
	return q.String()
}

func (c *Consolidator) shortNames(qs []core.QName) []string {
	if len(qs) == 0 {
		return nil
	}
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = c.shortName(q)
	}
	slices.Sort(out)
	return out
}

func nodeName(n *core.Node) string {
	if v, ok := n.Properties[core.NewQName(namespace.ContentURI, "name")]; ok {
		return core.ValueString(v)
	}
	return ""
}

func sameSet(a, b []core.QName) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[core.QName]int, len(a))
	for _, q := range a {
		seen[q]++
	}
	for _, q := range b {
		if seen[q] == 0 {
			return false
		}
		seen[q]--
	}
	return true
}
