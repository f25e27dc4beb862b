package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

// Repository persists subscriptions
type Repository interface {
	CreateSubscriptionNode(ctx context.Context, sub *Subscription) error
	UpdateSubscriptionNode(ctx context.Context, sub *Subscription) error
	DeleteSubscriptionNode(ctx context.Context, id string) error
	LoadSubscriptions(ctx context.Context) ([]*Subscription, error)
}

var (
	TypeSubscription   = core.NewQName(namespace.SystemURI, "subscription")
	PropName           = core.NewQName(namespace.SystemURI, "subscriptionName")
	PropDefinition     = core.NewQName(namespace.SystemURI, "subscriptionDefinition")
	SubscriptionsStore = core.StoreRef{Protocol: core.ProtocolSystem, Identifier: "subscriptions"}
)

// NodeRepository keeps each subscription as a sys:subscription node under
// the root of the subscriptions store. The node id is the subscription id.
type NodeRepository struct {
	nodes graph.NodeService
	root  core.NodeRef
}

// NewNodeRepository opens the subscriptions store, creating it if needed.
// nodes should not be the observed service, or subscription changes
// would themselves raise events.
func NewNodeRepository(ctx context.Context, nodes graph.NodeService) (*NodeRepository, error) {
	stores, err := nodes.Stores(ctx)
	if err != nil {
		return nil, err
	}
	store := SubscriptionsStore
	if !slices.Contains(stores, store) {
		if store, err = nodes.CreateStore(ctx, store.Protocol, store.Identifier); err != nil {
			return nil, fmt.Errorf("create subscriptions store: %w", err)
		}
	}
	root, err := nodes.RootNode(ctx, store)
	if err != nil {
		return nil, err
	}
	return &NodeRepository{nodes: nodes, root: root}, nil
}

func (r *NodeRepository) ref(id string) core.NodeRef {
	return core.NodeRef{Store: r.root.Store, ID: id}
}

// CreateSubscriptionNode stores a new subscription
func (r *NodeRepository) CreateSubscriptionNode(ctx context.Context, sub *Subscription) error {
	props, err := subscriptionToProperties(sub)
	if err != nil {
		return err
	}
	props[graph.PropNodeUUID] = sub.ID
	_, err = r.nodes.CreateNode(ctx, r.root, graph.AssocChildren, core.NewQName(namespace.SystemURI, sub.ID), TypeSubscription, props)
	return err
}

// UpdateSubscriptionNode rewrites the stored definition
func (r *NodeRepository) UpdateSubscriptionNode(ctx context.Context, sub *Subscription) error {
	props, err := subscriptionToProperties(sub)
	if err != nil {
		return err
	}
	return r.nodes.AddProperties(ctx, r.ref(sub.ID), props)
}

// DeleteSubscriptionNode removes the subscription node
func (r *NodeRepository) DeleteSubscriptionNode(ctx context.Context, id string) error {
	err := r.nodes.DeleteNode(ctx, r.ref(id))
	if errors.Is(err, core.ErrNodeNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// LoadSubscriptions reads every stored subscription
func (r *NodeRepository) LoadSubscriptions(ctx context.Context) ([]*Subscription, error) {
	assocs, err := r.nodes.ChildAssocs(ctx, r.root, graph.AssocFilter{Type: graph.AssocChildren})
	if err != nil {
		return nil, err
	}
	out := make([]*Subscription, 0, len(assocs))
	for _, a := range assocs {
		typ, err := r.nodes.Type(ctx, a.Child)
		if err != nil {
			return nil, err
		}
		if typ != TypeSubscription {
			continue
		}
		props, err := r.nodes.Properties(ctx, a.Child)
		if err != nil {
			return nil, err
		}
		sub, err := propertiesToSubscription(a.Child.ID, props)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// subscriptionToProperties converts a subscription to node properties
func subscriptionToProperties(sub *Subscription) (map[core.QName]any, error) {
	def, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode subscription %s: %w", sub.ID, err)
	}
	return map[core.QName]any{
		PropName:       sub.Name,
		PropDefinition: string(def),
	}, nil
}

// propertiesToSubscription converts stored properties back to a subscription
func propertiesToSubscription(id string, props map[core.QName]any) (*Subscription, error) {
	def, ok := props[PropDefinition].(string)
	if !ok {
		return nil, fmt.Errorf("subscription %s: missing definition", id)
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(def), &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	sub.ID = id
	return &sub, nil
}
