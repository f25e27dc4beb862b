package subscriptions

import (
	"errors"
	"time"

	"github.com/systemshift/contentrepo/internal/repo/events"
)

var (
	// ErrNotFound reports an unknown subscription id
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalid reports a subscription that fails validation
	ErrInvalid = errors.New("invalid subscription")
)

// SubscriptionPattern defines what events a subscription matches. Every
// non-empty criterion must hold.
type SubscriptionPattern struct {
	// EventTypes match the full type or its node.* suffix, e.g. node.Created
	EventTypes []string `json:"event_types,omitempty"`
	// NodeTypes match the node type or any of its subtypes
	NodeTypes []string `json:"node_types,omitempty"`
	// Aspects must all be applied to the node
	Aspects []string `json:"aspects,omitempty"`
	// PropertyMatch compares property values, strings case-insensitively
	PropertyMatch map[string]any `json:"property_match,omitempty"`

	// XPath is evaluated with the event's node as context and matches
	// when it selects at least one node. Deleted nodes never match it.
	XPath string `json:"xpath,omitempty"`
}

// Subscription represents a standing query that fires when patterns match
type Subscription struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Pattern SubscriptionPattern `json:"pattern"`

	Webhook   string `json:"webhook,omitempty"`
	WebSocket bool   `json:"websocket,omitempty"`

	Enabled   bool       `json:"enabled"`
	Created   time.Time  `json:"created"`
	Modified  time.Time  `json:"modified"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	FireCount int        `json:"fire_count"`
}

// Notification is sent when a subscription pattern matches
type Notification struct {
	SubscriptionID   string           `json:"subscription_id"`
	SubscriptionName string           `json:"subscription_name"`
	Event            events.RepoEvent `json:"event"`
	MatchedAt        time.Time        `json:"matched_at"`

	// Selected holds the node refs the XPath pattern selected
	Selected []string `json:"selected,omitempty"`
}

// CreateSubscriptionRequest is the API request to create a subscription
type CreateSubscriptionRequest struct {
	Name        string              `json:"name" validate:"required"`
	Description string              `json:"description,omitempty"`
	Pattern     SubscriptionPattern `json:"pattern"`
	Webhook     string              `json:"webhook,omitempty" validate:"omitempty,url"`
	WebSocket   bool                `json:"websocket,omitempty"`
}

// UpdateSubscriptionRequest is the API request to update a subscription
type UpdateSubscriptionRequest struct {
	Name        *string              `json:"name,omitempty" validate:"omitempty,min=1"`
	Description *string              `json:"description,omitempty"`
	Pattern     *SubscriptionPattern `json:"pattern,omitempty"`
	Webhook     *string              `json:"webhook,omitempty" validate:"omitempty,url"`
	WebSocket   *bool                `json:"websocket,omitempty"`
	Enabled     *bool                `json:"enabled,omitempty"`
}

// SubscriptionResponse is the API response for subscription operations
type SubscriptionResponse struct {
	Subscription *Subscription `json:"subscription,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ListSubscriptionsResponse is the API response for listing subscriptions
type ListSubscriptionsResponse struct {
	Subscriptions []*Subscription `json:"subscriptions"`
	Count         int             `json:"count"`
}
