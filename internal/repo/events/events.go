// Package events turns node mutations into repository events.
//
// Mutations made with a context carrying an event group are collected by a
// Consolidator until the group commits. Each node touched in the group then
// yields at most one event: Created, Deleted or Updated.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CloudEvents attributes
const (
	SpecVersion     = "1.0"
	DataContentType = "application/json"
	DefaultSource   = "/contentrepo"
)

// Event types
const (
	TypeNodeCreated = "org.alfresco.event.node.Created"
	TypeNodeUpdated = "org.alfresco.event.node.Updated"
	TypeNodeDeleted = "org.alfresco.event.node.Deleted"
)

// NodeResource describes a node. In resourceBefore only the fields that
// changed are set.
type NodeResource struct {
	ID               string         `json:"id,omitempty"`
	Name             string         `json:"name,omitempty"`
	NodeType         string         `json:"nodeType,omitempty"`
	PrimaryHierarchy []string       `json:"primaryHierarchy,omitempty"`
	Properties       map[string]any `json:"properties,omitempty"`
	AspectNames      []string       `json:"aspectNames,omitempty"`
	CreatedAt        *time.Time     `json:"createdAt,omitempty"`
	ModifiedAt       *time.Time     `json:"modifiedAt,omitempty"`
}

// EventData is the payload of a RepoEvent
type EventData struct {
	EventGroupID   string        `json:"eventGroupId"`
	Resource       NodeResource  `json:"resource"`
	ResourceBefore *NodeResource `json:"resourceBefore,omitempty"`
}

// RepoEvent is a CloudEvents 1.0 envelope around EventData. Subject is the
// node reference, protocol://identifier/id.
type RepoEvent struct {
	SpecVersion     string    `json:"specversion"`
	Type            string    `json:"type"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Subject         string    `json:"subject,omitempty"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype"`
	Data            EventData `json:"data"`
}

type groupKey struct{}

// WithGroup tags ctx with an event group
func WithGroup(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, groupKey{}, id)
}

// GroupFrom returns the event group carried by ctx
func GroupFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(groupKey{}).(string)
	return id, ok && id != ""
}

// NewGroupID returns a fresh event group ID
func NewGroupID() string {
	return uuid.New().String()
}
