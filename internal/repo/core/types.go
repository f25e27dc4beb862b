package core

import (
	"fmt"
	"strings"
	"time"
)

// Well-known store protocols
const (
	ProtocolWorkspace = "workspace"
	ProtocolArchive   = "archive"
	ProtocolSystem    = "system"
)

// StoreRef identifies a store of nodes
type StoreRef struct {
	Protocol   string `json:"protocol"`
	Identifier string `json:"identifier"`
}

// String returns protocol://identifier
func (s StoreRef) String() string {
	return s.Protocol + "://" + s.Identifier
}

// IsZero reports whether the store reference is unset
func (s StoreRef) IsZero() bool {
	return s.Protocol == "" && s.Identifier == ""
}

// ParseStoreRef parses protocol://identifier
func ParseStoreRef(s string) (StoreRef, error) {
	protocol, identifier, ok := strings.Cut(s, "://")
	if !ok || protocol == "" || identifier == "" {
		return StoreRef{}, fmt.Errorf("%w: %q", ErrInvalidStoreRef, s)
	}
	return StoreRef{Protocol: protocol, Identifier: identifier}, nil
}

// NodeRef is the opaque identifier of a node in a store
type NodeRef struct {
	Store StoreRef `json:"store"`
	ID    string   `json:"id"`
}

// String returns protocol://identifier/id
func (n NodeRef) String() string {
	if n.IsZero() {
		return ""
	}
	return n.Store.String() + "/" + n.ID
}

// IsZero reports whether the node reference is unset
func (n NodeRef) IsZero() bool {
	return n.Store.IsZero() && n.ID == ""
}

// MarshalText encodes the reference in its textual form
func (n NodeRef) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText decodes the textual form
func (n *NodeRef) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*n = NodeRef{}
		return nil
	}
	ref, err := ParseNodeRef(string(b))
	if err != nil {
		return err
	}
	*n = ref
	return nil
}

// ParseNodeRef parses protocol://identifier/id
func ParseNodeRef(s string) (NodeRef, error) {
	protocol, rest, ok := strings.Cut(s, "://")
	if !ok || protocol == "" {
		return NodeRef{}, fmt.Errorf("%w: %q", ErrInvalidNodeRef, s)
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return NodeRef{}, fmt.Errorf("%w: %q", ErrInvalidNodeRef, s)
	}
	return NodeRef{
		Store: StoreRef{Protocol: protocol, Identifier: rest[:i]},
		ID:    rest[i+1:],
	}, nil
}

// IsNodeRef reports whether s is a well formed node reference
func IsNodeRef(s string) bool {
	_, err := ParseNodeRef(s)
	return err == nil
}

// QName is a namespace qualified name
type QName struct {
	Namespace string `json:"namespace"`
	Local     string `json:"local"`
}

// NewQName creates a QName
func NewQName(namespace, local string) QName {
	return QName{Namespace: namespace, Local: local}
}

// String returns {namespace}local
func (q QName) String() string {
	if q.Namespace == "" {
		return q.Local
	}
	return "{" + q.Namespace + "}" + q.Local
}

// IsZero reports whether the name is unset
func (q QName) IsZero() bool {
	return q.Namespace == "" && q.Local == ""
}

// MarshalText encodes the name in {namespace}local form
func (q QName) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText decodes {namespace}local or a bare local name
func (q *QName) UnmarshalText(b []byte) error {
	parsed, err := ParseQName(string(b))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// ParseQName parses the {namespace}local form. A bare name has no namespace.
// Prefixed names need a resolver, see package namespace.
func ParseQName(s string) (QName, error) {
	if s == "" {
		return QName{}, fmt.Errorf("%w: empty name", ErrInvalidQName)
	}
	if s[0] != '{' {
		return QName{Local: s}, nil
	}
	end := strings.IndexByte(s, '}')
	if end < 0 || end == len(s)-1 {
		return QName{}, fmt.Errorf("%w: %q", ErrInvalidQName, s)
	}
	return QName{Namespace: s[1:end], Local: s[end+1:]}, nil
}

// ChildAssocRef is a directed, named edge from parent to child.
// The root of a store is addressed by an association with a zero parent.
type ChildAssocRef struct {
	Type    QName   `json:"type"`
	Parent  NodeRef `json:"parent"`
	QName   QName   `json:"qname"`
	Child   NodeRef `json:"child"`
	Primary bool    `json:"primary"`
	Index   int     `json:"index"`
}

// IsRoot reports whether the association addresses a store root
func (a ChildAssocRef) IsRoot() bool {
	return a.Parent.IsZero()
}

// RootAssoc returns the association used to address a store root
func RootAssoc(root NodeRef) ChildAssocRef {
	return ChildAssocRef{Child: root, Primary: true, Index: -1}
}

// ContentData describes a content property value
type ContentData struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding,omitempty"`
}

// String renders the content descriptor the way it is indexed
func (c ContentData) String() string {
	return fmt.Sprintf("contentUrl=%s|mimetype=%s|size=%d|encoding=%s", c.URL, c.MimeType, c.Size, c.Encoding)
}

// Node is a point-in-time view of a node
type Node struct {
	Ref        NodeRef       `json:"ref"`
	Type       QName         `json:"type"`
	Aspects    []QName       `json:"aspects"`
	Properties map[QName]any `json:"properties"`
	Created    time.Time     `json:"created"`
	Modified   time.Time     `json:"modified"`
}
