// Package namespace maps namespace prefixes to URIs and converts between
// the prefixed and fully qualified forms of names.
package namespace

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

// Well-known namespaces
const (
	DefaultURI    = ""
	SystemURI     = "http://www.alfresco.org/model/system/1.0"
	ContentURI    = "http://www.alfresco.org/model/content/1.0"
	DictionaryURI = "http://www.alfresco.org/model/dictionary/1.0"
	JCRURI        = "http://www.jcp.org/jcr/1.0"
)

var (
	// ErrUnknownPrefix is returned when a prefix has no registered URI
	ErrUnknownPrefix = errors.New("namespace prefix not registered")
	// ErrUnknownURI is returned when a URI has no registered prefix
	ErrUnknownURI = errors.New("namespace uri not registered")
)

// Resolver resolves prefixes to URIs and back
type Resolver interface {
	NamespaceURI(prefix string) (string, error)
	Prefixes(uri string) []string
	// Bindings returns every prefix to URI mapping visible to the resolver
	Bindings() map[string]string
}

// DynamicResolver is a mutable resolver. Lookups that miss fall through to
// the parent resolver when one is set.
type DynamicResolver struct {
	parent   Resolver
	mu       sync.RWMutex
	prefixes map[string]string
}

// NewDynamicResolver creates an empty resolver on top of parent (may be nil)
func NewDynamicResolver(parent Resolver) *DynamicResolver {
	return &DynamicResolver{
		parent:   parent,
		prefixes: make(map[string]string),
	}
}

// Register binds prefix to uri, replacing any previous binding
func (r *DynamicResolver) Register(prefix, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = uri
}

// Unregister removes a local prefix binding
func (r *DynamicResolver) Unregister(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prefixes, prefix)
}

// NamespaceURI returns the URI bound to prefix
func (r *DynamicResolver) NamespaceURI(prefix string) (string, error) {
	r.mu.RLock()
	uri, ok := r.prefixes[prefix]
	r.mu.RUnlock()
	if ok {
		return uri, nil
	}
	if r.parent != nil {
		return r.parent.NamespaceURI(prefix)
	}
	if prefix == "" {
		return DefaultURI, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPrefix, prefix)
}

// Prefixes returns the prefixes bound to uri, sorted
func (r *DynamicResolver) Prefixes(uri string) []string {
	seen := make(map[string]bool)
	var out []string

	r.mu.RLock()
	for p, u := range r.prefixes {
		if u == uri {
			seen[p] = true
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	if r.parent != nil {
		for _, p := range r.parent.Prefixes(uri) {
			if seen[p] {
				continue
			}
			// a local rebinding of the prefix hides the parent binding
			if local, err := r.localURI(p); err == nil && local != uri {
				continue
			}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Bindings returns all visible bindings, local ones taking precedence
func (r *DynamicResolver) Bindings() map[string]string {
	out := make(map[string]string)
	if r.parent != nil {
		for p, u := range r.parent.Bindings() {
			out[p] = u
		}
	}
	r.mu.RLock()
	for p, u := range r.prefixes {
		out[p] = u
	}
	r.mu.RUnlock()
	return out
}

func (r *DynamicResolver) localURI(prefix string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if uri, ok := r.prefixes[prefix]; ok {
		return uri, nil
	}
	return "", ErrUnknownPrefix
}

// ParseQName parses {uri}local, prefix:local or local
func ParseQName(s string, resolver Resolver) (core.QName, error) {
	if strings.HasPrefix(s, "{") {
		return core.ParseQName(s)
	}
	prefix, local, ok := strings.Cut(s, ":")
	if !ok {
		local = prefix
		prefix = ""
	}
	if local == "" {
		return core.QName{}, fmt.Errorf("%w: %q", core.ErrInvalidQName, s)
	}
	if resolver == nil {
		if prefix != "" {
			return core.QName{}, fmt.Errorf("%w: %s", ErrUnknownPrefix, prefix)
		}
		return core.QName{Local: local}, nil
	}
	uri, err := resolver.NamespaceURI(prefix)
	if err != nil {
		return core.QName{}, err
	}
	return core.QName{Namespace: uri, Local: local}, nil
}

// ShortName renders q as prefix:local using the first prefix bound to its
// namespace. Names in the default namespace render bare.
func ShortName(q core.QName, resolver Resolver) (string, error) {
	if q.Namespace == DefaultURI {
		return q.Local, nil
	}
	if resolver != nil {
		if prefixes := resolver.Prefixes(q.Namespace); len(prefixes) > 0 {
			if prefixes[0] == "" {
				return q.Local, nil
			}
			return prefixes[0] + ":" + q.Local, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownURI, q.Namespace)
}

// Standard returns a resolver with the built-in model prefixes registered
func Standard() *DynamicResolver {
	r := NewDynamicResolver(nil)
	r.Register("sys", SystemURI)
	r.Register("cm", ContentURI)
	r.Register("d", DictionaryURI)
	r.Register("jcr", JCRURI)
	return r
}
