package importer

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

// Export builds a document from the store. Node ids are kept as uuid and
// used as aliases for the secondary links.
func (i *Importer) Export(ctx context.Context, store core.StoreRef) (*Document, error) {
	root, err := i.nodes.RootNode(ctx, store)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		Version:  Version,
		Protocol: store.Protocol,
		Store:    store.Identifier,
	}
	bindings := i.resolver.Bindings()
	for _, p := range slices.Sorted(maps.Keys(bindings)) {
		if p == "" {
			continue
		}
		doc.Namespaces = append(doc.Namespaces, NamespaceDecl{Prefix: p, URI: bindings[p]})
	}

	doc.Nodes, err = i.exportChildren(ctx, root, root, doc)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// WriteYAML exports the store to w
func (i *Importer) WriteYAML(ctx context.Context, store core.StoreRef, w io.Writer) error {
	doc, err := i.Export(ctx, store)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return enc.Close()
}

func (i *Importer) exportChildren(ctx context.Context, root, parent core.NodeRef, doc *Document) ([]NodeDecl, error) {
	assocs, err := i.nodes.ChildAssocs(ctx, parent, graph.AssocFilter{})
	if err != nil {
		return nil, err
	}
	var out []NodeDecl
	for _, a := range assocs {
		if !a.Primary {
			doc.Links = append(doc.Links, LinkDecl{
				Parent:    alias(root, a.Parent),
				Child:     a.Child.ID,
				Assoc:     i.shortName(a.QName),
				AssocType: i.assocType(a.Type),
			})
			continue
		}
		snap, err := i.nodes.Snapshot(ctx, a.Child)
		if err != nil {
			return nil, err
		}
		decl := NodeDecl{
			ID:         a.Child.ID,
			UUID:       a.Child.ID,
			Assoc:      i.shortName(a.QName),
			AssocType:  i.assocType(a.Type),
			Type:       i.shortName(snap.Type),
			Properties: i.exportProperties(snap.Properties),
		}
		for _, asp := range snap.Aspects {
			decl.Aspects = append(decl.Aspects, i.shortName(asp))
		}
		slices.Sort(decl.Aspects)
		if decl.Children, err = i.exportChildren(ctx, root, a.Child, doc); err != nil {
			return nil, err
		}
		out = append(out, decl)
	}
	return out, nil
}

func (i *Importer) exportProperties(props map[core.QName]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == graph.PropNodeUUID {
			continue
		}
		if core.IsMultiValued(v) {
			var list []string
			for _, item := range core.Values(v) {
				list = append(list, core.ValueString(item))
			}
			out[i.shortName(k)] = list
			continue
		}
		out[i.shortName(k)] = core.ValueString(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (i *Importer) assocType(t core.QName) string {
	if t == graph.AssocChildren {
		return ""
	}
	return i.shortName(t)
}

func (i *Importer) shortName(q core.QName) string {
	if s, err := namespace.ShortName(q, i.resolver); err == nil {
		return s
	}
	return q.String()
}

func alias(root, ref core.NodeRef) string {
	if ref == root {
		return RootAlias
	}
	return ref.ID
}
