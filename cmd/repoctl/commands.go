package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systemshift/contentrepo/internal/app"
	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/dictionary"
	"github.com/systemshift/contentrepo/internal/repo/importer"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
	"github.com/systemshift/contentrepo/internal/repo/query"
	"github.com/systemshift/contentrepo/internal/repo/searcher"
)

var (
	mergeImport bool
	storeRef    string
	contextRef  string
	namespaces  map[string]string
	values      map[string]string
	followAll   bool
)

var importCmd = &cobra.Command{
	Use:   "import <file.yaml>...",
	Short: "Import graph documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		for _, path := range args {
			res, err := a.Importer.ImportFile(cmd.Context(), path, importer.Options{Merge: mergeImport})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s into %s: %d nodes, %d links\n", path, res.Store, res.Nodes, res.Links)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <protocol://store>",
	Short: "Export a store as a graph document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := core.ParseStoreRef(args[0])
		if err != nil {
			return err
		}
		a, err := open(cmd, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))
		return a.Importer.WriteYAML(cmd.Context(), store, cmd.OutOrStdout())
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <xpath>",
	Short: "Select nodes with an XPath expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		sel, err := selection(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		refs, err := a.Searcher.Select(cmd.Context(), sel)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			fmt.Fprintln(cmd.OutOrStdout(), ref)
		}
		return nil
	},
}

var propsCmd = &cobra.Command{
	Use:   "props <xpath>",
	Short: "Select property values with an XPath expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		sel, err := selection(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		vals, err := a.Searcher.SelectProperties(cmd.Context(), sel.Context, sel.XPath, sel.Params, sel.Resolver, sel.FollowAllParentLinks)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, v := range vals {
			if err := enc.Encode(v); err != nil {
				return err
			}
		}
		return nil
	},
}

var cannedCmd = &cobra.Command{
	Use:   "canned",
	Short: "List and run canned queries",
}

var cannedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered canned queries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))
		return printQueries(cmd.OutOrStdout(), a.Searcher.Catalog().Queries(), a.Dict.Resolver())
	},
}

var cannedRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a canned query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))

		resolver := a.Dict.Resolver()
		name, err := namespace.ParseQName(args[0], resolver)
		if err != nil {
			return err
		}
		ctxRef, err := resolveContext(cmd.Context(), a)
		if err != nil {
			return err
		}
		vals, err := parseValues(values, resolver)
		if err != nil {
			return err
		}
		refs, err := a.Searcher.ExecuteCanned(cmd.Context(), ctxRef, name, vals)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			fmt.Fprintln(cmd.OutOrStdout(), ref)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd, app.Options{Subscriptions: true})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(cmd.Context()))
		return a.Serve(cmd.Context())
	},
}

func init() {
	importCmd.Flags().BoolVar(&mergeImport, "merge", false, "import into an existing store")

	for _, cmd := range []*cobra.Command{selectCmd, propsCmd, cannedRunCmd} {
		cmd.Flags().StringVar(&storeRef, "store", core.ProtocolWorkspace+"://SpacesStore", "store whose root is the default context")
		cmd.Flags().StringVar(&contextRef, "context", "", "context node ref (default: store root)")
		cmd.Flags().StringToStringVar(&values, "param", nil, "parameter values as name=value")
	}
	for _, cmd := range []*cobra.Command{selectCmd, propsCmd} {
		cmd.Flags().StringToStringVar(&namespaces, "ns", nil, "namespace bindings as prefix=uri")
		cmd.Flags().BoolVar(&followAll, "follow-all", false, "follow secondary parent associations")
	}
	cannedCmd.AddCommand(cannedListCmd, cannedRunCmd)
}

func resolveContext(ctx context.Context, a *app.App) (core.NodeRef, error) {
	if contextRef != "" {
		return core.ParseNodeRef(contextRef)
	}
	store, err := core.ParseStoreRef(storeRef)
	if err != nil {
		return core.NodeRef{}, err
	}
	return a.Store.RootNode(ctx, store)
}

// selection builds an ad hoc selection; every --param becomes a d:text
// parameter
func selection(ctx context.Context, a *app.App, xpath string) (searcher.Selection, error) {
	ctxRef, err := resolveContext(ctx, a)
	if err != nil {
		return searcher.Selection{}, err
	}
	resolver := namespace.NewDynamicResolver(a.Dict.Resolver())
	for prefix, uri := range namespaces {
		resolver.Register(prefix, uri)
	}
	vals, err := parseValues(values, resolver)
	if err != nil {
		return searcher.Selection{}, err
	}
	params := make([]*query.ParameterDef, 0, len(vals))
	for name := range vals {
		params = append(params, &query.ParameterDef{QName: name, DataType: dictionary.TypeText})
	}
	return searcher.Selection{
		Context:              ctxRef,
		XPath:                xpath,
		Params:               params,
		Values:               vals,
		Resolver:             resolver,
		Namespaces:           namespaces,
		FollowAllParentLinks: followAll,
	}, nil
}

func parseValues(in map[string]string, resolver namespace.Resolver) (map[core.QName]string, error) {
	out := make(map[core.QName]string, len(in))
	for k, v := range in {
		name, err := namespace.ParseQName(k, resolver)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func printQueries(w io.Writer, defs []*query.CannedQueryDef, resolver namespace.Resolver) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARAMETERS\tQUERY")
	for _, q := range defs {
		params := make([]string, 0, len(q.Params))
		for _, p := range q.Params {
			s := shortName(p.QName, resolver) + ":" + shortName(p.DataType, resolver)
			if p.HasDefault {
				s += "=" + p.Default
			}
			params = append(params, s)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", shortName(q.QName, resolver), strings.Join(params, ","), q.Query)
	}
	return tw.Flush()
}

func shortName(q core.QName, resolver namespace.Resolver) string {
	if s, err := namespace.ShortName(q, resolver); err == nil {
		return s
	}
	return q.String()
}
