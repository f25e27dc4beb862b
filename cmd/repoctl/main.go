// Command repoctl imports, exports and queries a content repository
// directly through its configured store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/systemshift/contentrepo/internal/app"
	"github.com/systemshift/contentrepo/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "repoctl",
	Short:         "Manage a content repository",
	Long:          "repoctl opens the store named in the configuration (sqlite or neo4j for persistent data) and runs one operation against it.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONTENTREPO_CONFIG"), "path to the YAML configuration")
	rootCmd.AddCommand(importCmd, exportCmd, selectCmd, propsCmd, cannedCmd, serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// open assembles the repository for one command
func open(cmd *cobra.Command, opts app.Options) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, cfg.Logger(cmd.ErrOrStderr()), opts)
}
