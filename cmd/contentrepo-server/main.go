package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/systemshift/contentrepo/internal/app"
	"github.com/systemshift/contentrepo/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONTENTREPO_CONFIG"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := cfg.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{Subscriptions: true})
	if err != nil {
		log.Fatalf("Failed to start repository: %v", err)
	}
	defer a.Close(context.Background())

	if err := a.Serve(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}
