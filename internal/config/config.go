// Package config loads the repository server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/contentrepo/internal/repo/events"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/sandbox"
)

// ErrInvalid reports a configuration that fails validation
var ErrInvalid = errors.New("invalid configuration")

// Storage backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNeo4j  = "neo4j"
)

// Config is the complete server configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Neo4j         graph.Neo4jConfig   `yaml:"neo4j"`
	NATS          NATSConfig          `yaml:"nats"`
	Search        SearchConfig        `yaml:"search"`
	Sandbox       sandbox.Limits      `yaml:"sandbox"`
	XPath         XPathConfig         `yaml:"xpath"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Tracing       TracingConfig       `yaml:"tracing"`
	// Models are dictionary model files loaded at startup
	Models []string `yaml:"models"`
	// Queries are canned query collection files
	Queries []string `yaml:"queries"`
	// Imports are graph documents loaded into an empty repository
	Imports  []string `yaml:"imports"`
	LogLevel string   `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the NodeService backend
type StorageConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=memory sqlite neo4j"`
	SQLitePath string `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
}

// NATSConfig enables event publishing to NATS
type NATSConfig struct {
	Enabled           bool `yaml:"enabled"`
	events.NATSConfig `yaml:",inline"`
}

// SearchConfig configures full-text matching
type SearchConfig struct {
	// FTS uses the SQLite FTS5 index when the backend is sqlite
	FTS bool `yaml:"fts"`
}

// XPathConfig configures the XPath searcher
type XPathConfig struct {
	JCR              bool `yaml:"jcr"`
	CacheSize        int  `yaml:"cache_size" validate:"gte=1"`
	PatternCacheSize int  `yaml:"pattern_cache_size" validate:"gte=1"`
}

// SubscriptionsConfig configures the subscription manager
type SubscriptionsConfig struct {
	Buffer          int           `yaml:"buffer" validate:"gte=1"`
	MatchTimeout    time.Duration `yaml:"match_timeout"`
	WebhookAttempts int           `yaml:"webhook_attempts" validate:"gte=1"`
	WebhookBackoff  time.Duration `yaml:"webhook_backoff"`
}

// TracingConfig configures OpenTelemetry spans
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	Pretty  bool `yaml:"pretty"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{Backend: BackendMemory},
		Neo4j: graph.Neo4jConfig{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
			Password: "password",
			Database: "neo4j",
		},
		NATS: NATSConfig{NATSConfig: events.NATSConfig{
			URL:           "nats://localhost:4222",
			Subject:       "repo.events",
			Name:          "contentrepo",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		}},
		Search:  SearchConfig{FTS: true},
		Sandbox: sandbox.Limits{MaxSteps: 1_000_000, MaxDuration: 30 * time.Second},
		XPath:   XPathConfig{CacheSize: 512, PatternCacheSize: 256},
		Subscriptions: SubscriptionsConfig{
			Buffer:          1000,
			MatchTimeout:    10 * time.Second,
			WebhookAttempts: 3,
			WebhookBackoff:  time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads the file at path, when set, over the defaults and applies
// environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges YAML from r into c
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment as read by getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	get := func(key, fallback string) string {
		if value := getenv(key); value != "" {
			return value
		}
		return fallback
	}

	c.Server.Addr = get("CONTENTREPO_ADDR", c.Server.Addr)
	if port := getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Storage.Backend = get("CONTENTREPO_BACKEND", c.Storage.Backend)
	c.Storage.SQLitePath = get("CONTENTREPO_SQLITE_PATH", c.Storage.SQLitePath)
	c.Neo4j.URI = get("NEO4J_URI", c.Neo4j.URI)
	c.Neo4j.Username = get("NEO4J_USER", c.Neo4j.Username)
	c.Neo4j.Password = get("NEO4J_PASSWORD", c.Neo4j.Password)
	c.Neo4j.Database = get("NEO4J_DATABASE", c.Neo4j.Database)
	c.LogLevel = get("CONTENTREPO_LOG_LEVEL", c.LogLevel)

	if url := getenv("NATS_URL"); url != "" {
		c.NATS.Enabled = true
		c.NATS.URL = url
	}
	c.NATS.Subject = get("NATS_SUBJECT", c.NATS.Subject)

	if v := getenv("CONTENTREPO_TRACING"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: CONTENTREPO_TRACING: %w", ErrInvalid, err)
		}
		c.Tracing.Enabled = on
	}
	if v := getenv("CONTENTREPO_MAX_STEPS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: CONTENTREPO_MAX_STEPS: %w", ErrInvalid, err)
		}
		c.Sandbox.MaxSteps = n
	}
	if v := getenv("CONTENTREPO_MODELS"); v != "" {
		c.Models = splitList(v)
	}
	if v := getenv("CONTENTREPO_QUERIES"); v != "" {
		c.Queries = splitList(v)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Storage.Backend == BackendNeo4j && c.Neo4j.URI == "" {
		return fmt.Errorf("%w: neo4j backend needs neo4j.uri", ErrInvalid)
	}
	return nil
}

// Logger returns a text logger at the configured level
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
