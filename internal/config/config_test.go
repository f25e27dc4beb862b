package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.False(t, cfg.NATS.Enabled)
}

func TestDecode(t *testing.T) {
	cfg := Default()
	err := cfg.Decode(strings.NewReader(`
server:
  addr: ":9090"
  read_timeout: 3s
storage:
  backend: sqlite
  sqlite_path: /tmp/repo.db
nats:
  enabled: true
  url: nats://broker:4222
  subject: alfresco.events
sandbox:
  max_steps: 500
  max_duration: 2s
xpath:
  jcr: true
models: [a.yaml, b.yaml]
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "/tmp/repo.db", cfg.Storage.SQLitePath)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "alfresco.events", cfg.NATS.Subject)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.EqualValues(t, 500, cfg.Sandbox.MaxSteps)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.MaxDuration)
	assert.True(t, cfg.XPath.JCR)
	assert.Equal(t, 512, cfg.XPath.CacheSize)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Models)

	assert.NoError(t, Default().Decode(strings.NewReader("")))
	assert.ErrorIs(t, Default().Decode(strings.NewReader("colour: red")), ErrInvalid)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"PORT":                "7000",
		"CONTENTREPO_BACKEND": "neo4j",
		"NEO4J_URI":           "bolt://graph:7687",
		"NEO4J_USER":          "admin",
		"NATS_URL":            "nats://events:4222",
		"CONTENTREPO_TRACING": "true",
		"CONTENTREPO_MODELS":  "x.yaml, y.yaml,",
	})))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, BackendNeo4j, cfg.Storage.Backend)
	assert.Equal(t, "bolt://graph:7687", cfg.Neo4j.URI)
	assert.Equal(t, "admin", cfg.Neo4j.Username)
	assert.Equal(t, "password", cfg.Neo4j.Password)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://events:4222", cfg.NATS.URL)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, []string{"x.yaml", "y.yaml"}, cfg.Models)

	assert.ErrorIs(t, Default().ApplyEnv(env(map[string]string{"CONTENTREPO_TRACING": "maybe"})), ErrInvalid)
	assert.ErrorIs(t, Default().ApplyEnv(env(map[string]string{"CONTENTREPO_MAX_STEPS": "lots"})), ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"unknown backend":     func(c *Config) { c.Storage.Backend = "postgres" },
		"sqlite without path": func(c *Config) { c.Storage.Backend = BackendSQLite },
		"neo4j without uri":   func(c *Config) { c.Storage.Backend = BackendNeo4j; c.Neo4j.URI = "" },
		"empty addr":          func(c *Config) { c.Server.Addr = "" },
		"negative steps":      func(c *Config) { c.Sandbox.MaxSteps = -1 },
		"zero cache":          func(c *Config) { c.XPath.CacheSize = 0 },
		"bad log level":       func(c *Config) { c.LogLevel = "loud" },
		"bad nats url":        func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	t.Setenv("CONTENTREPO_ADDR", "127.0.0.1:8181")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:8181", cfg.Server.Addr)
	assert.True(t, cfg.Logger(os.Stderr).Enabled(t.Context(), -4))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
