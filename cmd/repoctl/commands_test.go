package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/repotest"
)

const zooDocument = `
store: SpacesStore
namespaces:
  - prefix: test
    uri: http://www.alfresco.org/test/1.0
nodes:
  - id: zoo
    assoc: test:zoo
    children:
      - assoc: test:monkey
        type: test:content
        properties:
          test:animal: monkey
          test:mvp: [a, b]
      - assoc: test:cat
        type: test:content
        properties:
          test:animal: cat
`

const zooQueries = `
name: zoo
namespaces:
  - prefix: test
    uri: http://www.alfresco.org/test/1.0
queries:
  - name: test:byAnimal
    query: //*[like(@test:animal, $test:animal)]
    parameters:
      - name: test:animal
        property: test:animal
        default: "%"
`

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	model := write("model.yaml", repotest.TestModel)
	queries := write("queries.yaml", zooQueries)
	write("zoo.yaml", zooDocument)
	return write("config.yaml", strings.Join([]string{
		"log_level: error",
		"storage:",
		"  backend: sqlite",
		"  sqlite_path: " + filepath.Join(dir, "repo.db"),
		"models: [" + model + "]",
		"queries: [" + queries + "]",
	}, "\n"))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	cfg := setup(t)
	zoo := filepath.Join(filepath.Dir(cfg), "zoo.yaml")

	out, err := run(t, "-c", cfg, "import", zoo)
	require.NoError(t, err)
	assert.Contains(t, out, "3 nodes")

	_, err = run(t, "-c", cfg, "import", zoo)
	assert.Error(t, err)

	out, err = run(t, "-c", cfg, "select", "--ns", "z=http://www.alfresco.org/test/1.0", "*/*[@z:animal = 'monkey']")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(out), 1)
	assert.True(t, strings.HasPrefix(out, "workspace://SpacesStore/"))

	out, err = run(t, "-c", cfg, "props", "--ns", "z=http://www.alfresco.org/test/1.0", "*/*/@z:mvp")
	require.NoError(t, err)
	assert.Equal(t, "\"a\"\n\"b\"\n", out)

	out, err = run(t, "-c", cfg, "canned", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "test:byAnimal")
	assert.Contains(t, out, "test:animal:d:text=%")

	out, err = run(t, "-c", cfg, "canned", "run", "test:byAnimal", "--param", "test:animal=c%")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(out), 1)

	out, err = run(t, "-c", cfg, "export", "workspace://SpacesStore")
	require.NoError(t, err)
	assert.Contains(t, out, "store: SpacesStore")
	assert.Contains(t, out, "test:monkey")

	_, err = run(t, "-c", cfg, "export", "nope")
	assert.Error(t, err)
}
