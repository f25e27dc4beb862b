package graph

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

// TestNeo4jStore runs against a live server when NEO4J_TEST_URI is set
func TestNeo4jStore(t *testing.T) {
	uri := os.Getenv("NEO4J_TEST_URI")
	if uri == "" {
		t.Skip("NEO4J_TEST_URI not set")
	}
	ctx := context.Background()
	s, err := NewNeo4j(ctx, Neo4jConfig{
		URI:      uri,
		Username: os.Getenv("NEO4J_TEST_USER"),
		Password: os.Getenv("NEO4J_TEST_PASSWORD"),
	}, nil)
	require.NoError(t, err)
	defer s.Close(ctx)

	store, err := s.CreateStore(ctx, core.ProtocolWorkspace, uuid.NewString())
	require.NoError(t, err)
	root, err := s.RootNode(ctx, store)
	require.NoError(t, err)
	a, err := s.CreateNode(ctx, root, AssocChildren, tq("A"), TypeContainer, map[core.QName]any{tq("animal"): "monkey"})
	require.NoError(t, err)
	children, err := s.ChildAssocs(ctx, root, AssocFilter{})
	require.NoError(t, err)
	require.Contains(t, children, a)
	v, err := s.Property(ctx, a.Child, tq("animal"))
	require.NoError(t, err)
	require.Equal(t, "monkey", v)
	require.NoError(t, s.DeleteNode(ctx, a.Child))
}
