package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

type recorder struct {
	mutations []Mutation
}

func (r *recorder) NodeMutated(ctx context.Context, m Mutation) {
	r.mutations = append(r.mutations, m)
}

func TestObservedReportsMutations(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	svc := Observe(NewMemory(), rec)
	root := newStore(t, svc)

	n, err := svc.CreateNode(ctx, root, AssocChildren, tq("n"), TypeContainer, nil)
	require.NoError(t, err)
	child, err := svc.CreateNode(ctx, n.Child, AssocChildren, tq("c"), TypeContainer, nil)
	require.NoError(t, err)
	require.NoError(t, svc.SetProperty(ctx, n.Child, tq("animal"), "monkey"))
	require.NoError(t, svc.DeleteNode(ctx, n.Child))

	kinds := make([]MutationKind, len(rec.mutations))
	for i, m := range rec.mutations {
		kinds[i] = m.Kind
	}
	assert.Equal(t, []MutationKind{NodeCreated, NodeCreated, NodeUpdated, NodeDeleted, NodeDeleted}, kinds)

	update := rec.mutations[2]
	assert.Nil(t, update.Before.Properties[tq("animal")])
	assert.Equal(t, "monkey", update.After.Properties[tq("animal")])
	assert.Equal(t, n, update.Parent)

	assert.Equal(t, n.Child, rec.mutations[3].Node)
	assert.Equal(t, child.Child, rec.mutations[4].Node)
	assert.Nil(t, rec.mutations[4].After)
	assert.Equal(t, child, rec.mutations[4].Parent)
}

func TestObservedSkipsFailedMutations(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	svc := Observe(NewMemory(), rec)
	root := newStore(t, svc)

	err := svc.SetProperty(ctx, core.NodeRef{Store: root.Store, ID: "ghost"}, tq("x"), 1)
	assert.ErrorIs(t, err, core.ErrNodeNotFound)
	assert.Empty(t, rec.mutations)
}

func TestObservedReportsMove(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	svc := Observe(NewMemory(), rec)
	root := newStore(t, svc)

	a, err := svc.CreateNode(ctx, root, AssocChildren, tq("a"), TypeContainer, nil)
	require.NoError(t, err)
	b, err := svc.CreateNode(ctx, root, AssocChildren, tq("b"), TypeContainer, nil)
	require.NoError(t, err)
	n, err := svc.CreateNode(ctx, a.Child, AssocChildren, tq("n"), TypeContainer, nil)
	require.NoError(t, err)
	rec.mutations = nil

	moved, err := svc.MoveNode(ctx, n.Child, b.Child, AssocChildren, tq("n"))
	require.NoError(t, err)

	require.Len(t, rec.mutations, 1)
	m := rec.mutations[0]
	assert.Equal(t, NodeUpdated, m.Kind)
	assert.Equal(t, n, m.Previous)
	assert.Equal(t, moved, m.Parent)

	_, err = svc.MoveNode(ctx, a.Child, n.Child, AssocChildren, tq("x"))
	require.NoError(t, err)
	_, err = svc.MoveNode(ctx, b.Child, n.Child, AssocChildren, tq("loop"))
	assert.ErrorIs(t, err, core.ErrCyclicChild)
	assert.Len(t, rec.mutations, 2)
}
