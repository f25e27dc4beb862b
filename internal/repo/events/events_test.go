package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/graph"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

var (
	propName     = core.NewQName(namespace.ContentURI, "name")
	propTitle    = core.NewQName(namespace.ContentURI, "title")
	aspectTitled = core.NewQName(namespace.ContentURI, "titled")
)

type harness struct {
	nodes *graph.Observed
	cons  *Consolidator
	pub   *ChannelPublisher
	tx    *Transactor
	root  core.NodeRef
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	mem := graph.NewMemory()
	store, err := mem.CreateStore(ctx, core.ProtocolWorkspace, "SpacesStore")
	require.NoError(t, err)
	root, err := mem.RootNode(ctx, store)
	require.NoError(t, err)

	pub := NewChannelPublisher(64)
	cons := NewConsolidator(namespace.Standard(), WithPublisher(pub), WithNodeService(mem))
	return &harness{
		nodes: graph.Observe(mem, cons),
		cons:  cons,
		pub:   pub,
		tx:    NewTransactor(cons),
		root:  root,
	}
}

func (h *harness) create(t *testing.T, ctx context.Context, parent core.NodeRef, name string) core.NodeRef {
	t.Helper()
	assoc, err := h.nodes.CreateNode(ctx, parent, graph.AssocChildren, core.NewQName(namespace.ContentURI, name), graph.TypeContainer, map[core.QName]any{propName: name})
	require.NoError(t, err)
	return assoc.Child
}

func (h *harness) drain() []RepoEvent {
	var out []RepoEvent
	for {
		select {
		case ev := <-h.pub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCreatedConsolidatesUpdates(t *testing.T) {
	h := newHarness(t)
	var ref core.NodeRef
	err := h.tx.Do(context.Background(), func(ctx context.Context) error {
		ref = h.create(t, ctx, h.root, "a")
		return h.nodes.SetProperty(ctx, ref, propTitle, "Title")
	})
	require.NoError(t, err)

	evs := h.drain()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, TypeNodeCreated, ev.Type)
	assert.Equal(t, SpecVersion, ev.SpecVersion)
	assert.Equal(t, DefaultSource, ev.Source)
	assert.Equal(t, DataContentType, ev.DataContentType)
	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.Data.EventGroupID)
	assert.Equal(t, ref.ID, ev.Data.Resource.ID)
	assert.Equal(t, ref.String(), ev.Subject)
	assert.Equal(t, "a", ev.Data.Resource.Name)
	assert.Equal(t, "sys:container", ev.Data.Resource.NodeType)
	assert.Equal(t, "Title", ev.Data.Resource.Properties["cm:title"])
	assert.Equal(t, []string{h.root.ID}, ev.Data.Resource.PrimaryHierarchy)
	assert.Nil(t, ev.Data.ResourceBefore)
}

func TestUpdatedCarriesOnlyChangedFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	parent := h.create(t, ctx, h.root, "parent")
	ref := h.create(t, ctx, parent, "a")
	require.Len(t, h.drain(), 2)

	err := h.tx.Do(ctx, func(ctx context.Context) error {
		if err := h.nodes.SetProperty(ctx, ref, propName, "b"); err != nil {
			return err
		}
		if err := h.nodes.SetProperty(ctx, ref, propTitle, "T"); err != nil {
			return err
		}
		return h.nodes.AddAspect(ctx, ref, aspectTitled, nil)
	})
	require.NoError(t, err)

	evs := h.drain()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, TypeNodeUpdated, ev.Type)
	assert.Equal(t, "b", ev.Data.Resource.Name)
	assert.Contains(t, ev.Data.Resource.AspectNames, "cm:titled")
	assert.Equal(t, []string{parent.ID, h.root.ID}, ev.Data.Resource.PrimaryHierarchy)

	before := ev.Data.ResourceBefore
	require.NotNil(t, before)
	assert.Empty(t, before.ID)
	assert.Empty(t, before.NodeType)
	assert.Equal(t, "a", before.Name)
	assert.Equal(t, map[string]any{"cm:name": "a", "cm:title": nil}, before.Properties)
	assert.NotContains(t, before.AspectNames, "cm:titled")
	assert.NotNil(t, before.AspectNames)
	assert.NotNil(t, before.ModifiedAt)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "1.0", decoded["specversion"])
	assert.Contains(t, decoded["data"], "resourceBefore")
}

func TestNoEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ref := h.create(t, ctx, h.root, "a")
	h.drain()

	tests := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"unchanged value", func(ctx context.Context) error {
			return h.nodes.SetProperty(ctx, ref, propName, "a")
		}},
		{"reverted", func(ctx context.Context) error {
			if err := h.nodes.SetProperty(ctx, ref, propName, "x"); err != nil {
				return err
			}
			return h.nodes.SetProperty(ctx, ref, propName, "a")
		}},
		{"created and deleted", func(ctx context.Context) error {
			tmp := h.create(t, ctx, h.root, "tmp")
			return h.nodes.DeleteNode(ctx, tmp)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, h.tx.Do(ctx, tt.fn))
			assert.Empty(t, h.drain())
		})
	}
}

func TestDeletedAndOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, ctx, h.root, "a")
	b := h.create(t, ctx, a, "b")
	h.drain()

	var c core.NodeRef
	err := h.tx.Do(ctx, func(ctx context.Context) error {
		c = h.create(t, ctx, h.root, "c")
		return h.nodes.DeleteNode(ctx, a)
	})
	require.NoError(t, err)

	evs := h.drain()
	require.Len(t, evs, 3)
	assert.Equal(t, TypeNodeCreated, evs[0].Type)
	assert.Equal(t, c.ID, evs[0].Data.Resource.ID)

	deleted := map[string]bool{}
	for _, ev := range evs[1:] {
		assert.Equal(t, TypeNodeDeleted, ev.Type)
		deleted[ev.Data.Resource.ID] = true
		assert.Equal(t, evs[0].Data.EventGroupID, ev.Data.EventGroupID)
	}
	assert.Equal(t, map[string]bool{a.ID: true, b.ID: true}, deleted)
}

func TestMoveFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	folder1 := h.create(t, ctx, h.root, "folder1")
	folder2 := h.create(t, ctx, h.root, "folder2")
	file := h.create(t, ctx, folder1, "file")
	h.drain()

	_, err := h.nodes.MoveNode(ctx, file, folder2, graph.AssocChildren, core.NewQName(namespace.ContentURI, "file"))
	require.NoError(t, err)

	evs := h.drain()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, TypeNodeUpdated, ev.Type)
	assert.Equal(t, file.ID, ev.Data.Resource.ID)
	assert.Equal(t, []string{folder2.ID, h.root.ID}, ev.Data.Resource.PrimaryHierarchy)

	before := ev.Data.ResourceBefore
	require.NotNil(t, before)
	require.NotEmpty(t, before.PrimaryHierarchy)
	assert.Equal(t, folder1.ID, before.PrimaryHierarchy[0])
	assert.Empty(t, before.Name)
	assert.Nil(t, before.Properties)
	assert.Nil(t, before.AspectNames)
}

func TestMoveFolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	grandParent := h.create(t, ctx, h.root, "grandParent")
	parent := h.create(t, ctx, grandParent, "parent")
	folder := h.create(t, ctx, parent, "folder")
	child := h.create(t, ctx, folder, "child")
	target := h.create(t, ctx, h.root, "target")
	h.drain()

	err := h.tx.Do(ctx, func(ctx context.Context) error {
		_, err := h.nodes.MoveNode(ctx, folder, target, graph.AssocChildren, core.NewQName(namespace.ContentURI, "folder"))
		return err
	})
	require.NoError(t, err)

	// the moved subtree is reported through its top node only
	evs := h.drain()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, TypeNodeUpdated, ev.Type)
	assert.Equal(t, folder.ID, ev.Data.Resource.ID)
	assert.Equal(t, []string{target.ID, h.root.ID}, ev.Data.Resource.PrimaryHierarchy)
	require.NotNil(t, ev.Data.ResourceBefore)
	assert.Equal(t, []string{parent.ID, grandParent.ID, h.root.ID}, ev.Data.ResourceBefore.PrimaryHierarchy)

	assoc, err := h.nodes.PrimaryParent(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, folder, assoc.Parent)

	// moving back and forth inside one group is no change
	err = h.tx.Do(ctx, func(ctx context.Context) error {
		if _, err := h.nodes.MoveNode(ctx, folder, parent, graph.AssocChildren, core.NewQName(namespace.ContentURI, "folder")); err != nil {
			return err
		}
		_, err := h.nodes.MoveNode(ctx, folder, target, graph.AssocChildren, core.NewQName(namespace.ContentURI, "folder"))
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, h.drain())
}

func TestTransactor(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")

	err := h.tx.Do(context.Background(), func(ctx context.Context) error {
		id, ok := GroupFrom(ctx)
		require.True(t, ok)
		h.create(t, ctx, h.root, "a")
		assert.True(t, h.cons.Pending(id))

		// nested units join the group
		require.NoError(t, h.tx.Do(ctx, func(inner context.Context) error {
			innerID, _ := GroupFrom(inner)
			assert.Equal(t, id, innerID)
			return nil
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, h.drain())

	_, ok := GroupFrom(context.Background())
	assert.False(t, ok)
}

func TestUngroupedMutationCommitsImmediately(t *testing.T) {
	h := newHarness(t)
	h.create(t, context.Background(), h.root, "a")
	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, TypeNodeCreated, evs[0].Type)
}

func TestPublishers(t *testing.T) {
	ctx := context.Background()
	var got []string
	rec := PublisherFunc(func(_ context.Context, ev RepoEvent) error {
		got = append(got, ev.ID)
		return nil
	})
	fail := PublisherFunc(func(context.Context, RepoEvent) error { return errPublish })
	ch := NewChannelPublisher(1)

	multi := MultiPublisher{rec, ch, fail}
	err := multi.Publish(ctx, RepoEvent{ID: "1"})
	assert.ErrorIs(t, err, errPublish)
	assert.Equal(t, []string{"1"}, got)
	assert.Equal(t, "1", (<-ch.Events()).ID)

	require.NoError(t, multi.Close())
	assert.ErrorIs(t, ch.Publish(ctx, RepoEvent{}), ErrClosed)

	full := NewChannelPublisher(0)
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, full.Publish(cctx, RepoEvent{}), context.Canceled)

	np := NewNATSPublisherConn(nil, "repo.events", nil)
	assert.Equal(t, "repo.events.node.Updated", np.Subject(RepoEvent{Type: TypeNodeUpdated}))
}

var errPublish = errors.New("publish failed")

func TestCommitUnknownGroup(t *testing.T) {
	h := newHarness(t)
	evs, err := h.cons.Commit(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, evs)
}
