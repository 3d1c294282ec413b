package container

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/kv"
	"github.com/galadd/cluman/internal/model"
)

func newTestRegistry(t *testing.T) (*Registry, *eventbus.Bus) {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "containers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	r, err := New(context.Background(), store, bus)
	require.NoError(t, err)
	return r, bus
}

func TestRegistry_GetOrCreatePublishesCreateOnce(t *testing.T) {
	r, bus := newTestRegistry(t)
	sub := bus.Subscribe(4, eventbus.Block, "container-events")
	defer sub.Unsubscribe()

	c := model.Container{ID: "c1", Name: "web"}
	got, err := r.GetOrCreate(context.Background(), c, "node-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.Node)

	ev := <-sub.C
	assert.Equal(t, EventCreate, ev.Payload.(ContainerEvent).Kind)

	again, err := r.GetOrCreate(context.Background(), model.Container{ID: "c1", Name: "renamed"}, "node-b")
	require.NoError(t, err)
	assert.Equal(t, "web", again.Name)
	assert.Equal(t, "node-a", again.Node)
}

func TestRegistry_FindMatchesIDPrefixOrName(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.GetOrCreate(context.Background(), model.Container{ID: "abcdef123456", Name: "web"}, "node-a")
	require.NoError(t, err)

	c, ok := r.Find("abcdef")
	require.True(t, ok)
	assert.Equal(t, "web", c.Name)

	c, ok = r.Find("web")
	require.True(t, ok)
	assert.Equal(t, "abcdef123456", c.ID)

	_, ok = r.Find("nope")
	assert.False(t, ok)
}

func TestRegistry_ListByNode(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, model.Container{ID: "c1"}, "node-a")
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, model.Container{ID: "c2"}, "node-b")
	require.NoError(t, err)

	assert.Len(t, r.ListByNode("node-a"), 1)
	assert.Len(t, r.ListByNode("node-b"), 1)
	assert.Empty(t, r.ListByNode("node-c"))
}

func TestRegistry_RemovePublishesDestroy(t *testing.T) {
	r, bus := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, model.Container{ID: "c1"}, "node-a")
	require.NoError(t, err)

	sub := bus.Subscribe(4, eventbus.Block, "container-events")
	defer sub.Unsubscribe()

	require.NoError(t, r.Remove(ctx, "c1"))
	_, ok := r.Get("c1")
	assert.False(t, ok)

	ev := <-sub.C
	assert.Equal(t, EventDestroy, ev.Payload.(ContainerEvent).Kind)

	// removing an already-absent id is a no-op.
	require.NoError(t, r.Remove(ctx, "c1"))
}

func TestRegistry_RemoveNodeBulkRemoves(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, model.Container{ID: "c1"}, "node-a")
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, model.Container{ID: "c2"}, "node-a")
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, model.Container{ID: "c3"}, "node-b")
	require.NoError(t, err)

	require.NoError(t, r.RemoveNode(ctx, "node-a"))
	assert.Empty(t, r.ListByNode("node-a"))
	assert.Len(t, r.ListByNode("node-b"), 1)
}

func TestRegistry_ApplyEventDieMarksExitedWithoutRemoving(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, model.Container{ID: "c1", Node: "node-a"}, "node-a")
	require.NoError(t, err)

	require.NoError(t, r.ApplyEvent(ctx, "die", model.Container{ID: "c1", Node: "node-a"}))
	c, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "exited", c.Status)
}

func TestRegistry_ApplyEventDestroyRemoves(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, model.Container{ID: "c1", Node: "node-a"}, "node-a")
	require.NoError(t, err)

	require.NoError(t, r.ApplyEvent(ctx, "destroy", model.Container{ID: "c1", Node: "node-a"}))
	_, ok := r.Get("c1")
	assert.False(t, ok)
}

func TestRegistry_ReconcileRemovesDriftedEntries(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, model.Container{ID: "stale"}, "node-a")
	require.NoError(t, err)

	live := []model.Container{{ID: "fresh"}}
	require.NoError(t, r.Reconcile(ctx, "node-a", live))

	_, ok := r.Get("stale")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}

func TestRegistry_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "containers.db")
	store, err := kv.Open(path)
	require.NoError(t, err)

	bus := eventbus.New()
	r, err := New(context.Background(), store, bus)
	require.NoError(t, err)
	_, err = r.GetOrCreate(context.Background(), model.Container{ID: "c1", Name: "web"}, "node-a")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	bus.Close()

	store2, err := kv.Open(path)
	require.NoError(t, err)
	defer store2.Close()
	bus2 := eventbus.New()
	defer bus2.Close()

	r2, err := New(context.Background(), store2, bus2)
	require.NoError(t, err)
	c, ok := r2.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "web", c.Name)
}
