package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/kv"
	"github.com/galadd/cluman/internal/model"
	"github.com/galadd/cluman/internal/node"
)

func newTestRegistry(t *testing.T) (*Registry, *node.Registry, *eventbus.Bus) {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	nodes, err := node.New(context.Background(), store, bus)
	require.NoError(t, err)

	r, err := New(context.Background(), store, bus, nodes, zerolog.Nop())
	require.NoError(t, err)
	return r, nodes, bus
}

func TestRegistry_GetOrCreateClusterPublishesCreated(t *testing.T) {
	r, _, bus := newTestRegistry(t)
	sub := bus.Subscribe(4, eventbus.Block, "cluster-events")
	defer sub.Unsubscribe()

	cfg, err := r.GetOrCreateCluster(context.Background(), model.ClusterConfig{Name: "prod"})
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Name)

	ev := <-sub.C
	assert.Equal(t, ClusterCreated, ev.Payload.(ClusterEvent).Kind)

	again, err := r.GetOrCreateCluster(context.Background(), model.ClusterConfig{Name: "prod", Title: "ignored"})
	require.NoError(t, err)
	assert.Empty(t, again.Title)
}

func TestRegistry_SetNodeClusterForbidsAdditionAfterFirst(t *testing.T) {
	r, nodes, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.GetOrCreateCluster(ctx, model.ClusterConfig{
		Name:     "locked",
		Features: []model.ClusterFeature{model.FeatureForbidNodeAddition},
	})
	require.NoError(t, err)

	_, err = nodes.Register(ctx, "node-a", "tcp://10.0.0.1:2375")
	require.NoError(t, err)
	_, err = nodes.Register(ctx, "node-b", "tcp://10.0.0.2:2375")
	require.NoError(t, err)

	_, err = r.SetNodeCluster(ctx, "node-a", "locked")
	require.NoError(t, err)

	_, err = r.SetNodeCluster(ctx, "node-b", "locked")
	assert.Error(t, err)

	// clearing membership is always allowed, even on a locked cluster.
	_, err = r.SetNodeCluster(ctx, "node-a", "")
	require.NoError(t, err)
}

func TestRegistry_DeleteClusterInvalidatesService(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.GetOrCreateCluster(ctx, model.ClusterConfig{Name: "prod"})
	require.NoError(t, err)

	require.NoError(t, r.DeleteCluster(ctx, "prod"))
	_, ok := r.GetCluster("prod")
	assert.False(t, ok)

	_, err = r.GetService(ctx, "prod")
	assert.Error(t, err)
}
