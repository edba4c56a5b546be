package ratelimit

import (
	"context"
	"testing"

	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry(DefaultConfig(), DefaultEndpointConfigs())

	assert.Equal(t, "ListNodes", r.For("ListNodes").Name())
	assert.Equal(t, "ListNodes", r.For("/cluster.v1.ClusterService/ListNodes").Name())
	assert.Equal(t, "default", r.For("/cluster.v1.ClusterService/GetNode").Name())
	assert.Same(t, r.Default(), r.For(""))

	assert.Equal(t, 5, r.For("PlanMigration").Config().BurstSize)
	assert.Len(t, r.Endpoints(), 7)
}

func TestRegistryAllow(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(DefaultConfig(), DefaultEndpointConfigs(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := r.Allow(ctx, "planner", "/cluster.v1.ClusterService/PlanMigration")
		require.NoError(t, err)
		assert.Equal(t, 4-i, d.Remaining)
	}

	_, err := r.Allow(ctx, "planner", "/cluster.v1.ClusterService/PlanMigration")
	e, ok := rpcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, rpcerr.KindRateLimit, e.Kind)
	assert.Equal(t, "planner", e.Context["client_id"])
	assert.Greater(t, e.Context["retry_after_ms"].(int64), int64(0))

	_, err = r.Allow(ctx, "planner", "ListNodes")
	assert.NoError(t, err, "endpoints have independent buckets")

	statuses := r.Status("planner")
	require.Len(t, statuses, 2)
	assert.Equal(t, "ListNodes", statuses[0].Endpoint)
	assert.Equal(t, "PlanMigration", statuses[1].Endpoint)
	assert.Equal(t, 0, statuses[1].Remaining)
	assert.Equal(t, PolicyStrict, statuses[1].Policy)

	r.Reset("planner")
	assert.Empty(t, r.Status("planner"))
}

func TestRegistrySetClientConfig(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(DefaultConfig(), DefaultEndpointConfigs(), WithClock(clock.Now))

	r.SetClientConfig("batch", "CreateSnapshot", strict(1, 1))
	_, err := r.Allow(context.Background(), "batch", "CreateSnapshot")
	require.NoError(t, err)
	_, err = r.Allow(context.Background(), "batch", "CreateSnapshot")
	assert.True(t, rpcerr.IsKind(err, rpcerr.KindRateLimit))

	_, err = r.Allow(context.Background(), "other", "CreateSnapshot")
	assert.NoError(t, err)

	assert.Len(t, r.AllStatus(), 2)
	r.ResetAll()
	assert.Empty(t, r.AllStatus())
}

func TestRegistryClientCounts(t *testing.T) {
	r := NewRegistry(DefaultConfig(), map[string]Config{"ListNodes": strict(50, 100)})
	r.TryAcquire("a", "ListNodes", 1)
	r.TryAcquire("b", "ListNodes", 1)
	r.TryAcquire("a", "GetNode", 1)

	assert.Equal(t, map[string]int{"default": 1, "ListNodes": 2}, r.ClientCounts())
}
