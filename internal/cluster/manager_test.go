package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticLookup struct{}

func (staticLookup) RouteRequest(ctx context.Context, collection, id string) (string, error) {
	return "shard-" + collection, nil
}

func newTestManager(kv storage.KVStore) *Manager {
	// No worker pool: migrations execute inline, keeping tests
	// deterministic.
	return NewManager(Config{HeartbeatTimeout: time.Minute}, kv, staticLookup{}, nil, zap.NewNop())
}

func TestRegisterNodeAndGet(t *testing.T) {
	m := newTestManager(storage.NewMemoryStore())
	ctx := context.Background()

	node, err := m.RegisterNode(ctx, "http://node-1:8080/", "us-east", 10)
	require.NoError(t, err)
	assert.Equal(t, "http://node-1:8080", node.URL)
	assert.Equal(t, model.ManagedNodeOnline, node.Status)

	got, err := m.GetNode(node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, node.NodeID, got.NodeID)

	_, err = m.GetNode("node-ghost")
	assert.Equal(t, apperrors.CodeNodeNotFound, apperrors.CodeOf(err))
}

func TestCreateShardLeastLoadedPlacement(t *testing.T) {
	m := newTestManager(storage.NewMemoryStore())
	ctx := context.Background()

	n1, err := m.RegisterNode(ctx, "http://node-1:8080", "us-east", 10)
	require.NoError(t, err)
	n2, err := m.RegisterNode(ctx, "http://node-2:8080", "us-east", 10)
	require.NoError(t, err)

	// First shard: both nodes empty, tie breaks to the earlier
	// registration.
	s1, err := m.CreateShard(ctx, "", model.KeyRange{Lo: "a", Hi: "m"})
	require.NoError(t, err)
	assert.Equal(t, n1.NodeID, s1.PrimaryNodeID)

	// Second shard goes to the emptier node.
	s2, err := m.CreateShard(ctx, "", model.KeyRange{Lo: "n", Hi: "z"})
	require.NoError(t, err)
	assert.Equal(t, n2.NodeID, s2.PrimaryNodeID)
}

func TestCreateShardExplicitPrimary(t *testing.T) {
	m := newTestManager(storage.NewMemoryStore())
	ctx := context.Background()

	node, err := m.RegisterNode(ctx, "http://node-1:8080", "us-east", 10)
	require.NoError(t, err)

	shard, err := m.CreateShard(ctx, node.NodeID, model.KeyRange{})
	require.NoError(t, err)
	assert.Equal(t, node.NodeID, shard.PrimaryNodeID)

	_, err = m.CreateShard(ctx, "node-ghost", model.KeyRange{})
	assert.Equal(t, apperrors.CodeNodeNotFound, apperrors.CodeOf(err))
}

func TestCreateShardNoNodes(t *testing.T) {
	m := newTestManager(storage.NewMemoryStore())

	_, err := m.CreateShard(context.Background(), "", model.KeyRange{})
	assert.Equal(t, apperrors.CodeNoShardsAvailable, apperrors.CodeOf(err))
}

func TestHeartbeatUpdatesNode(t *testing.T) {
	m := newTestManager(storage.NewMemoryStore())
	ctx := context.Background()

	node, err := m.RegisterNode(ctx, "http://node-1:8080", "us-east", 10)
	require.NoError(t, err)

	metrics := model.NodeMetrics{LatencyMs: 12, LoadFactor: 0.2, Availability: 0.99}
	updated, err := m.Heartbeat(ctx, node.NodeID, model.ManagedNodeDraining, &metrics)
	require.NoError(t, err)
	assert.Equal(t, model.ManagedNodeDraining, updated.Status)
	assert.Equal(t, metrics, updated.Metrics)

	_, err = m.Heartbeat(ctx, "node-ghost", "", nil)
	assert.Equal(t, apperrors.CodeNodeNotFound, apperrors.CodeOf(err))
}

func TestSweepHeartbeatsMarksOffline(t *testing.T) {
	m := NewManager(Config{HeartbeatTimeout: 10 * time.Millisecond},
		storage.NewMemoryStore(), staticLookup{}, nil, zap.NewNop())
	ctx := context.Background()

	node, err := m.RegisterNode(ctx, "http://node-1:8080", "us-east", 10)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(time.Second) }
	m.SweepHeartbeats(ctx)

	got, err := m.GetNode(node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, model.ManagedNodeOffline, got.Status)
}

func TestRebalanceOnNodeRegister(t *testing.T) {
	m := newTestManager(storage.NewMemoryStore())
	ctx := context.Background()

	n1, err := m.RegisterNode(ctx, "http://node-1:8080", "us-east", 10)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := m.CreateShard(ctx, "", model.KeyRange{})
		require.NoError(t, err)
	}

	// A second node arrives: registration triggers rebalancing and two
	// shards move over.
	n2, err := m.RegisterNode(ctx, "http://node-2:8080", "us-east", 10)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, shard := range m.ListShards() {
		counts[shard.PrimaryNodeID]++
		assert.Equal(t, model.ShardStatusActive, shard.Status)
	}
	assert.Equal(t, 2, counts[n1.NodeID])
	assert.Equal(t, 2, counts[n2.NodeID])
}

func TestRebalanceMovesShardsOffOfflineNodes(t *testing.T) {
	m := newTestManager(storage.NewMemoryStore())
	ctx := context.Background()

	n1, err := m.RegisterNode(ctx, "http://node-1:8080", "us-east", 10)
	require.NoError(t, err)
	shard, err := m.CreateShard(ctx, "", model.KeyRange{})
	require.NoError(t, err)

	n2, err := m.RegisterNode(ctx, "http://node-2:8080", "us-east", 10)
	require.NoError(t, err)

	// n1 goes dark.
	_, err = m.Heartbeat(ctx, n1.NodeID, model.ManagedNodeOffline, nil)
	require.NoError(t, err)
	m.Rebalance(ctx)

	got, err := m.GetShard(shard.ShardID)
	require.NoError(t, err)
	assert.Equal(t, n2.NodeID, got.PrimaryNodeID)
}

func TestLoadRestoresState(t *testing.T) {
	kv := storage.NewMemoryStore()
	ctx := context.Background()

	m1 := newTestManager(kv)
	node, err := m1.RegisterNode(ctx, "http://node-1:8080", "us-east", 10)
	require.NoError(t, err)
	shard, err := m1.CreateShard(ctx, "", model.KeyRange{Lo: "a", Hi: "z"})
	require.NoError(t, err)

	m2 := newTestManager(kv)
	require.NoError(t, m2.Load(ctx))

	gotNode, err := m2.GetNode(node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, node.URL, gotNode.URL)

	gotShard, err := m2.GetShard(shard.ShardID)
	require.NoError(t, err)
	assert.Equal(t, shard.PrimaryNodeID, gotShard.PrimaryNodeID)

	// Registration sequence continues past restored nodes.
	n2, err := m2.RegisterNode(ctx, "http://node-2:8080", "us-east", 10)
	require.NoError(t, err)
	assert.Greater(t, n2.Seq, gotNode.Seq)
}

func TestLookupShard(t *testing.T) {
	m := newTestManager(storage.NewMemoryStore())

	shardID, err := m.LookupShard(context.Background(), "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "shard-users", shardID)
}
