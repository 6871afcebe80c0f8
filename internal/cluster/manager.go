// Package cluster implements the shard manager: shard and node
// registries, heartbeats, placement, and rebalancing.
package cluster

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/storage"
	"github.com/bdleasure/impossibledb/internal/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	shardKeyPrefix = "shard:"
	nodeKeyPrefix  = "node:"
)

// ShardLookup resolves a (collection, documentId) pair to a shard id.
// The Router provides the production implementation.
type ShardLookup interface {
	RouteRequest(ctx context.Context, collection, id string) (string, error)
}

// Config tunes the shard manager.
type Config struct {
	// HeartbeatTimeout marks nodes offline when exceeded.
	HeartbeatTimeout time.Duration
	// LatencyThresholdMs and LoadFactorThreshold flag overloaded nodes
	// from their heartbeat metrics.
	LatencyThresholdMs  float64
	LoadFactorThreshold float64
}

// Manager tracks shards and nodes, persists both, and plans shard
// migrations when the cluster membership changes.
type Manager struct {
	cfg    Config
	kv     storage.KVStore
	lookup ShardLookup
	pool   *workerpool.Pool
	logger *zap.Logger

	mu      sync.RWMutex
	shards  map[string]*model.ShardInfo
	nodes   map[string]*model.NodeRecord
	nextSeq int64

	now func() time.Time
}

// NewManager creates a shard manager persisting to kv.
func NewManager(cfg Config, kv storage.KVStore, lookup ShardLookup, pool *workerpool.Pool, logger *zap.Logger) *Manager {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.LatencyThresholdMs <= 0 {
		cfg.LatencyThresholdMs = 100
	}
	if cfg.LoadFactorThreshold <= 0 {
		cfg.LoadFactorThreshold = 0.8
	}
	return &Manager{
		cfg:    cfg,
		kv:     kv,
		lookup: lookup,
		pool:   pool,
		logger: logger,
		shards: make(map[string]*model.ShardInfo),
		nodes:  make(map[string]*model.NodeRecord),
		now:    time.Now,
	}
}

// Load restores the registries from durable state.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	shardEntries, err := m.kv.List(ctx, shardKeyPrefix)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to scan shards", err)
	}
	for key, raw := range shardEntries {
		var shard model.ShardInfo
		if err := json.Unmarshal(raw, &shard); err != nil {
			m.logger.Error("Skipping corrupt shard record", zap.String("key", key), zap.Error(err))
			continue
		}
		m.shards[shard.ShardID] = &shard
	}

	nodeEntries, err := m.kv.List(ctx, nodeKeyPrefix)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to scan nodes", err)
	}
	for key, raw := range nodeEntries {
		var node model.NodeRecord
		if err := json.Unmarshal(raw, &node); err != nil {
			m.logger.Error("Skipping corrupt node record", zap.String("key", key), zap.Error(err))
			continue
		}
		m.nodes[node.NodeID] = &node
		if node.Seq >= m.nextSeq {
			m.nextSeq = node.Seq + 1
		}
	}

	m.logger.Info("Shard manager state loaded",
		zap.Int("shards", len(m.shards)),
		zap.Int("nodes", len(m.nodes)))
	return nil
}

func (m *Manager) persistShardLocked(ctx context.Context, shard *model.ShardInfo) error {
	raw, err := json.Marshal(shard)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to encode shard", err)
	}
	if err := m.kv.Put(ctx, shardKeyPrefix+shard.ShardID, raw); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to persist shard", err)
	}
	return nil
}

func (m *Manager) persistNodeLocked(ctx context.Context, node *model.NodeRecord) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to encode node", err)
	}
	if err := m.kv.Put(ctx, nodeKeyPrefix+node.NodeID, raw); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to persist node", err)
	}
	return nil
}

// ListShards returns every shard, ordered by id.
func (m *Manager) ListShards() []*model.ShardInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.ShardInfo, 0, len(m.shards))
	for _, s := range m.shards {
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}

// GetShard returns one shard.
func (m *Manager) GetShard(shardID string) (*model.ShardInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shard, ok := m.shards[shardID]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeShardNotFound, "shard %s not found", shardID)
	}
	copied := *shard
	return &copied, nil
}

// CreateShard registers a new shard. Without an explicit primary, the
// online node with the fewest shards wins; ties break by registration
// order.
func (m *Manager) CreateShard(ctx context.Context, primaryNodeID string, keyRange model.KeyRange) (*model.ShardInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if primaryNodeID == "" {
		chosen, err := m.leastLoadedNodeLocked()
		if err != nil {
			return nil, err
		}
		primaryNodeID = chosen
	} else if _, ok := m.nodes[primaryNodeID]; !ok {
		return nil, apperrors.Newf(apperrors.CodeNodeNotFound, "node %s not found", primaryNodeID)
	}

	now := m.now()
	shard := &model.ShardInfo{
		ShardID:       "shard-" + uuid.New().String(),
		PrimaryNodeID: primaryNodeID,
		KeyRange:      keyRange,
		Status:        model.ShardStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.persistShardLocked(ctx, shard); err != nil {
		return nil, err
	}
	m.shards[shard.ShardID] = shard

	m.logger.Info("Shard created",
		zap.String("shard_id", shard.ShardID),
		zap.String("primary_node_id", primaryNodeID))
	copied := *shard
	return &copied, nil
}

// leastLoadedNodeLocked picks the online node with the fewest shards,
// breaking ties by registration order.
func (m *Manager) leastLoadedNodeLocked() (string, error) {
	counts := m.shardCountsLocked()

	var best *model.NodeRecord
	for _, node := range m.nodes {
		if node.Status != model.ManagedNodeOnline {
			continue
		}
		if best == nil {
			best = node
			continue
		}
		cn, cb := counts[node.NodeID], counts[best.NodeID]
		if cn < cb || (cn == cb && node.Seq < best.Seq) {
			best = node
		}
	}
	if best == nil {
		return "", apperrors.New(apperrors.CodeNoShardsAvailable, "no online nodes")
	}
	return best.NodeID, nil
}

func (m *Manager) shardCountsLocked() map[string]int {
	counts := make(map[string]int, len(m.nodes))
	for _, shard := range m.shards {
		counts[shard.PrimaryNodeID]++
	}
	return counts
}

// UpdateShard applies a mutation to a shard under the manager lock.
func (m *Manager) UpdateShard(ctx context.Context, shardID string, mutate func(*model.ShardInfo)) (*model.ShardInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shard, ok := m.shards[shardID]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeShardNotFound, "shard %s not found", shardID)
	}
	mutate(shard)
	shard.UpdatedAt = m.now()
	if err := m.persistShardLocked(ctx, shard); err != nil {
		return nil, err
	}
	copied := *shard
	return &copied, nil
}

// ListNodes returns every node, ordered by registration.
func (m *Manager) ListNodes() []*model.NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.NodeRecord, 0, len(m.nodes))
	for _, n := range m.nodes {
		copied := *n
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// GetNode returns one node.
func (m *Manager) GetNode(nodeID string) (*model.NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNodeNotFound, "node %s not found", nodeID)
	}
	copied := *node
	return &copied, nil
}

// RegisterNode adds a node to the cluster and triggers a rebalance.
func (m *Manager) RegisterNode(ctx context.Context, url, region string, capacity int) (*model.NodeRecord, error) {
	if url == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "node url is required")
	}

	m.mu.Lock()
	node := &model.NodeRecord{
		NodeID:          "node-" + uuid.New().String(),
		URL:             strings.TrimSuffix(url, "/"),
		Region:          region,
		Capacity:        capacity,
		Status:          model.ManagedNodeOnline,
		Seq:             m.nextSeq,
		LastHeartbeatAt: m.now(),
		Metrics:         model.DefaultNodeMetrics(),
	}
	m.nextSeq++
	if err := m.persistNodeLocked(ctx, node); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nodes[node.NodeID] = node
	m.mu.Unlock()

	m.logger.Info("Node registered",
		zap.String("node_id", node.NodeID),
		zap.String("url", node.URL),
		zap.String("region", region))

	m.Rebalance(ctx)

	copied := *node
	return &copied, nil
}

// Heartbeat refreshes a node's liveness, status, and metrics.
func (m *Manager) Heartbeat(ctx context.Context, nodeID string, status model.ManagedNodeStatus, metrics *model.NodeMetrics) (*model.NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNodeNotFound, "node %s not found", nodeID)
	}
	node.LastHeartbeatAt = m.now()
	if status != "" {
		node.Status = status
	} else {
		node.Status = model.ManagedNodeOnline
	}
	if metrics != nil {
		node.Metrics = *metrics
		if metrics.LatencyMs > m.cfg.LatencyThresholdMs || metrics.LoadFactor > m.cfg.LoadFactorThreshold {
			m.logger.Warn("Node reporting over threshold",
				zap.String("node_id", nodeID),
				zap.Float64("latency_ms", metrics.LatencyMs),
				zap.Float64("load_factor", metrics.LoadFactor))
		}
	}
	if err := m.persistNodeLocked(ctx, node); err != nil {
		return nil, err
	}
	copied := *node
	return &copied, nil
}

// SweepHeartbeats marks nodes offline whose last heartbeat is older
// than the timeout, and rebalances when any node went dark.
func (m *Manager) SweepHeartbeats(ctx context.Context) {
	m.mu.Lock()
	var lost []string
	cutoff := m.now().Add(-m.cfg.HeartbeatTimeout)
	for _, node := range m.nodes {
		if node.Status == model.ManagedNodeOnline && node.LastHeartbeatAt.Before(cutoff) {
			node.Status = model.ManagedNodeOffline
			if err := m.persistNodeLocked(ctx, node); err != nil {
				m.logger.Error("Failed to persist offline node", zap.String("node_id", node.NodeID), zap.Error(err))
			}
			lost = append(lost, node.NodeID)
		}
	}
	m.mu.Unlock()

	if len(lost) > 0 {
		m.logger.Warn("Nodes missed heartbeat window", zap.Strings("node_ids", lost))
		m.Rebalance(ctx)
	}
}

// LookupShard resolves the shard owning (collection, documentId).
func (m *Manager) LookupShard(ctx context.Context, collection, documentID string) (string, error) {
	return m.lookup.RouteRequest(ctx, collection, documentID)
}
