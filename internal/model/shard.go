package model

import "time"

// ShardStatus is the lifecycle status of a managed shard.
type ShardStatus string

const (
	// ShardStatusActive indicates the shard is serving traffic.
	ShardStatusActive ShardStatus = "active"
	// ShardStatusMigrating indicates the shard is moving between nodes.
	ShardStatusMigrating ShardStatus = "migrating"
	// ShardStatusInactive indicates the shard is not placed on any node.
	ShardStatusInactive ShardStatus = "inactive"
)

// ShardInfo is the shard manager's record of one shard.
type ShardInfo struct {
	ShardID       string      `json:"shardId"`
	PrimaryNodeID string      `json:"primaryNodeId"`
	KeyRange      KeyRange    `json:"keyRange"`
	Status        ShardStatus `json:"status"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// ManagedNodeStatus is the lifecycle status of a registered node.
type ManagedNodeStatus string

const (
	// ManagedNodeOnline indicates the node is heartbeating.
	ManagedNodeOnline ManagedNodeStatus = "online"
	// ManagedNodeOffline indicates the node missed its heartbeat window.
	ManagedNodeOffline ManagedNodeStatus = "offline"
	// ManagedNodeDraining indicates the node is being emptied for removal.
	ManagedNodeDraining ManagedNodeStatus = "draining"
)

// NodeRecord is the shard manager's record of one registered node.
// Seq preserves registration order for deterministic tie-breaking.
type NodeRecord struct {
	NodeID          string            `json:"nodeId"`
	URL             string            `json:"url"`
	Region          string            `json:"region"`
	Capacity        int               `json:"capacity"`
	Status          ManagedNodeStatus `json:"status"`
	Seq             int64             `json:"seq"`
	LastHeartbeatAt time.Time         `json:"lastHeartbeatAt"`
	Metrics         NodeMetrics       `json:"metrics"`
}

// MigrationTask describes one shard move planned by the rebalancer.
type MigrationTask struct {
	ShardID    string `json:"shardId"`
	FromNodeID string `json:"fromNodeId"`
	ToNodeID   string `json:"toNodeId"`
}
