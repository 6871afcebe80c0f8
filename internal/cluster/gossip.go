package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip transport settings.
type GossipConfig struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
}

// nodeHealth is the payload gossiped between nodes.
type nodeHealth struct {
	NodeID    string            `json:"nodeId"`
	Metrics   model.NodeMetrics `json:"metrics"`
	Timestamp int64             `json:"timestamp"`
}

// Gossip propagates node liveness and metrics over memberlist and feeds
// incoming health reports into the shard manager as heartbeats.
type Gossip struct {
	manager    *Manager
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
	local      nodeHealth
}

// NewGossip creates and joins the gossip mesh.
func NewGossip(cfg GossipConfig, manager *Manager, nodeID string, logger *zap.Logger) (*Gossip, error) {
	g := &Gossip{
		manager: manager,
		nodeID:  nodeID,
		logger:  logger,
		local: nodeHealth{
			NodeID:    nodeID,
			Metrics:   model.DefaultNodeMetrics(),
			Timestamp: time.Now().Unix(),
		},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEvents{gossip: g}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some gossip seeds", zap.Error(err))
		}
	}

	return g, nil
}

// UpdateLocalMetrics refreshes the metrics this node gossips out.
func (g *Gossip) UpdateLocalMetrics(metrics model.NodeMetrics) {
	g.local.Metrics = metrics
	g.local.Timestamp = time.Now().Unix()
}

// NodeMeta implements memberlist.Delegate.
func (g *Gossip) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(g.local)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate: incoming health reports
// become heartbeats.
func (g *Gossip) NotifyMsg(data []byte) {
	var health nodeHealth
	if err := json.Unmarshal(data, &health); err != nil {
		g.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	metrics := health.Metrics
	if _, err := g.manager.Heartbeat(context.Background(), health.NodeID, model.ManagedNodeOnline, &metrics); err != nil {
		g.logger.Debug("Dropped gossip heartbeat for unregistered node",
			zap.String("node_id", health.NodeID))
	}
}

// GetBroadcasts implements memberlist.Delegate.
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (g *Gossip) LocalState(join bool) []byte {
	data, _ := json.Marshal(g.local)
	return data
}

// MergeRemoteState implements memberlist.Delegate.
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {}

// Leave broadcasts departure and shuts the transport down.
func (g *Gossip) Leave(timeout time.Duration) error {
	if err := g.memberlist.Leave(timeout); err != nil {
		return err
	}
	return g.memberlist.Shutdown()
}

// gossipEvents feeds membership changes into the manager.
type gossipEvents struct {
	gossip *Gossip
}

// NotifyJoin implements memberlist.EventDelegate.
func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.gossip.logger.Info("Gossip member joined", zap.String("member", node.Name))
}

// NotifyLeave implements memberlist.EventDelegate.
func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.gossip.logger.Warn("Gossip member left", zap.String("member", node.Name))
	e.gossip.manager.SweepHeartbeats(context.Background())
}

// NotifyUpdate implements memberlist.EventDelegate.
func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	var health nodeHealth
	if err := json.Unmarshal(node.Meta, &health); err != nil {
		return
	}
	metrics := health.Metrics
	_, _ = e.gossip.manager.Heartbeat(context.Background(), health.NodeID, model.ManagedNodeOnline, &metrics)
}
