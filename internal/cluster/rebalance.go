package cluster

import (
	"context"
	"fmt"
	"sort"

	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/workerpool"
	"go.uber.org/zap"
)

// Rebalance computes the ideal shard count per online node and plans
// migrations from overloaded nodes to underloaded ones. Each migration
// moves the shard through MIGRATING before flipping ownership.
func (m *Manager) Rebalance(ctx context.Context) []model.MigrationTask {
	tasks := m.planRebalance()
	for _, task := range tasks {
		task := task
		if m.pool == nil {
			m.executeMigration(ctx, task)
			continue
		}
		err := m.pool.Submit(workerpool.Task{
			ID: fmt.Sprintf("migrate-%s-%s", task.ShardID, task.ToNodeID),
			Run: func(taskCtx context.Context) error {
				return m.executeMigration(taskCtx, task)
			},
		})
		if err != nil {
			m.logger.Warn("Migration task rejected", zap.String("shard_id", task.ShardID), zap.Error(err))
		}
	}
	return tasks
}

// planRebalance picks (shard, from, to) moves until no online node holds
// more than the ideal count (active shards over online nodes, rounded up)
// or no node below the ideal is left to take a shard.
func (m *Manager) planRebalance() []model.MigrationTask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var online []*model.NodeRecord
	for _, node := range m.nodes {
		if node.Status == model.ManagedNodeOnline {
			online = append(online, node)
		}
	}
	if len(online) == 0 {
		return nil
	}
	sort.Slice(online, func(i, j int) bool { return online[i].Seq < online[j].Seq })

	counts := m.shardCountsLocked()
	movable := make(map[string][]string) // nodeID -> shardIDs
	total := 0
	for _, shard := range m.shards {
		if shard.Status != model.ShardStatusActive {
			continue
		}
		movable[shard.PrimaryNodeID] = append(movable[shard.PrimaryNodeID], shard.ShardID)
		total++
	}
	for _, ids := range movable {
		sort.Strings(ids)
	}

	ideal := total / len(online)
	if total%len(online) != 0 {
		ideal++
	}

	var tasks []model.MigrationTask
	for _, from := range online {
		for counts[from.NodeID] > ideal && len(movable[from.NodeID]) > 0 {
			to := m.pickUnderloadedLocked(online, counts, ideal, from.NodeID)
			if to == "" {
				break
			}
			ids := movable[from.NodeID]
			shardID := ids[len(ids)-1]
			movable[from.NodeID] = ids[:len(ids)-1]
			counts[from.NodeID]--
			counts[to]++
			tasks = append(tasks, model.MigrationTask{
				ShardID:    shardID,
				FromNodeID: from.NodeID,
				ToNodeID:   to,
			})
		}
	}

	// Shards stranded on offline nodes move regardless of balance.
	for nodeID, ids := range movable {
		if owner, ok := m.nodes[nodeID]; ok && owner.Status == model.ManagedNodeOnline {
			continue
		}
		for _, shardID := range ids {
			to := m.pickUnderloadedLocked(online, counts, total+1, "")
			if to == "" {
				break
			}
			counts[to]++
			tasks = append(tasks, model.MigrationTask{
				ShardID:    shardID,
				FromNodeID: nodeID,
				ToNodeID:   to,
			})
		}
	}

	if len(tasks) > 0 {
		m.logger.Info("Rebalance planned",
			zap.Int("migrations", len(tasks)),
			zap.Int("online_nodes", len(online)),
			zap.Int("ideal_per_node", ideal))
	}
	return tasks
}

// pickUnderloadedLocked returns the online node with the fewest shards
// under the ideal, excluding one node. Ties break by registration order.
func (m *Manager) pickUnderloadedLocked(online []*model.NodeRecord, counts map[string]int, ideal int, exclude string) string {
	best := ""
	bestCount := 0
	for _, node := range online {
		if node.NodeID == exclude || counts[node.NodeID] >= ideal {
			continue
		}
		if best == "" || counts[node.NodeID] < bestCount {
			best = node.NodeID
			bestCount = counts[node.NodeID]
		}
	}
	return best
}

// executeMigration flips a shard's ownership through the MIGRATING
// transient status.
func (m *Manager) executeMigration(ctx context.Context, task model.MigrationTask) error {
	if _, err := m.UpdateShard(ctx, task.ShardID, func(shard *model.ShardInfo) {
		shard.Status = model.ShardStatusMigrating
	}); err != nil {
		return err
	}

	if _, err := m.UpdateShard(ctx, task.ShardID, func(shard *model.ShardInfo) {
		shard.PrimaryNodeID = task.ToNodeID
		shard.Status = model.ShardStatusActive
	}); err != nil {
		return err
	}

	m.logger.Info("Shard migrated",
		zap.String("shard_id", task.ShardID),
		zap.String("from", task.FromNodeID),
		zap.String("to", task.ToNodeID))
	return nil
}
