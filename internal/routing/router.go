// Package routing composes the hash ring, the locality scorer, and the
// versioned routing table into request and query routing decisions.
package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/locality"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/bdleasure/impossibledb/internal/ring"
	"go.uber.org/zap"
)

// RouteOptions tune a single routing decision.
type RouteOptions struct {
	// ClientID enables locality-biased selection between replicas.
	ClientID string
	// ReplicaCount is how many ring candidates to weigh when biasing.
	ReplicaCount int
}

// Router maps (collection, id) pairs to shards. It owns all updates to
// the routing table, the hash ring, and the scorer; readers see atomic
// table snapshots.
type Router struct {
	mu     sync.Mutex // serializes updates
	table  atomicTable
	ring   *ring.Ring
	scorer *locality.Scorer
	logger *zap.Logger
}

// atomicTable is an RCU-style holder for the current routing table.
type atomicTable struct {
	mu    sync.RWMutex
	table *model.RoutingTable
}

func (a *atomicTable) load() *model.RoutingTable {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.table
}

func (a *atomicTable) store(t *model.RoutingTable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table = t
}

// NewRouter creates a router over the given ring and scorer.
func NewRouter(r *ring.Ring, scorer *locality.Scorer, logger *zap.Logger) *Router {
	router := &Router{ring: r, scorer: scorer, logger: logger}
	router.table.store(&model.RoutingTable{
		Version:     0,
		Nodes:       map[string]model.NodeInfo{},
		Collections: map[string][]model.ShardRange{},
	})
	return router
}

// Table returns the current routing table snapshot.
func (r *Router) Table() *model.RoutingTable {
	return r.table.load()
}

// UpdateRoutingTable adopts a new table if and only if its version is
// strictly newer. The swap is atomic; the ring and scorer are reconciled
// to the new node set.
func (r *Router) UpdateRoutingTable(table *model.RoutingTable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.table.load()
	if table.Version <= current.Version {
		r.logger.Debug("Rejected stale routing table",
			zap.Int("incoming_version", table.Version),
			zap.Int("current_version", current.Version))
		return false
	}

	r.table.store(table)

	// Reconcile the ring: active nodes join, departed nodes leave.
	onRing := make(map[string]bool)
	for _, nodeID := range r.ring.Nodes() {
		onRing[nodeID] = true
	}
	for nodeID, info := range table.Nodes {
		if info.Status == model.NodeStatusActive {
			if !onRing[nodeID] {
				r.ring.Add(nodeID)
			}
			r.scorer.RegisterNode(nodeID, info.Location)
			r.scorer.UpdateMetrics(nodeID, info.Metrics)
		}
		delete(onRing, nodeID)
	}
	for nodeID := range onRing {
		r.ring.Remove(nodeID)
		r.scorer.RemoveNode(nodeID)
	}

	r.logger.Info("Adopted routing table",
		zap.Int("version", table.Version),
		zap.Int("nodes", len(table.Nodes)),
		zap.Int("collections", len(table.Collections)))
	return true
}

// HashShardID derives the deterministic shard identifier for the node
// that owns a hashed key.
func HashShardID(nodeID string) string {
	return fmt.Sprintf("shard-%08x", ring.Hash(nodeID))
}

// RouteRequest resolves the shard owning (collection, id). Explicit
// shard ranges win; otherwise the key hashes onto the ring. When opts
// carry a client id and several replicas qualify, the scorer picks the
// closest.
func (r *Router) RouteRequest(ctx context.Context, collection, id string, opts RouteOptions) (string, error) {
	if err := model.ValidateCollectionName(collection); err != nil {
		return "", err
	}
	if err := model.ValidateDocumentID(id); err != nil {
		return "", err
	}

	table := r.table.load()
	if ranges, ok := table.Collections[collection]; ok && len(ranges) > 0 {
		if shardID, found, err := r.routeByRange(ctx, table, ranges, id, opts); found || err != nil {
			return shardID, err
		}
	}

	return r.routeByHash(ctx, collection, id, opts)
}

// routeByRange finds the range containing id. When replicas of the same
// shard live on several active nodes, the locality scorer arbitrates.
func (r *Router) routeByRange(ctx context.Context, table *model.RoutingTable, ranges []model.ShardRange, id string, opts RouteOptions) (string, bool, error) {
	var shardID string
	var candidates []string
	for _, sr := range ranges {
		if !sr.KeyRange.Contains(id) {
			continue
		}
		if shardID == "" {
			shardID = sr.ShardID
		}
		if sr.ShardID != shardID {
			continue
		}
		if info, ok := table.Nodes[sr.NodeID]; ok && info.Status == model.NodeStatusActive {
			candidates = append(candidates, sr.NodeID)
		}
	}
	if shardID == "" {
		return "", false, nil
	}
	if len(candidates) > 1 {
		nodeID, err := r.scorer.GetOptimalNode(ctx, opts.ClientID, candidates)
		if err != nil {
			return "", true, err
		}
		r.logger.Debug("Replica selected for shard",
			zap.String("shard_id", shardID),
			zap.String("node_id", nodeID),
			zap.String("client_id", opts.ClientID))
	}
	return shardID, true, nil
}

// routeByHash places "{collection}:{id}" on the ring and names the
// owning node's shard.
func (r *Router) routeByHash(ctx context.Context, collection, id string, opts RouteOptions) (string, error) {
	key := fmt.Sprintf("%s:%s", collection, id)

	if opts.ClientID != "" && opts.ReplicaCount > 1 {
		replicas, err := r.ring.GetN(key, opts.ReplicaCount)
		if err != nil {
			return "", err
		}
		nodeID, err := r.scorer.GetOptimalNode(ctx, opts.ClientID, replicas)
		if err != nil {
			return "", err
		}
		return HashShardID(nodeID), nil
	}

	nodeID, err := r.ring.Get(key)
	if err != nil {
		return "", err
	}
	return HashShardID(nodeID), nil
}

// ShardsForQuery returns the shard fan-out set for a query over the
// collection, pruned by id filters when explicit ranges allow it.
func (r *Router) ShardsForQuery(collection string, filters []query.Filter) ([]string, error) {
	if err := model.ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	table := r.table.load()
	ranges, known := table.Collections[collection]
	if known && len(ranges) > 0 {
		return shardsFromRanges(ranges, filters), nil
	}

	// Unknown collection: every active node's hash shard may hold data.
	active := table.ActiveNodeIDs()
	if len(active) == 0 {
		active = r.ring.Nodes()
	}
	if len(active) == 0 {
		return nil, apperrors.New(apperrors.CodeNoShardsAvailable, "no active nodes")
	}
	shards := make([]string, 0, len(active))
	for _, nodeID := range active {
		shards = append(shards, HashShardID(nodeID))
	}
	sort.Strings(shards)
	return dedupe(shards), nil
}

// shardsFromRanges prunes the collection's ranges by any id filter in
// the query, then returns the distinct shard ids.
func shardsFromRanges(ranges []model.ShardRange, filters []query.Filter) []string {
	idFilters := make([]query.Filter, 0, 1)
	for _, f := range filters {
		if f.Field != model.FieldID {
			continue
		}
		if _, ok := f.Value.(string); !ok {
			continue
		}
		switch f.Op {
		case query.OpEq, query.OpGte, query.OpGt, query.OpLte, query.OpLt:
			idFilters = append(idFilters, f)
		}
	}

	shards := make([]string, 0, len(ranges))
	for _, sr := range ranges {
		if rangeMatchesFilters(sr.KeyRange, idFilters) {
			shards = append(shards, sr.ShardID)
		}
	}
	sort.Strings(shards)
	return dedupe(shards)
}

// rangeMatchesFilters reports whether the range can contain any id
// satisfying every id filter.
func rangeMatchesFilters(kr model.KeyRange, idFilters []query.Filter) bool {
	for _, f := range idFilters {
		value := f.Value.(string)
		switch f.Op {
		case query.OpEq:
			if !kr.Contains(value) {
				return false
			}
		case query.OpGte:
			if kr.Hi < value {
				return false
			}
		case query.OpGt:
			if kr.Hi <= value {
				return false
			}
		case query.OpLte:
			if kr.Lo > value {
				return false
			}
		case query.OpLt:
			if kr.Lo >= value {
				return false
			}
		}
	}
	return true
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
