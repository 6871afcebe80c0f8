package locality

import (
	"context"
	"sync"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"go.uber.org/zap"
)

const (
	// metricsStaleAfter is how long reported metrics remain trusted.
	metricsStaleAfter = 5 * time.Minute
	// unknownPairLatencyMs is assumed between regions missing from the
	// latency matrix.
	unknownPairLatencyMs = 300
)

// Score weights. Lower scores are better.
const (
	latencyWeight      = 0.6
	loadWeight         = 30
	availabilityWeight = 100
)

// interRegionLatencyMs is a static round-trip latency matrix between
// regions. Same-region pairs are 0; pairs absent in both directions use
// the unknown-pair sentinel.
var interRegionLatencyMs = map[string]map[string]float64{
	"us-east": {"us-west": 70, "eu-west": 85, "eu-central": 95, "ap-south": 200, "ap-northeast": 170},
	"us-west": {"eu-west": 140, "eu-central": 150, "ap-south": 220, "ap-northeast": 110},
	"eu-west": {"eu-central": 25, "ap-south": 120, "ap-northeast": 210},
	"eu-central": {"ap-south": 110, "ap-northeast": 230},
	"ap-south": {"ap-northeast": 90},
}

// RegionDistance returns the static latency between two regions.
func RegionDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	if row, ok := interRegionLatencyMs[a]; ok {
		if ms, ok := row[b]; ok {
			return ms
		}
	}
	if row, ok := interRegionLatencyMs[b]; ok {
		if ms, ok := row[a]; ok {
			return ms
		}
	}
	return unknownPairLatencyMs
}

type nodeEntry struct {
	location  string
	metrics   model.NodeMetrics
	updatedAt time.Time
}

// Scorer tracks node locations and metrics and picks the optimal node
// from a candidate set for a given client.
type Scorer struct {
	mu      sync.RWMutex
	nodes   map[string]nodeEntry
	clients ClientRegistry
	logger  *zap.Logger
	now     func() time.Time
}

// NewScorer creates a scorer backed by the given client registry.
func NewScorer(clients ClientRegistry, logger *zap.Logger) *Scorer {
	return &Scorer{
		nodes:   make(map[string]nodeEntry),
		clients: clients,
		logger:  logger,
		now:     time.Now,
	}
}

// RegisterNode records (or refreshes) a node's location. Metrics start
// at defaults until the node reports.
func (s *Scorer) RegisterNode(nodeID, location string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.nodes[nodeID]
	if !exists {
		entry = nodeEntry{metrics: model.DefaultNodeMetrics()}
	}
	entry.location = location
	if !exists {
		entry.updatedAt = s.now()
	}
	s.nodes[nodeID] = entry
}

// UpdateMetrics records fresh metrics for a tracked node. Updates for
// unknown nodes are ignored.
func (s *Scorer) UpdateMetrics(nodeID string, metrics model.NodeMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.nodes[nodeID]
	if !exists {
		s.logger.Warn("Dropping metrics for unknown node", zap.String("node_id", nodeID))
		return
	}
	entry.metrics = metrics
	entry.updatedAt = s.now()
	s.nodes[nodeID] = entry
}

// RemoveNode forgets a node.
func (s *Scorer) RemoveNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes, nodeID)
}

// RegisterClient records a client's location for biased routing.
func (s *Scorer) RegisterClient(ctx context.Context, clientID, location string) error {
	return s.clients.Register(ctx, clientID, location)
}

// NodeLocation returns the tracked location of a node.
func (s *Scorer) NodeLocation(nodeID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.nodes[nodeID]
	return entry.location, ok
}

// score computes the weighted metric score, falling back to default
// metrics when the last report is stale.
func (s *Scorer) score(entry nodeEntry) float64 {
	metrics := entry.metrics
	if s.now().Sub(entry.updatedAt) > metricsStaleAfter {
		metrics = model.DefaultNodeMetrics()
	}
	return latencyWeight*metrics.LatencyMs +
		loadWeight*metrics.LoadFactor +
		availabilityWeight*(1-metrics.Availability)
}

// GetOptimalNode selects the best candidate for the client. With a known
// client location, same-location candidates win on the lowest score; if
// none shares the location, the nearest region wins, then the lowest
// score. Without a client location the lowest score wins. Untracked
// candidates are skipped; when none is tracked the first candidate wins.
func (s *Scorer) GetOptimalNode(ctx context.Context, clientID string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", apperrors.New(apperrors.CodeNoShardsAvailable, "no candidate nodes")
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		nodeID   string
		location string
		score    float64
	}
	tracked := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		entry, ok := s.nodes[id]
		if !ok {
			continue
		}
		tracked = append(tracked, scored{nodeID: id, location: entry.location, score: s.score(entry)})
	}
	if len(tracked) == 0 {
		return candidates[0], nil
	}

	clientLocation := ""
	if clientID != "" {
		clientLocation, _ = s.clients.Lookup(ctx, clientID)
	}

	if clientLocation != "" {
		best := ""
		bestScore := 0.0
		for _, c := range tracked {
			if c.location != clientLocation {
				continue
			}
			if best == "" || c.score < bestScore {
				best, bestScore = c.nodeID, c.score
			}
		}
		if best != "" {
			return best, nil
		}
		// No same-location candidate; prefer the closest region, then
		// the lowest score.
		best = tracked[0].nodeID
		bestDistance := RegionDistance(clientLocation, tracked[0].location)
		bestScore = tracked[0].score
		for _, c := range tracked[1:] {
			distance := RegionDistance(clientLocation, c.location)
			if distance < bestDistance || (distance == bestDistance && c.score < bestScore) {
				best, bestDistance, bestScore = c.nodeID, distance, c.score
			}
		}
		return best, nil
	}

	best := tracked[0]
	for _, c := range tracked[1:] {
		if c.score < best.score {
			best = c
		}
	}
	return best.nodeID, nil
}
