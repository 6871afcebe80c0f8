// Package ring implements consistent hashing with virtual nodes.
package ring

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/bdleasure/impossibledb/internal/apperrors"
)

// DefaultVirtualNodes is the number of ring positions per physical node.
const DefaultVirtualNodes = 100

// Ring maps keys to nodes via consistent hashing. Each physical node
// occupies V positions on a 32-bit ring, placed by hashing "{nodeId}:{i}".
// A key belongs to the first position at or after its hash, wrapping to
// the lowest position.
type Ring struct {
	mu           sync.RWMutex
	virtualNodes int
	positions    []uint32          // sorted
	owners       map[uint32]string // position -> nodeID
	nodeVNodes   map[string][]uint32
}

// New creates an empty ring with the given virtual node count per
// physical node. Non-positive counts fall back to the default.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtualNodes: virtualNodes,
		owners:       make(map[uint32]string),
		nodeVNodes:   make(map[string][]uint32),
	}
}

// Hash computes the stable 32-bit hash used for ring placement: FNV-1a
// followed by a 32-bit avalanche finalizer, which spreads the short,
// similar "{nodeId}:{i}" inputs evenly over the ring. Identical inputs
// hash identically across restarts.
func Hash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	x := h.Sum32()
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	return x
}

// Add places a node on the ring. Adding a node that is already present
// is a no-op.
func (r *Ring) Add(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeVNodes[nodeID]; exists {
		return
	}

	claimed := make([]uint32, 0, r.virtualNodes)
	for i := 0; i < r.virtualNodes; i++ {
		pos := Hash(fmt.Sprintf("%s:%d", nodeID, i))
		if _, taken := r.owners[pos]; taken {
			// Position collision with another virtual node; the first
			// claimant keeps it.
			continue
		}
		r.owners[pos] = nodeID
		r.positions = append(r.positions, pos)
		claimed = append(claimed, pos)
	}
	r.nodeVNodes[nodeID] = claimed
	sort.Slice(r.positions, func(i, j int) bool { return r.positions[i] < r.positions[j] })
}

// Remove takes a node off the ring. Removing an absent node is a no-op.
func (r *Ring) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed, exists := r.nodeVNodes[nodeID]
	if !exists {
		return
	}

	removed := make(map[uint32]bool, len(claimed))
	for _, pos := range claimed {
		removed[pos] = true
		delete(r.owners, pos)
	}

	kept := make([]uint32, 0, len(r.positions)-len(claimed))
	for _, pos := range r.positions {
		if !removed[pos] {
			kept = append(kept, pos)
		}
	}
	r.positions = kept
	delete(r.nodeVNodes, nodeID)
}

// Get returns the node owning key. It fails with NO_SHARDS_AVAILABLE
// when the ring is empty.
func (r *Ring) Get(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 {
		return "", apperrors.New(apperrors.CodeNoShardsAvailable, "hash ring is empty")
	}
	return r.owners[r.positions[r.search(Hash(key))]], nil
}

// GetN returns up to count distinct nodes for key, walking the ring
// clockwise from the key's position. The first node is the primary.
func (r *Ring) GetN(key string, count int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 {
		return nil, apperrors.New(apperrors.CodeNoShardsAvailable, "hash ring is empty")
	}

	start := r.search(Hash(key))
	nodes := make([]string, 0, count)
	seen := make(map[string]bool, count)
	for i := 0; i < len(r.positions) && len(nodes) < count; i++ {
		owner := r.owners[r.positions[(start+i)%len(r.positions)]]
		if !seen[owner] {
			seen[owner] = true
			nodes = append(nodes, owner)
		}
	}
	return nodes, nil
}

// search returns the index of the first position >= hash, wrapping to 0.
// Callers must hold at least a read lock and ensure positions is non-empty.
func (r *Ring) search(hash uint32) int {
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] >= hash
	})
	if idx == len(r.positions) {
		return 0
	}
	return idx
}

// Nodes returns the physical nodes on the ring in sorted order.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodeVNodes))
	for nodeID := range r.nodeVNodes {
		out = append(out, nodeID)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether nodeID is on the ring.
func (r *Ring) Contains(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.nodeVNodes[nodeID]
	return ok
}

// Size returns the number of physical nodes.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodeVNodes)
}
