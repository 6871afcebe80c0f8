package ring

import (
	"fmt"
	"testing"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVirtualNodes sharpens the distribution for the statistical tests.
const testVirtualNodes = 1000

func TestGetEmptyRing(t *testing.T) {
	r := New(testVirtualNodes)

	_, err := r.Get("key-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNoShardsAvailable, apperrors.CodeOf(err))
}

func TestGetDeterministic(t *testing.T) {
	r := New(testVirtualNodes)
	r.Add("node-a")
	r.Add("node-b")
	r.Add("node-c")

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		first, err := r.Get(key)
		require.NoError(t, err)
		for j := 0; j < 5; j++ {
			again, err := r.Get(key)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	}
}

func TestAddIdempotent(t *testing.T) {
	r := New(testVirtualNodes)
	r.Add("node-a")
	r.Add("node-a")

	assert.Equal(t, 1, r.Size())
	assert.Equal(t, []string{"node-a"}, r.Nodes())
}

func TestRemoveIdempotent(t *testing.T) {
	r := New(testVirtualNodes)
	r.Add("node-a")
	r.Remove("node-b")
	r.Remove("node-a")
	r.Remove("node-a")

	assert.Equal(t, 0, r.Size())
}

func TestDistribution(t *testing.T) {
	r := New(testVirtualNodes)
	nodes := []string{"A", "B", "C"}
	for _, n := range nodes {
		r.Add(n)
	}

	const samples = 10000
	counts := make(map[string]int)
	for i := 0; i < samples; i++ {
		node, err := r.Get(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		counts[node]++
	}

	// Each node should hold its fair share within 10%.
	for _, n := range nodes {
		assert.GreaterOrEqual(t, counts[n], 3000, "node %s underloaded: %d", n, counts[n])
		assert.LessOrEqual(t, counts[n], 3667, "node %s overloaded: %d", n, counts[n])
	}
}

func TestMinimalRemapOnAdd(t *testing.T) {
	r := New(testVirtualNodes)
	for _, n := range []string{"A", "B", "C"} {
		r.Add(n)
	}

	const samples = 10000
	before := make(map[string]string, samples)
	for i := 0; i < samples; i++ {
		key := fmt.Sprintf("key-%d", i)
		node, err := r.Get(key)
		require.NoError(t, err)
		before[key] = node
	}

	r.Add("D")

	moved := 0
	for key, owner := range before {
		node, err := r.Get(key)
		require.NoError(t, err)
		if node != owner {
			// Keys may only move to the new node.
			assert.Equal(t, "D", node)
			moved++
		}
	}
	assert.LessOrEqual(t, moved, 3334, "too many keys remapped: %d", moved)
}

func TestRemoveRedistributesToSurvivors(t *testing.T) {
	r := New(testVirtualNodes)
	for _, n := range []string{"A", "B", "C"} {
		r.Add(n)
	}

	before := make(map[string]string)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		node, err := r.Get(key)
		require.NoError(t, err)
		before[key] = node
	}

	r.Remove("B")

	for key, owner := range before {
		node, err := r.Get(key)
		require.NoError(t, err)
		assert.NotEqual(t, "B", node)
		if owner != "B" {
			assert.Equal(t, owner, node, "key %s moved despite its owner surviving", key)
		}
	}
}

func TestGetN(t *testing.T) {
	r := New(testVirtualNodes)
	for _, n := range []string{"A", "B", "C"} {
		r.Add(n)
	}

	replicas, err := r.GetN("some-key", 2)
	require.NoError(t, err)
	require.Len(t, replicas, 2)
	assert.NotEqual(t, replicas[0], replicas[1])

	// Asking for more replicas than nodes returns every node once.
	all, err := r.GetN("some-key", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// The primary matches Get.
	primary, err := r.Get("some-key")
	require.NoError(t, err)
	assert.Equal(t, primary, replicas[0])
}

func TestHashStability(t *testing.T) {
	// Equal inputs hash equally and distinct keys hash apart.
	assert.Equal(t, Hash("users:u1"), Hash("users:u1"))
	assert.NotEqual(t, Hash("users:u1"), Hash("users:u2"))
}
