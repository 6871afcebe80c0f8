package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// kvStores builds every backend under test.
func kvStores(t *testing.T) map[string]KVStore {
	t.Helper()
	badgerStore, err := NewBadgerStore(BadgerConfig{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]KVStore{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, kv := range kvStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := kv.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			require.NoError(t, kv.Put(ctx, "users:u1", []byte(`{"a":1}`)))
			got, err := kv.Get(ctx, "users:u1")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"a":1}`), got)

			require.NoError(t, kv.Delete(ctx, "users:u1"))
			_, err = kv.Get(ctx, "users:u1")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			// Deleting an absent key is a no-op.
			assert.NoError(t, kv.Delete(ctx, "users:u1"))
		})
	}
}

func TestListByPrefix(t *testing.T) {
	for name, kv := range kvStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, kv.Put(ctx, "users:u1", []byte("1")))
			require.NoError(t, kv.Put(ctx, "users:u2", []byte("2")))
			require.NoError(t, kv.Put(ctx, "orders:o1", []byte("3")))

			users, err := kv.List(ctx, "users:")
			require.NoError(t, err)
			assert.Len(t, users, 2)
			assert.Equal(t, []byte("1"), users["users:u1"])

			all, err := kv.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			none, err := kv.List(ctx, "ghosts:")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestBatchAtomicVisibility(t *testing.T) {
	for name, kv := range kvStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, kv.Put(ctx, "k1", []byte("old")))
			require.NoError(t, kv.Batch(ctx, []BatchOp{
				{Type: BatchPut, Key: "k1", Value: []byte("new")},
				{Type: BatchPut, Key: "k2", Value: []byte("two")},
				{Type: BatchDelete, Key: "k3"},
			}))

			got, err := kv.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("new"), got)

			got, err = kv.Get(ctx, "k2")
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), got)
		})
	}
}

func TestValuesAreCopied(t *testing.T) {
	kv := NewMemoryStore()
	ctx := context.Background()

	value := []byte("original")
	require.NoError(t, kv.Put(ctx, "k", value))
	value[0] = 'X'

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	// Mutating the returned slice must not corrupt the store.
	got[0] = 'Y'
	again, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadgerStore(BadgerConfig{Dir: dir, SyncWrites: true}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "users:u1", []byte("alive")))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(BadgerConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "users:u1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alive"), got)
}
