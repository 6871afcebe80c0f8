package shardstore

import (
	"sync"

	"github.com/bdleasure/impossibledb/internal/storage"
	"go.uber.org/zap"
)

// StoreOpener provides the durable backing store for a shard.
type StoreOpener func(shardID string) (storage.KVStore, error)

// Fleet manages the shard stores hosted by this process, creating each
// lazily on first use.
type Fleet struct {
	mu     sync.Mutex
	stores map[string]*Store
	opener StoreOpener
	cfg    Config
	logger *zap.Logger
}

// NewFleet creates a fleet. cfg.ShardID is ignored; each store gets its
// own id.
func NewFleet(cfg Config, opener StoreOpener, logger *zap.Logger) *Fleet {
	return &Fleet{
		stores: make(map[string]*Store),
		opener: opener,
		cfg:    cfg,
		logger: logger,
	}
}

// Get returns the store for shardID, opening it if needed.
func (f *Fleet) Get(shardID string) (*Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if store, ok := f.stores[shardID]; ok {
		return store, nil
	}
	kv, err := f.opener(shardID)
	if err != nil {
		return nil, err
	}
	cfg := f.cfg
	cfg.ShardID = shardID
	store := New(cfg, kv, f.logger)
	f.stores[shardID] = store
	return store, nil
}

// Shards returns the ids of the currently open stores.
func (f *Fleet) Shards() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.stores))
	for id := range f.stores {
		out = append(out, id)
	}
	return out
}

// SweepExpired releases expired transaction locks on every open store.
func (f *Fleet) SweepExpired() {
	f.mu.Lock()
	stores := make([]*Store, 0, len(f.stores))
	for _, s := range f.stores {
		stores = append(stores, s)
	}
	f.mu.Unlock()

	for _, s := range stores {
		s.SweepExpired()
	}
}
