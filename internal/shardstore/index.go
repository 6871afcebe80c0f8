package shardstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/storage"
	"go.uber.org/zap"
)

// collectionIndex maps collection names to the ids stored on this
// shard. It round-trips through JSON with id sets as sorted arrays and
// can be rebuilt from a full prefix scan.
type collectionIndex struct {
	Collections map[string][]string `json:"collections"`
}

func newCollectionIndex() *collectionIndex {
	return &collectionIndex{Collections: make(map[string][]string)}
}

// MarshalJSON keeps each id set sorted for a stable durable format.
func (ci *collectionIndex) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(ci.Collections))
	for coll, ids := range ci.Collections {
		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)
		out[coll] = sorted
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the bare collection→ids object.
func (ci *collectionIndex) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		raw = make(map[string][]string)
	}
	ci.Collections = raw
	return nil
}

// add inserts id into the collection's set, creating the collection
// lazily.
func (ci *collectionIndex) add(collection, id string) {
	ids := ci.Collections[collection]
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	ci.Collections[collection] = append(ids, id)
}

// remove drops id; an emptied collection disappears from the index.
func (ci *collectionIndex) remove(collection, id string) {
	ids := ci.Collections[collection]
	for i, existing := range ids {
		if existing == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(ci.Collections, collection)
		return
	}
	ci.Collections[collection] = ids
}

// ids returns the collection's ids in sorted order.
func (ci *collectionIndex) ids(collection string) []string {
	ids := append([]string(nil), ci.Collections[collection]...)
	sort.Strings(ids)
	return ids
}

// loadIndex reads the durable index, returning an empty one when the
// shard has never been written.
func (s *Store) loadIndex(ctx context.Context) (*collectionIndex, error) {
	raw, err := s.kv.Get(ctx, collectionIndexKey)
	if err == storage.ErrKeyNotFound {
		return newCollectionIndex(), nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read collection index", err)
	}
	var index collectionIndex
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt collection index", err)
	}
	if index.Collections == nil {
		index.Collections = make(map[string][]string)
	}
	return &index, nil
}

// RebuildIndex reconstructs the collection index from a full document
// scan and persists it. Used after restoring a shard from raw data.
func (s *Store) RebuildIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.kv.List(ctx, "")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to scan shard", err)
	}

	index := newCollectionIndex()
	for key := range entries {
		if strings.HasPrefix(key, "__") || strings.HasPrefix(key, "txapplied:") {
			continue
		}
		sep := strings.Index(key, ":")
		if sep <= 0 || sep == len(key)-1 {
			continue
		}
		index.add(key[:sep], key[sep+1:])
	}

	raw, err := json.Marshal(index)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to encode index", err)
	}
	if err := s.kv.Put(ctx, collectionIndexKey, raw); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to persist index", err)
	}

	s.logger.Info("Rebuilt collection index",
		zap.String("shard_id", s.shardID),
		zap.Int("collections", len(index.Collections)))
	return nil
}
