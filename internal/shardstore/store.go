// Package shardstore implements one shard's document storage: CRUD with
// version metadata, the collection index, per-shard query execution,
// and the participant half of two-phase commit.
package shardstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/bdleasure/impossibledb/internal/storage"
	"go.uber.org/zap"
)

const (
	// collectionIndexKey is the durable key holding the collection → ids
	// index, with id sets marshalled as sorted arrays.
	collectionIndexKey = "__collections"

	// DefaultMaxDocBytes caps the serialized payload size.
	DefaultMaxDocBytes = 1 << 20
	// DefaultMaxBatch bounds one batch-get against the durable store.
	DefaultMaxBatch = 100
)

// Config tunes one shard store.
type Config struct {
	ShardID     string
	MaxDocBytes int
	MaxBatch    int
}

// Store owns one shard's documents. Mutations are serialized by a
// single-writer mutex; reads go straight to the durable store.
type Store struct {
	shardID     string
	kv          storage.KVStore
	maxDocBytes int
	maxBatch    int
	logger      *zap.Logger

	mu    sync.Mutex // single writer per shard
	locks map[string]*docLock
	// staged holds per-transaction prepared operation sets.
	staged map[string]*stagedTx

	now func() time.Time
}

// New creates a shard store over the given durable key→value store.
func New(cfg Config, kv storage.KVStore, logger *zap.Logger) *Store {
	if cfg.MaxDocBytes <= 0 {
		cfg.MaxDocBytes = DefaultMaxDocBytes
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	return &Store{
		shardID:     cfg.ShardID,
		kv:          kv,
		maxDocBytes: cfg.MaxDocBytes,
		maxBatch:    cfg.MaxBatch,
		logger:      logger,
		locks:       make(map[string]*docLock),
		staged:      make(map[string]*stagedTx),
		now:         time.Now,
	}
}

// ShardID returns the shard this store serves.
func (s *Store) ShardID() string { return s.shardID }

func docKey(collection, id string) string {
	return fmt.Sprintf("%s:%s", collection, id)
}

// Get returns the document at (collection, id).
func (s *Store) Get(ctx context.Context, collection, id string) (*model.Document, error) {
	if err := validateNames(collection, id); err != nil {
		return nil, err
	}
	return s.load(ctx, collection, id)
}

func (s *Store) load(ctx context.Context, collection, id string) (*model.Document, error) {
	raw, err := s.kv.Get(ctx, docKey(collection, id))
	if err == storage.ErrKeyNotFound {
		return nil, apperrors.Newf(apperrors.CodeDocumentNotFound,
			"document %s/%s not found", collection, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read document", err)
	}
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt document", err)
	}
	return &doc, nil
}

// PutResult carries the stored document and whether it was created.
type PutResult struct {
	Document *model.Document
	Created  bool
}

// Put creates or replaces the document at (collection, id). Reserved
// fields in the payload are stripped; the version increments on every
// replace; createdAt never changes after the first write. The document
// and the collection index persist in one atomic batch.
func (s *Store) Put(ctx context.Context, collection, id string, payload map[string]interface{}) (*PutResult, error) {
	if err := validateNames(collection, id); err != nil {
		return nil, err
	}

	clean := model.StripReservedFields(payload)
	if err := s.checkSize(clean); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if holder := s.lockHolder(collection, id); holder != "" {
		return nil, apperrors.Newf(apperrors.CodeTransactionConflict,
			"document %s/%s is locked by transaction %s", collection, id, holder)
	}

	nowMs := s.now().UnixMilli()
	doc := &model.Document{
		ID:         id,
		Collection: collection,
		Version:    1,
		CreatedAt:  nowMs,
		UpdatedAt:  nowMs,
		Payload:    clean,
	}

	created := true
	if existing, err := s.load(ctx, collection, id); err == nil {
		created = false
		doc.Version = existing.Version + 1
		doc.CreatedAt = existing.CreatedAt
		if doc.UpdatedAt < existing.CreatedAt {
			doc.UpdatedAt = existing.CreatedAt
		}
	} else if apperrors.CodeOf(err) != apperrors.CodeDocumentNotFound {
		return nil, err
	}

	if err := s.persistPut(ctx, doc); err != nil {
		return nil, err
	}
	return &PutResult{Document: doc, Created: created}, nil
}

// persistPut writes the document and the updated index atomically.
// Callers hold the store mutex.
func (s *Store) persistPut(ctx context.Context, doc *model.Document) error {
	index, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	index.add(doc.Collection, doc.ID)

	ops, err := encodePut(doc, index)
	if err != nil {
		return err
	}
	if err := s.kv.Batch(ctx, ops); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to persist document", err)
	}
	return nil
}

func encodePut(doc *model.Document, index *collectionIndex) ([]storage.BatchOp, error) {
	docRaw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidDocument, "unserializable payload", err)
	}
	indexRaw, err := json.Marshal(index)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to encode index", err)
	}
	return []storage.BatchOp{
		{Type: storage.BatchPut, Key: docKey(doc.Collection, doc.ID), Value: docRaw},
		{Type: storage.BatchPut, Key: collectionIndexKey, Value: indexRaw},
	}, nil
}

// Delete removes the document and its index entry. An emptied
// collection disappears from the index.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := validateNames(collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if holder := s.lockHolder(collection, id); holder != "" {
		return apperrors.Newf(apperrors.CodeTransactionConflict,
			"document %s/%s is locked by transaction %s", collection, id, holder)
	}

	if _, err := s.load(ctx, collection, id); err != nil {
		return err
	}

	index, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	index.remove(collection, id)

	indexRaw, err := json.Marshal(index)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to encode index", err)
	}
	ops := []storage.BatchOp{
		{Type: storage.BatchDelete, Key: docKey(collection, id)},
		{Type: storage.BatchPut, Key: collectionIndexKey, Value: indexRaw},
	}
	if err := s.kv.Batch(ctx, ops); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to delete document", err)
	}
	return nil
}

// QueryResult is one shard's slice of a query.
type QueryResult struct {
	Results []*model.Document `json:"results"`
	Total   int               `json:"total"`
	Limit   *int              `json:"limit,omitempty"`
	Offset  int               `json:"offset"`
}

// Query loads the collection's documents in batches, applies the
// filters (AND), sorts, and paginates. Total reflects the post-filter,
// pre-pagination count.
func (s *Store) Query(ctx context.Context, collection string, filters []query.Filter, opts query.Options) (*QueryResult, error) {
	if err := model.ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	index, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	ids := index.ids(collection)

	var matched []*model.Document
	for start := 0; start < len(ids); start += s.maxBatch {
		end := start + s.maxBatch
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			doc, err := s.load(ctx, collection, id)
			if err != nil {
				if apperrors.CodeOf(err) == apperrors.CodeDocumentNotFound {
					continue
				}
				return nil, err
			}
			ok, err := query.Matches(doc, filters)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, doc)
			}
		}
	}

	query.SortDocuments(matched, opts.Sort, nil)
	total := len(matched)
	page := query.Paginate(matched, opts.Limit, opts.Offset)

	return &QueryResult{Results: page, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Collections returns the collections present on this shard.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	index, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(index.Collections))
	for name := range index.Collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) checkSize(payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidDocument, "unserializable payload", err)
	}
	if len(raw) > s.maxDocBytes {
		return apperrors.Newf(apperrors.CodeDocumentTooLarge,
			"document payload is %d bytes, maximum is %d", len(raw), s.maxDocBytes)
	}
	return nil
}

func validateNames(collection, id string) error {
	if err := model.ValidateCollectionName(collection); err != nil {
		return err
	}
	return model.ValidateDocumentID(id)
}
