package shardstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/bdleasure/impossibledb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore() *Store {
	return New(Config{ShardID: "shard-test"}, storage.NewMemoryStore(), zap.NewNop())
}

func intPtr(v int) *int { return &v }

func TestPutCreatesWithVersionOne(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	res, err := s.Put(ctx, "users", "u1", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(1), res.Document.Version)
	assert.Equal(t, "u1", res.Document.ID)
	assert.Equal(t, "users", res.Document.Collection)
	assert.Equal(t, res.Document.CreatedAt, res.Document.UpdatedAt)
	assert.Equal(t, "Alice", res.Document.Payload["name"])
}

func TestPutReplacesAndIncrementsVersion(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	first, err := s.Put(ctx, "users", "u1", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)

	second, err := s.Put(ctx, "users", "u1", map[string]interface{}{"name": "Alice2"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, int64(2), second.Document.Version)
	assert.Equal(t, first.Document.CreatedAt, second.Document.CreatedAt)
	assert.GreaterOrEqual(t, second.Document.UpdatedAt, first.Document.CreatedAt)

	got, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice2", got.Payload["name"])
	assert.Nil(t, got.Payload["age"])
}

func TestPutStripsReservedFields(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	res, err := s.Put(ctx, "users", "u1", map[string]interface{}{
		"name":     "Alice",
		"_version": 99,
		"_id":      "forged",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Document.Version)
	assert.Equal(t, "u1", res.Document.ID)
	_, hasReserved := res.Document.Payload["_version"]
	assert.False(t, hasReserved)
}

func TestPutRoundTripPayload(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	payload := map[string]interface{}{
		"name":    "Alice",
		"age":     float64(30),
		"address": map[string]interface{}{"city": "Lisbon", "zip": "1000"},
		"tags":    []interface{}{"a", "b"},
	}
	_, err := s.Put(ctx, "users", "u1", payload)
	require.NoError(t, err)

	got, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore()

	_, err := s.Get(context.Background(), "users", "nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDocumentNotFound, apperrors.CodeOf(err))
}

func TestDeleteRemovesDocumentAndIndexEntry(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "users", "u1", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "users", "u2", map[string]interface{}{"name": "Bob"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "users", "u1"))

	_, err = s.Get(ctx, "users", "u1")
	assert.Equal(t, apperrors.CodeDocumentNotFound, apperrors.CodeOf(err))

	colls, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, colls)

	// Removing the last document drops the collection from the index.
	require.NoError(t, s.Delete(ctx, "users", "u2"))
	colls, err = s.Collections(ctx)
	require.NoError(t, err)
	assert.Empty(t, colls)
}

func TestDeleteTwice(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "users", "u1", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "users", "u1"))
	err = s.Delete(ctx, "users", "u1")
	assert.Equal(t, apperrors.CodeDocumentNotFound, apperrors.CodeOf(err))
}

func TestValidation(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "bad collection!", "u1", nil)
	assert.Equal(t, apperrors.CodeInvalidDocument, apperrors.CodeOf(err))

	_, err = s.Put(ctx, "__system", "u1", nil)
	assert.Equal(t, apperrors.CodeInvalidDocument, apperrors.CodeOf(err))

	_, err = s.Put(ctx, "users", "bad id with spaces", nil)
	assert.Equal(t, apperrors.CodeInvalidDocument, apperrors.CodeOf(err))

	_, err = s.Put(ctx, "users", strings.Repeat("x", 101), nil)
	assert.Equal(t, apperrors.CodeInvalidDocument, apperrors.CodeOf(err))
}

func TestDocumentSizeBoundary(t *testing.T) {
	s := New(Config{ShardID: "shard-test", MaxDocBytes: 100}, storage.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	// {"v":"<filler>"} serializes to exactly 100 bytes with 92 filler chars.
	filler := strings.Repeat("a", 92)
	_, err := s.Put(ctx, "docs", "exact", map[string]interface{}{"v": filler})
	require.NoError(t, err)

	_, err = s.Put(ctx, "docs", "over", map[string]interface{}{"v": filler + "a"})
	assert.Equal(t, apperrors.CodeDocumentTooLarge, apperrors.CodeOf(err))
}

func TestQueryFilterSortPaginate(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	people := []struct {
		id   string
		age  float64
		name string
	}{
		{"u1", 25, "Alice"},
		{"u2", 30, "Bob"},
		{"u3", 35, "Cara"},
		{"u4", 20, "Dan"},
	}
	for _, p := range people {
		_, err := s.Put(ctx, "users", p.id, map[string]interface{}{"age": p.age, "name": p.name})
		require.NoError(t, err)
	}

	res, err := s.Query(ctx, "users",
		[]query.Filter{{Field: "age", Op: query.OpGt, Value: float64(21)}},
		query.Options{
			Sort:   []query.SortKey{{Field: "age", Direction: query.SortDesc}},
			Limit:  intPtr(2),
			Offset: 1,
		})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "Bob", res.Results[0].Payload["name"])
	assert.Equal(t, "Alice", res.Results[1].Payload["name"])
}

func TestQueryUndefinedFieldSemantics(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "users", "u1", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)

	// Undefined never compares...
	res, err := s.Query(ctx, "users",
		[]query.Filter{{Field: "age", Op: query.OpGt, Value: float64(0)}}, query.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Results)

	res, err = s.Query(ctx, "users",
		[]query.Filter{{Field: "age", Op: query.OpEq, Value: float64(0)}}, query.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Results)

	// ...except !=, which holds.
	res, err = s.Query(ctx, "users",
		[]query.Filter{{Field: "age", Op: query.OpNeq, Value: float64(0)}}, query.Options{})
	require.NoError(t, err)
	assert.Len(t, res.Results, 1)
}

func TestQueryDottedPaths(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "users", "u1", map[string]interface{}{
		"address": map[string]interface{}{"city": "Lisbon"},
	})
	require.NoError(t, err)
	_, err = s.Put(ctx, "users", "u2", map[string]interface{}{
		"address": map[string]interface{}{"city": "Porto"},
	})
	require.NoError(t, err)

	res, err := s.Query(ctx, "users",
		[]query.Filter{{Field: "address.city", Op: query.OpEq, Value: "Lisbon"}}, query.Options{})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "u1", res.Results[0].ID)
}

func TestQueryLimitZero(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "users", "u1", map[string]interface{}{"age": float64(30)})
	require.NoError(t, err)

	res, err := s.Query(ctx, "users", nil, query.Options{Limit: intPtr(0)})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, 1, res.Total)
}

func TestRebuildIndex(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := New(Config{ShardID: "shard-test"}, kv, zap.NewNop())
	ctx := context.Background()

	_, err := s.Put(ctx, "users", "u1", map[string]interface{}{"name": "Alice"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "orders", "o:2024:1", map[string]interface{}{"total": float64(10)})
	require.NoError(t, err)

	// Wipe the index and rebuild it from the document scan.
	require.NoError(t, kv.Delete(ctx, collectionIndexKey))
	require.NoError(t, s.RebuildIndex(ctx))

	colls, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, colls)

	// Ids containing ':' survive the rebuild intact.
	got, err := s.Get(ctx, "orders", "o:2024:1")
	require.NoError(t, err)
	assert.Equal(t, float64(10), got.Payload["total"])
}

func TestPrepareCommit(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	ops := []model.Operation{
		{Type: model.OpWrite, Collection: "users", DocumentID: "u1", Data: map[string]interface{}{"name": "Alice"}},
		{Type: model.OpWrite, Collection: "orders", DocumentID: "o1", Data: map[string]interface{}{"total": float64(42)}},
	}
	require.NoError(t, s.Prepare(ctx, "tx-1", ops, expires))

	// Staged writes are invisible until commit.
	_, err := s.Get(ctx, "users", "u1")
	assert.Equal(t, apperrors.CodeDocumentNotFound, apperrors.CodeOf(err))

	require.NoError(t, s.Commit(ctx, "tx-1"))

	doc, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, "Alice", doc.Payload["name"])

	order, err := s.Get(ctx, "orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, float64(42), order.Payload["total"])
}

func TestCommitIdempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	ops := []model.Operation{
		{Type: model.OpWrite, Collection: "users", DocumentID: "u1", Data: map[string]interface{}{"name": "Alice"}},
	}
	require.NoError(t, s.Prepare(ctx, "tx-1", ops, time.Now().Add(time.Minute)))
	require.NoError(t, s.Commit(ctx, "tx-1"))
	// A replayed commit must not bump the version.
	require.NoError(t, s.Commit(ctx, "tx-1"))

	doc, err := s.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
}

func TestPrepareConflict(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	ops := []model.Operation{
		{Type: model.OpWrite, Collection: "users", DocumentID: "u1", Data: map[string]interface{}{"n": float64(1)}},
	}
	require.NoError(t, s.Prepare(ctx, "tx-1", ops, expires))

	err := s.Prepare(ctx, "tx-2", ops, expires)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTransactionConflict, apperrors.CodeOf(err))

	// Direct writes are blocked too while the lock is held.
	_, err = s.Put(ctx, "users", "u1", map[string]interface{}{"n": float64(2)})
	assert.Equal(t, apperrors.CodeTransactionConflict, apperrors.CodeOf(err))
}

func TestAbortDiscardsStagedState(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	ops := []model.Operation{
		{Type: model.OpWrite, Collection: "users", DocumentID: "u1", Data: map[string]interface{}{"n": float64(1)}},
	}
	require.NoError(t, s.Prepare(ctx, "tx-1", ops, time.Now().Add(time.Minute)))
	require.NoError(t, s.Abort(ctx, "tx-1"))

	_, err := s.Get(ctx, "users", "u1")
	assert.Equal(t, apperrors.CodeDocumentNotFound, apperrors.CodeOf(err))

	// The lock is gone: another transaction can prepare.
	require.NoError(t, s.Prepare(ctx, "tx-2", ops, time.Now().Add(time.Minute)))
}

func TestLocksExpire(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	ops := []model.Operation{
		{Type: model.OpWrite, Collection: "users", DocumentID: "u1", Data: map[string]interface{}{"n": float64(1)}},
	}
	require.NoError(t, s.Prepare(ctx, "tx-1", ops, time.Now().Add(10*time.Millisecond)))

	s.now = func() time.Time { return time.Now().Add(time.Second) }

	// The expired lock is swept lazily; a new transaction gets through.
	require.NoError(t, s.Prepare(ctx, "tx-2", ops, time.Now().Add(time.Minute)))

	// The expired transaction's staged state is gone.
	err := s.Commit(ctx, "tx-1")
	assert.Equal(t, apperrors.CodeTransactionNotFound, apperrors.CodeOf(err))
}

func TestPrepareValidationFailureReleasesLocks(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	ops := []model.Operation{
		{Type: model.OpWrite, Collection: "users", DocumentID: "u1", Data: map[string]interface{}{"n": float64(1)}},
		{Type: model.OpWrite, Collection: "users", DocumentID: "u2"}, // missing data
	}
	err := s.Prepare(ctx, "tx-1", ops, time.Now().Add(time.Minute))
	require.Error(t, err)

	// u1's lock must have been released.
	okOps := ops[:1]
	require.NoError(t, s.Prepare(ctx, "tx-2", okOps, time.Now().Add(time.Minute)))
}
