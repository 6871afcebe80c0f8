package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bdleasure/impossibledb/internal/client"
	"github.com/bdleasure/impossibledb/internal/cluster"
	"github.com/bdleasure/impossibledb/internal/health"
	"github.com/bdleasure/impossibledb/internal/locality"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/bdleasure/impossibledb/internal/ring"
	"github.com/bdleasure/impossibledb/internal/routing"
	"github.com/bdleasure/impossibledb/internal/shardstore"
	"github.com/bdleasure/impossibledb/internal/storage"
	"github.com/bdleasure/impossibledb/internal/txn"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestServer assembles a full single-node stack over in-memory
// storage and returns the mux router serving it.
func newTestServer(t *testing.T) *mux.Router {
	t.Helper()
	logger := zap.NewNop()

	scorer := locality.NewScorer(locality.NewMemoryClientRegistry(), logger)
	router := routing.NewRouter(ring.New(100), scorer, logger)
	router.UpdateRoutingTable(&model.RoutingTable{
		Version: 1,
		Nodes: map[string]model.NodeInfo{
			"node-test": {Location: "us-east", Metrics: model.DefaultNodeMetrics(), Status: model.NodeStatusActive},
		},
		Collections: map[string][]model.ShardRange{},
	})

	fleet := shardstore.NewFleet(shardstore.Config{}, func(string) (storage.KVStore, error) {
		return storage.NewMemoryStore(), nil
	}, logger)
	shardClient := client.NewLocal(fleet, logger)

	adapter := routeAdapter{router}
	coordinator := txn.NewCoordinator(txn.Config{
		DefaultTimeout: time.Minute,
		RetryBackoff:   5 * time.Millisecond,
	}, storage.NewMemoryStore(), adapter, shardClient, logger)
	t.Cleanup(coordinator.Stop)

	manager := cluster.NewManager(cluster.Config{HeartbeatTimeout: time.Minute},
		storage.NewMemoryStore(), adapter, nil, logger)

	checker := health.NewChecker("test", "test", []string{"documents", "transactions"})

	handlers := New(Config{
		ReplicaCount: 1,
		MaxPlanCost:  100,
		Executor: query.ExecutorConfig{
			Timeout:         5 * time.Second,
			MaxRetries:      1,
			RetryBackoff:    time.Millisecond,
			ContinueOnError: true,
			MaxResults:      1000,
		},
	}, router, fleet, shardClient, coordinator, manager, checker, nil, logger)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/data/{collection}/{id}", handlers.GetDocument).Methods(http.MethodGet)
	r.HandleFunc("/api/data/{collection}/{id}", handlers.PutDocument).Methods(http.MethodPut)
	r.HandleFunc("/api/data/{collection}/{id}", handlers.DeleteDocument).Methods(http.MethodDelete)
	r.HandleFunc("/api/data/{collection}", handlers.QueryCollection).Methods(http.MethodPost)
	r.HandleFunc("/transactions", handlers.BeginTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}", handlers.GetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/prepare", handlers.PrepareTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/commit", handlers.CommitTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/abort", handlers.AbortTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/{phase:prepared|committed|aborted}", handlers.ParticipantNotification).Methods(http.MethodPost)
	r.HandleFunc("/shards", handlers.ListShards).Methods(http.MethodGet)
	r.HandleFunc("/nodes", handlers.RegisterNode).Methods(http.MethodPost)
	r.HandleFunc("/lookup/{collection}/{id}", handlers.LookupShard).Methods(http.MethodGet)
	return r
}

type routeAdapter struct {
	router *routing.Router
}

func (a routeAdapter) RouteRequest(ctx context.Context, collection, id string) (string, error) {
	return a.router.RouteRequest(ctx, collection, id, routing.RouteOptions{})
}

func doRequest(t *testing.T, r *mux.Router, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestServer(t)

	rec, body := doRequest(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["features"])
}

func TestDocumentLifecycle(t *testing.T) {
	r := newTestServer(t)

	// Create: 201 with version 1 and matching timestamps.
	rec, body := doRequest(t, r, http.MethodPut, "/api/data/users/u1",
		map[string]interface{}{"name": "Alice"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "u1", body["_id"])
	assert.Equal(t, "users", body["_collection"])
	assert.Equal(t, float64(1), body["_version"])
	assert.Equal(t, body["_createdAt"], body["_updatedAt"])
	createdAt := body["_createdAt"]

	// Replace: 200 with version 2 and preserved createdAt.
	rec, body = doRequest(t, r, http.MethodPut, "/api/data/users/u1",
		map[string]interface{}{"name": "Alice2"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["_version"])
	assert.Equal(t, createdAt, body["_createdAt"])
	assert.Equal(t, "Alice2", body["name"])

	// Read back.
	rec, body = doRequest(t, r, http.MethodGet, "/api/data/users/u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alice2", body["name"])

	// Delete, then 404.
	rec, body = doRequest(t, r, http.MethodDelete, "/api/data/users/u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["deleted"])

	rec, body = doRequest(t, r, http.MethodGet, "/api/data/users/u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "DOCUMENT_NOT_FOUND", errBody["code"])
}

func TestQueryWithSortAndMetadata(t *testing.T) {
	r := newTestServer(t)

	ages := map[string]float64{"u1": 25, "u2": 30, "u3": 18}
	for id, age := range ages {
		rec, _ := doRequest(t, r, http.MethodPut, "/api/data/users/"+id,
			map[string]interface{}{"age": age})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, body := doRequest(t, r, http.MethodPost, "/api/data/users", map[string]interface{}{
		"filters": []map[string]interface{}{
			{"field": "age", "operator": ">", "value": 21},
		},
		"options": map[string]interface{}{
			"limit": 10,
			"sort":  []map[string]interface{}{{"field": "age", "direction": "desc"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	results := body["results"].([]interface{})
	require.Len(t, results, 2)
	first := results[0].(map[string]interface{})
	second := results[1].(map[string]interface{})
	assert.Equal(t, float64(30), first["age"])
	assert.Equal(t, float64(25), second["age"])

	metadata := body["metadata"].(map[string]interface{})
	assert.Equal(t, float64(2), metadata["total"])
	assert.Equal(t, float64(10), metadata["limit"])
	assert.Equal(t, float64(0), metadata["offset"])
}

func TestQueryAggregations(t *testing.T) {
	r := newTestServer(t)

	staff := []struct {
		id         string
		age        float64
		department string
	}{
		{"e1", 25, "Engineering"}, {"e2", 30, "Engineering"}, {"e3", 35, "Engineering"},
		{"e4", 40, "Marketing"}, {"e5", 45, "Marketing"},
	}
	for _, s := range staff {
		rec, _ := doRequest(t, r, http.MethodPut, "/api/data/staff/"+s.id,
			map[string]interface{}{"age": s.age, "department": s.department})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, body := doRequest(t, r, http.MethodPost, "/api/data/staff", map[string]interface{}{
		"aggregations": []map[string]interface{}{
			{"op": "COUNT"},
			{"op": "AVG", "field": "age"},
			{"op": "GROUP_BY", "fields": []string{"department"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	aggs := body["aggregations"].([]interface{})
	require.Len(t, aggs, 3)

	count := aggs[0].(map[string]interface{})
	assert.Equal(t, float64(5), count["value"])

	avg := aggs[1].(map[string]interface{})
	assert.Equal(t, float64(35), avg["value"])

	groupBy := aggs[2].(map[string]interface{})
	assert.Equal(t, float64(2), groupBy["value"])
	groups := groupBy["groups"].(map[string]interface{})
	eng := groups["Engineering"].(map[string]interface{})
	assert.Equal(t, float64(3), eng["count"])
}

func TestQueryInvalidFilter(t *testing.T) {
	r := newTestServer(t)

	rec, body := doRequest(t, r, http.MethodPost, "/api/data/users", map[string]interface{}{
		"filters": []map[string]interface{}{{"field": "", "operator": "=", "value": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "INVALID_QUERY", errBody["code"])
}

func TestTransactionHappyPath(t *testing.T) {
	r := newTestServer(t)

	rec, body := doRequest(t, r, http.MethodPost, "/transactions", map[string]interface{}{
		"operations": []map[string]interface{}{
			{"type": "WRITE", "collection": "users", "documentId": "u1",
				"data": map[string]interface{}{"name": "Alice"}},
			{"type": "WRITE", "collection": "orders", "documentId": "o1",
				"data": map[string]interface{}{"total": 42}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	txID := body["transactionId"].(string)
	assert.Equal(t, "PENDING", body["status"])
	assert.NotEmpty(t, body["participants"])

	rec, body = doRequest(t, r, http.MethodPost, fmt.Sprintf("/transactions/%s/prepare", txID), map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PREPARED", body["status"])

	rec, body = doRequest(t, r, http.MethodPost, fmt.Sprintf("/transactions/%s/commit", txID), map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMMITTED", body["status"])

	// The written documents are visible with version 1.
	rec, body = doRequest(t, r, http.MethodGet, "/api/data/users/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Alice", body["name"])
	assert.Equal(t, float64(1), body["_version"])

	rec, body = doRequest(t, r, http.MethodGet, "/api/data/orders/o1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(42), body["total"])
}

func TestTransactionAbortLeavesNoWrites(t *testing.T) {
	r := newTestServer(t)

	rec, body := doRequest(t, r, http.MethodPost, "/transactions", map[string]interface{}{
		"operations": []map[string]interface{}{
			{"type": "WRITE", "collection": "users", "documentId": "u1",
				"data": map[string]interface{}{"name": "Alice"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	txID := body["transactionId"].(string)

	rec, _ = doRequest(t, r, http.MethodPost, fmt.Sprintf("/transactions/%s/prepare", txID), map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = doRequest(t, r, http.MethodPost, fmt.Sprintf("/transactions/%s/abort", txID), map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABORTED", body["status"])

	rec, _ = doRequest(t, r, http.MethodGet, "/api/data/users/u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParticipantNotificationEndpoint(t *testing.T) {
	r := newTestServer(t)

	rec, body := doRequest(t, r, http.MethodPost, "/transactions", map[string]interface{}{
		"operations": []map[string]interface{}{
			{"type": "WRITE", "collection": "users", "documentId": "u1",
				"data": map[string]interface{}{"name": "Alice"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	txID := body["transactionId"].(string)

	// A callback with no shard id is rejected.
	rec, _ = doRequest(t, r, http.MethodPost, fmt.Sprintf("/transactions/%s/prepared", txID), map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A callback naming a participant shard is acknowledged, even while
	// the transaction is still PENDING.
	participants := body["participants"].([]interface{})
	shardID := participants[0].(string)
	rec, _ = doRequest(t, r, http.MethodPost, fmt.Sprintf("/transactions/%s/prepared", txID),
		map[string]interface{}{"shardId": shardID})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShardManagerEndpoints(t *testing.T) {
	r := newTestServer(t)

	rec, body := doRequest(t, r, http.MethodPost, "/nodes", map[string]interface{}{
		"url": "http://node-1:8080", "region": "us-east", "capacity": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, body["nodeId"])

	rec, body = doRequest(t, r, http.MethodGet, "/lookup/users/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["shardId"])

	rec, body = doRequest(t, r, http.MethodGet, "/shards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, hasShards := body["shards"]
	assert.True(t, hasShards)
}
