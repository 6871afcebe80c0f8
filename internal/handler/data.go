package handler

import (
	"net/http"

	"github.com/bdleasure/impossibledb/internal/middleware"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/bdleasure/impossibledb/internal/routing"
	"github.com/bdleasure/impossibledb/internal/shardstore"
	"github.com/gorilla/mux"
)

// routeOptions builds the routing options for the request, honoring the
// optional client id.
func (h *Handlers) routeOptions(r *http.Request) routing.RouteOptions {
	return routing.RouteOptions{
		ClientID:     middleware.ClientIDFrom(r.Context()),
		ReplicaCount: h.cfg.ReplicaCount,
	}
}

// storeFor routes (collection, id) and returns the owning shard store.
func (h *Handlers) storeFor(r *http.Request, collection, id string) (*shardstore.Store, error) {
	shardID, err := h.router.RouteRequest(r.Context(), collection, id, h.routeOptions(r))
	if err != nil {
		return nil, err
	}
	return h.fleet.Get(shardID)
}

// GetDocument handles GET /api/data/{collection}/{id}.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	collection, id := vars["collection"], vars["id"]

	store, err := h.storeFor(r, collection, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc, err := store.Get(r.Context(), collection, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PutDocument handles PUT /api/data/{collection}/{id}: 201 on create,
// 200 on replace.
func (h *Handlers) PutDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	collection, id := vars["collection"], vars["id"]

	var payload map[string]interface{}
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}

	store, err := h.storeFor(r, collection, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := store.Put(r.Context(), collection, id, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Document)
}

// DeleteDocument handles DELETE /api/data/{collection}/{id}.
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	collection, id := vars["collection"], vars["id"]

	store, err := h.storeFor(r, collection, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := store.Delete(r.Context(), collection, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":    true,
		"id":         id,
		"collection": collection,
	})
}

// queryRequest is the body of POST /api/data/{collection}.
type queryRequest struct {
	Filters      []query.Filter          `json:"filters,omitempty"`
	Options      query.Options           `json:"options"`
	Projection   []string                `json:"projection,omitempty"`
	Aggregations []query.AggregationSpec `json:"aggregations,omitempty"`
}

// queryResponse is the merged query result envelope.
type queryResponse struct {
	Results      []interface{}             `json:"results"`
	Metadata     queryMetadata             `json:"metadata"`
	Aggregations []query.AggregationResult `json:"aggregations,omitempty"`
}

type queryMetadata struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// QueryCollection handles POST /api/data/{collection}: parse, plan,
// scatter-gather, merge, aggregate.
func (h *Handlers) QueryCollection(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	pq, err := query.Parse(collection, req.Filters, req.Projection, req.Options)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	shards, err := h.router.ShardsForQuery(collection, pq.Expression.Conditions)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	plan, err := h.planner.Plan(pq, shards)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.QueryFanout.Observe(float64(len(plan.Targets)))
	}

	executor := query.NewExecutor(h.cfg.Executor, h.shards.FetchCollection(collection), h.logger)
	res, err := executor.Execute(r.Context(), plan)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.metrics != nil {
		for _, shardID := range res.FailedShards {
			h.metrics.QueryShardFails.WithLabelValues(shardID).Inc()
		}
	}

	limit := h.cfg.Executor.MaxResults
	if pq.Options.Limit != nil {
		limit = *pq.Options.Limit
	}

	resp := queryResponse{
		Results: make([]interface{}, len(res.Results)),
		Metadata: queryMetadata{
			Total:  res.Total,
			Limit:  limit,
			Offset: pq.Options.Offset,
		},
	}
	for i, doc := range res.Results {
		resp.Results[i] = doc
	}

	if len(req.Aggregations) > 0 {
		aggs, err := query.Aggregate(res.Results, req.Aggregations)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.Aggregations = aggs
	}

	writeJSON(w, http.StatusOK, resp)
}
