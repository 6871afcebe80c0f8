package handler

import (
	"net/http"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/gorilla/mux"
)

// The /internal/shards endpoints are the node-to-node surface: remote
// coordinators and query executors reach a shard hosted here through
// them.

// shardQueryRequest mirrors the shard client's wire format.
type shardQueryRequest struct {
	Collection string         `json:"collection"`
	Filters    []query.Filter `json:"filters,omitempty"`
	Options    query.Options  `json:"options"`
}

// ShardQuery handles POST /internal/shards/{shardId}/query.
func (h *Handlers) ShardQuery(w http.ResponseWriter, r *http.Request) {
	var req shardQueryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	store, err := h.fleet.Get(mux.Vars(r)["shardId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := store.Query(r.Context(), req.Collection, req.Filters, req.Options)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// shardTxRequest mirrors the shard client's transaction wire format.
type shardTxRequest struct {
	TxID      string            `json:"txId"`
	Ops       []model.Operation `json:"operations,omitempty"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
}

// ShardPrepare handles POST /internal/shards/{shardId}/prepare.
func (h *Handlers) ShardPrepare(w http.ResponseWriter, r *http.Request) {
	var req shardTxRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.TxID == "" {
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidRequest, "txId is required"))
		return
	}

	store, err := h.fleet.Get(mux.Vars(r)["shardId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := store.Prepare(r.Context(), req.TxID, req.Ops, time.UnixMilli(req.ExpiresAt)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "prepared"})
}

// ShardCommit handles POST /internal/shards/{shardId}/commit.
func (h *Handlers) ShardCommit(w http.ResponseWriter, r *http.Request) {
	var req shardTxRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	store, err := h.fleet.Get(mux.Vars(r)["shardId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := store.Commit(r.Context(), req.TxID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

// ShardAbort handles POST /internal/shards/{shardId}/abort.
func (h *Handlers) ShardAbort(w http.ResponseWriter, r *http.Request) {
	var req shardTxRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	store, err := h.fleet.Get(mux.Vars(r)["shardId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := store.Abort(r.Context(), req.TxID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// routingTableRequest is the body of PUT /internal/routing-table.
type routingTableRequest struct {
	Table model.RoutingTable `json:"table"`
}

// UpdateRoutingTable handles PUT /internal/routing-table: adopts a
// newer routing table snapshot.
func (h *Handlers) UpdateRoutingTable(w http.ResponseWriter, r *http.Request) {
	var req routingTableRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	adopted := h.router.UpdateRoutingTable(&req.Table)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"adopted": adopted,
		"version": h.router.Table().Version,
	})
}
