package handler

import (
	"net/http"

	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/gorilla/mux"
)

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.checker.Check())
}

// ListShards handles GET /shards.
func (h *Handlers) ListShards(w http.ResponseWriter, r *http.Request) {
	shards := h.manager.ListShards()
	if h.metrics != nil {
		h.metrics.ShardsTotal.Set(float64(len(shards)))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shards": shards})
}

// GetShard handles GET /shards/{id}.
func (h *Handlers) GetShard(w http.ResponseWriter, r *http.Request) {
	shard, err := h.manager.GetShard(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

// createShardRequest is the body of POST /shards.
type createShardRequest struct {
	PrimaryNodeID string         `json:"primaryNodeId,omitempty"`
	KeyRange      model.KeyRange `json:"keyRange"`
}

// CreateShard handles POST /shards.
func (h *Handlers) CreateShard(w http.ResponseWriter, r *http.Request) {
	var req createShardRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	shard, err := h.manager.CreateShard(r.Context(), req.PrimaryNodeID, req.KeyRange)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, shard)
}

// updateShardRequest is the body of PUT /shards/{id}.
type updateShardRequest struct {
	PrimaryNodeID string            `json:"primaryNodeId,omitempty"`
	Status        model.ShardStatus `json:"status,omitempty"`
}

// UpdateShard handles PUT /shards/{id}.
func (h *Handlers) UpdateShard(w http.ResponseWriter, r *http.Request) {
	var req updateShardRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	shard, err := h.manager.UpdateShard(r.Context(), mux.Vars(r)["id"], func(s *model.ShardInfo) {
		if req.PrimaryNodeID != "" {
			s.PrimaryNodeID = req.PrimaryNodeID
		}
		if req.Status != "" {
			s.Status = req.Status
		}
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

// ListNodes handles GET /nodes.
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.manager.ListNodes()
	if h.metrics != nil {
		online := 0
		for _, n := range nodes {
			if n.Status == model.ManagedNodeOnline {
				online++
			}
		}
		h.metrics.NodesOnline.Set(float64(online))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

// GetNode handles GET /nodes/{id}.
func (h *Handlers) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.manager.GetNode(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// registerNodeRequest is the body of POST /nodes.
type registerNodeRequest struct {
	URL      string `json:"url"`
	Region   string `json:"region"`
	Capacity int    `json:"capacity"`
}

// RegisterNode handles POST /nodes.
func (h *Handlers) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	node, err := h.manager.RegisterNode(r.Context(), req.URL, req.Region, req.Capacity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// heartbeatRequest is the body of POST /nodes/{id}/heartbeat.
type heartbeatRequest struct {
	Status  model.ManagedNodeStatus `json:"status,omitempty"`
	Metrics *model.NodeMetrics      `json:"metrics,omitempty"`
}

// Heartbeat handles POST /nodes/{id}/heartbeat.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	node, err := h.manager.Heartbeat(r.Context(), mux.Vars(r)["id"], req.Status, req.Metrics)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// LookupShard handles GET /lookup/{collection}/{id}.
func (h *Handlers) LookupShard(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	shardID, err := h.manager.LookupShard(r.Context(), vars["collection"], vars["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"collection": vars["collection"],
		"id":         vars["id"],
		"shardId":    shardID,
	})
}
