package handler

import (
	"net/http"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/gorilla/mux"
)

// beginTransactionRequest is the body of POST /transactions.
type beginTransactionRequest struct {
	Operations []model.Operation `json:"operations"`
	TimeoutMs  int64             `json:"timeoutMs,omitempty"`
}

// transactionResponse summarizes a transaction for clients.
type transactionResponse struct {
	TransactionID string                  `json:"transactionId"`
	Status        model.TransactionStatus `json:"status"`
	Participants  []string                `json:"participants"`
	ExpiresAt     int64                   `json:"expiresAt"`
	Error         string                  `json:"error,omitempty"`
}

func toTransactionResponse(tx *model.Transaction) transactionResponse {
	return transactionResponse{
		TransactionID: tx.TxID,
		Status:        tx.Status,
		Participants:  tx.Participants,
		ExpiresAt:     tx.ExpiresAt,
		Error:         tx.Error,
	}
}

// BeginTransaction handles POST /transactions.
func (h *Handlers) BeginTransaction(w http.ResponseWriter, r *http.Request) {
	var req beginTransactionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	tx, err := h.coordinator.Begin(r.Context(), req.Operations, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.coordinator.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// PrepareTransaction handles POST /transactions/{id}/prepare.
func (h *Handlers) PrepareTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.coordinator.Prepare(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// CommitTransaction handles POST /transactions/{id}/commit.
func (h *Handlers) CommitTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.coordinator.Commit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.metrics != nil && tx.Status == model.TxCommitted {
		h.metrics.TransactionsTotal.WithLabelValues("committed").Inc()
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// AbortTransaction handles POST /transactions/{id}/abort.
func (h *Handlers) AbortTransaction(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["id"]
	if err := h.coordinator.Abort(r.Context(), txID); err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.coordinator.Get(r.Context(), txID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.metrics != nil && tx.Status == model.TxAborted {
		h.metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// participantCallback is the body of the participant notification
// endpoints.
type participantCallback struct {
	ShardID string `json:"shardId"`
}

// ParticipantNotification handles POST
// /transactions/{id}/(prepared|committed|aborted): the asynchronous
// participant → coordinator acknowledgment path. Idempotent.
func (h *Handlers) ParticipantNotification(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	txID, phase := vars["id"], vars["phase"]

	var cb participantCallback
	if err := decodeBody(r, &cb); err != nil {
		h.writeError(w, r, err)
		return
	}
	if cb.ShardID == "" {
		h.writeError(w, r, apperrors.New(apperrors.CodeInvalidRequest, "shardId is required"))
		return
	}

	switch phase {
	case "prepared":
		h.coordinator.MarkPrepared(r.Context(), txID, cb.ShardID)
	case "committed":
		h.coordinator.MarkCommitted(r.Context(), txID, cb.ShardID)
	case "aborted":
		h.coordinator.MarkAborted(r.Context(), txID, cb.ShardID)
	default:
		h.writeError(w, r, apperrors.Newf(apperrors.CodeInvalidRequest, "unknown phase %q", phase))
		return
	}

	tx, err := h.coordinator.Get(r.Context(), txID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}
