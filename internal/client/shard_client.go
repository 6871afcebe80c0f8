// Package client provides the shard-facing clients used by the query
// executor and the transaction coordinator: a local dispatcher for
// shards hosted in-process and an HTTP client for remote nodes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/bdleasure/impossibledb/internal/shardstore"
	"go.uber.org/zap"
)

// Local dispatches shard operations to stores hosted by this process.
type Local struct {
	fleet  *shardstore.Fleet
	logger *zap.Logger
}

// NewLocal creates a local shard client over the fleet.
func NewLocal(fleet *shardstore.Fleet, logger *zap.Logger) *Local {
	return &Local{fleet: fleet, logger: logger}
}

// FetchCollection returns a FetchFunc bound to a collection.
func (l *Local) FetchCollection(collection string) query.FetchFunc {
	return func(ctx context.Context, target query.ShardTarget) (*query.ShardResult, error) {
		store, err := l.fleet.Get(target.ShardID)
		if err != nil {
			return nil, err
		}
		res, err := store.Query(ctx, collection, target.Filters, target.Options)
		if err != nil {
			return nil, err
		}
		return &query.ShardResult{
			ShardID: target.ShardID,
			Results: res.Results,
			Total:   res.Total,
		}, nil
	}
}

// Prepare implements the participant client against a local shard.
func (l *Local) Prepare(ctx context.Context, shardID, txID string, ops []model.Operation, expiresAt time.Time) error {
	store, err := l.fleet.Get(shardID)
	if err != nil {
		return err
	}
	return store.Prepare(ctx, txID, ops, expiresAt)
}

// Commit implements the participant client against a local shard.
func (l *Local) Commit(ctx context.Context, shardID, txID string) error {
	store, err := l.fleet.Get(shardID)
	if err != nil {
		return err
	}
	return store.Commit(ctx, txID)
}

// Abort implements the participant client against a local shard.
func (l *Local) Abort(ctx context.Context, shardID, txID string) error {
	store, err := l.fleet.Get(shardID)
	if err != nil {
		return err
	}
	return store.Abort(ctx, txID)
}

// NodeResolver maps a shard id to the base URL of the node hosting it.
type NodeResolver func(ctx context.Context, shardID string) (string, error)

// HTTP talks to shards hosted on remote nodes over their internal REST
// surface.
type HTTP struct {
	httpClient *http.Client
	resolve    NodeResolver
	logger     *zap.Logger
}

// NewHTTP creates an HTTP shard client.
func NewHTTP(timeout time.Duration, resolve NodeResolver, logger *zap.Logger) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		httpClient: &http.Client{Timeout: timeout},
		resolve:    resolve,
		logger:     logger,
	}
}

type shardQueryRequest struct {
	Collection string         `json:"collection"`
	Filters    []query.Filter `json:"filters,omitempty"`
	Options    query.Options  `json:"options"`
}

type shardQueryResponse struct {
	Results []*model.Document `json:"results"`
	Total   int               `json:"total"`
}

type txRequest struct {
	TxID      string            `json:"txId"`
	Ops       []model.Operation `json:"operations,omitempty"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
}

// FetchCollection returns a FetchFunc bound to a collection.
func (h *HTTP) FetchCollection(collection string) query.FetchFunc {
	return func(ctx context.Context, target query.ShardTarget) (*query.ShardResult, error) {
		var resp shardQueryResponse
		err := h.post(ctx, target.ShardID, "query", shardQueryRequest{
			Collection: collection,
			Filters:    target.Filters,
			Options:    target.Options,
		}, &resp)
		if err != nil {
			return nil, err
		}
		return &query.ShardResult{ShardID: target.ShardID, Results: resp.Results, Total: resp.Total}, nil
	}
}

// Prepare implements the participant client over HTTP.
func (h *HTTP) Prepare(ctx context.Context, shardID, txID string, ops []model.Operation, expiresAt time.Time) error {
	return h.post(ctx, shardID, "prepare", txRequest{
		TxID:      txID,
		Ops:       ops,
		ExpiresAt: expiresAt.UnixMilli(),
	}, nil)
}

// Commit implements the participant client over HTTP.
func (h *HTTP) Commit(ctx context.Context, shardID, txID string) error {
	return h.post(ctx, shardID, "commit", txRequest{TxID: txID}, nil)
}

// Abort implements the participant client over HTTP.
func (h *HTTP) Abort(ctx context.Context, shardID, txID string) error {
	return h.post(ctx, shardID, "abort", txRequest{TxID: txID}, nil)
}

func (h *HTTP) post(ctx context.Context, shardID, action string, body, out interface{}) error {
	base, err := h.resolve(ctx, shardID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to encode request", err)
	}

	url := fmt.Sprintf("%s/internal/shards/%s/%s", base, shardID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeNetworkError, "shard request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to decode response", err)
	}
	return nil
}

// decodeErrorResponse turns an error envelope back into an *Error so
// codes survive the hop.
func decodeErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var envelope struct {
		Error struct {
			Code    apperrors.Code `json:"code"`
			Message string         `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		return apperrors.New(envelope.Error.Code, envelope.Error.Message)
	}
	if resp.StatusCode >= 500 {
		return apperrors.Newf(apperrors.CodeNetworkError, "shard returned status %d", resp.StatusCode)
	}
	return apperrors.Newf(apperrors.CodeInternalError, "shard returned status %d: %s", resp.StatusCode, string(raw))
}
