// Package server wires the HTTP routes and the middleware chain.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bdleasure/impossibledb/internal/config"
	"github.com/bdleasure/impossibledb/internal/handler"
	"github.com/bdleasure/impossibledb/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the HTTP front of a node: the public data/query/transaction
// surface, the shard-manager admin surface, and the internal
// node-to-node shard surface.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// New builds the router and the server.
func New(cfg config.ServerConfig, metricsCfg config.MetricsConfig, h *handler.Handlers, logger *zap.Logger) *Server {
	r := mux.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.ClientID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	if cfg.RateLimit > 0 {
		r.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if metricsCfg.Enabled {
		r.Handle(metricsCfg.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	// Document CRUD and queries.
	r.HandleFunc("/api/data/{collection}/{id}", h.GetDocument).Methods(http.MethodGet)
	r.HandleFunc("/api/data/{collection}/{id}", h.PutDocument).Methods(http.MethodPut)
	r.HandleFunc("/api/data/{collection}/{id}", h.DeleteDocument).Methods(http.MethodDelete)
	r.HandleFunc("/api/data/{collection}", h.QueryCollection).Methods(http.MethodPost)

	// Transactions.
	r.HandleFunc("/transactions", h.BeginTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}/prepare", h.PrepareTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/commit", h.CommitTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/abort", h.AbortTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions/{id}/{phase:prepared|committed|aborted}", h.ParticipantNotification).Methods(http.MethodPost)

	// Shard manager.
	r.HandleFunc("/shards", h.ListShards).Methods(http.MethodGet)
	r.HandleFunc("/shards", h.CreateShard).Methods(http.MethodPost)
	r.HandleFunc("/shards/{id}", h.GetShard).Methods(http.MethodGet)
	r.HandleFunc("/shards/{id}", h.UpdateShard).Methods(http.MethodPut)
	r.HandleFunc("/nodes", h.ListNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes", h.RegisterNode).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}", h.GetNode).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}/heartbeat", h.Heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/lookup/{collection}/{id}", h.LookupShard).Methods(http.MethodGet)

	// Node-to-node shard surface.
	r.HandleFunc("/internal/shards/{shardId}/query", h.ShardQuery).Methods(http.MethodPost)
	r.HandleFunc("/internal/shards/{shardId}/prepare", h.ShardPrepare).Methods(http.MethodPost)
	r.HandleFunc("/internal/shards/{shardId}/commit", h.ShardCommit).Methods(http.MethodPost)
	r.HandleFunc("/internal/shards/{shardId}/abort", h.ShardAbort).Methods(http.MethodPost)
	r.HandleFunc("/internal/routing-table", h.UpdateRoutingTable).Methods(http.MethodPut)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.RequestTimeout,
			WriteTimeout: cfg.RequestTimeout,
			IdleTimeout:  2 * cfg.RequestTimeout,
		},
		logger: logger,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
