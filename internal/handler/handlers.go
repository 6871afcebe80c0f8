package handler

import (
	"github.com/bdleasure/impossibledb/internal/client"
	"github.com/bdleasure/impossibledb/internal/cluster"
	"github.com/bdleasure/impossibledb/internal/health"
	"github.com/bdleasure/impossibledb/internal/metrics"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/bdleasure/impossibledb/internal/routing"
	"github.com/bdleasure/impossibledb/internal/shardstore"
	"github.com/bdleasure/impossibledb/internal/txn"
	"go.uber.org/zap"
)

// Config carries the handler-level settings.
type Config struct {
	ReplicaCount int
	Executor     query.ExecutorConfig
	MaxPlanCost  float64
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg         Config
	router      *routing.Router
	fleet       *shardstore.Fleet
	shards      *client.Local
	planner     *query.Planner
	coordinator *txn.Coordinator
	manager     *cluster.Manager
	checker     *health.Checker
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New creates the handler set.
func New(
	cfg Config,
	router *routing.Router,
	fleet *shardstore.Fleet,
	shards *client.Local,
	coordinator *txn.Coordinator,
	manager *cluster.Manager,
	checker *health.Checker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		cfg:         cfg,
		router:      router,
		fleet:       fleet,
		shards:      shards,
		planner:     query.NewPlanner(cfg.MaxPlanCost),
		coordinator: coordinator,
		manager:     manager,
		checker:     checker,
		metrics:     m,
		logger:      logger,
	}
}
