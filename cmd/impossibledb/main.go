package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bdleasure/impossibledb/internal/client"
	"github.com/bdleasure/impossibledb/internal/cluster"
	"github.com/bdleasure/impossibledb/internal/config"
	"github.com/bdleasure/impossibledb/internal/handler"
	"github.com/bdleasure/impossibledb/internal/health"
	"github.com/bdleasure/impossibledb/internal/locality"
	"github.com/bdleasure/impossibledb/internal/metrics"
	"github.com/bdleasure/impossibledb/internal/model"
	"github.com/bdleasure/impossibledb/internal/query"
	"github.com/bdleasure/impossibledb/internal/ring"
	"github.com/bdleasure/impossibledb/internal/routing"
	"github.com/bdleasure/impossibledb/internal/server"
	"github.com/bdleasure/impossibledb/internal/shardstore"
	"github.com/bdleasure/impossibledb/internal/storage"
	"github.com/bdleasure/impossibledb/internal/txn"
	"github.com/bdleasure/impossibledb/internal/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "impossibledb: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting ImpossibleDB node",
		zap.String("version", version),
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("region", cfg.Server.Region),
		zap.Int("port", cfg.Server.Port))

	m := metrics.New(prometheus.DefaultRegisterer)

	// Durable stores: one namespace per shard plus system namespaces for
	// the coordinator and the shard manager.
	openStore := storeOpener(cfg, logger)

	systemKV, err := openStore("system")
	if err != nil {
		return fmt.Errorf("failed to open system store: %w", err)
	}
	defer systemKV.Close()

	// Client registry: Redis when configured, in-process otherwise.
	var registry locality.ClientRegistry
	if cfg.Redis.Enabled {
		redisRegistry, err := locality.NewRedisClientRegistry(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return fmt.Errorf("failed to connect client registry: %w", err)
		}
		defer redisRegistry.Close()
		registry = redisRegistry
	} else {
		registry = locality.NewMemoryClientRegistry()
	}

	scorer := locality.NewScorer(registry, logger)
	hashRing := ring.New(cfg.Routing.VirtualNodes)
	router := routing.NewRouter(hashRing, scorer, logger)

	// Seed the ring with this node until a routing table arrives.
	router.UpdateRoutingTable(&model.RoutingTable{
		Version: 1,
		Nodes: map[string]model.NodeInfo{
			cfg.Server.NodeID: {
				Location: cfg.Server.Region,
				Metrics:  model.DefaultNodeMetrics(),
				Status:   model.NodeStatusActive,
			},
		},
		Collections: map[string][]model.ShardRange{},
	})

	fleet := shardstore.NewFleet(shardstore.Config{
		MaxDocBytes: cfg.Documents.MaxDocBytes,
		MaxBatch:    cfg.Documents.MaxBatch,
	}, openStore, logger)
	shardClient := client.NewLocal(fleet, logger)

	coordinator := txn.NewCoordinator(txn.Config{
		DefaultTimeout: cfg.Transaction.Timeout,
		RetryBackoff:   cfg.Transaction.RetryBackoff,
		MaxRetries:     cfg.Transaction.MaxRetries,
	}, systemKV, routerAdapter{router}, shardClient, logger)
	defer coordinator.Stop()

	ctx := context.Background()
	if err := coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("transaction recovery failed: %w", err)
	}

	migrationPool := workerpool.New(workerpool.Config{
		Name:       "shard-migrations",
		MaxWorkers: 2,
		QueueSize:  128,
	}, logger)
	defer migrationPool.Stop()

	manager := cluster.NewManager(cluster.Config{
		HeartbeatTimeout:    cfg.Routing.HeartbeatTimeout,
		LatencyThresholdMs:  cfg.Routing.LatencyThresholdMs,
		LoadFactorThreshold: cfg.Routing.LoadFactorThreshold,
	}, systemKV, routerAdapter{router}, migrationPool, logger)
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("shard manager load failed: %w", err)
	}

	var gossip *cluster.Gossip
	if cfg.Gossip.Enabled {
		gossip, err = cluster.NewGossip(cluster.GossipConfig{
			Enabled:   true,
			BindPort:  cfg.Gossip.BindPort,
			SeedNodes: cfg.Gossip.SeedNodes,
		}, manager, cfg.Server.NodeID, logger)
		if err != nil {
			return fmt.Errorf("gossip start failed: %w", err)
		}
		defer func() {
			if err := gossip.Leave(5 * time.Second); err != nil {
				logger.Warn("Gossip leave failed", zap.Error(err))
			}
		}()
	}

	// Background sweeps: expired shard locks and missed heartbeats.
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fleet.SweepExpired()
				manager.SweepHeartbeats(ctx)
			case <-sweepStop:
				return
			}
		}
	}()
	defer close(sweepStop)

	checker := health.NewChecker(version, cfg.Server.Environment,
		[]string{"documents", "queries", "aggregations", "transactions", "sharding"})

	handlers := handler.New(handler.Config{
		ReplicaCount: cfg.Routing.ReplicaCount,
		MaxPlanCost:  cfg.Query.MaxPlanCost,
		Executor: query.ExecutorConfig{
			Timeout:         cfg.Query.Timeout,
			MaxRetries:      cfg.Query.MaxRetries,
			RetryBackoff:    cfg.Query.RetryBackoff,
			ContinueOnError: cfg.Query.ContinueOnError,
			MaxResults:      cfg.Query.MaxResults,
		},
	}, router, fleet, shardClient, coordinator, manager, checker, m, logger)

	srv := server.New(cfg.Server, cfg.Metrics, handlers, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	if err := srv.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// routerAdapter narrows the Router to the single-method interfaces the
// coordinator and shard manager expect.
type routerAdapter struct {
	router *routing.Router
}

func (a routerAdapter) RouteRequest(ctx context.Context, collection, id string) (string, error) {
	return a.router.RouteRequest(ctx, collection, id, routing.RouteOptions{})
}

// storeOpener returns the per-namespace durable store factory.
func storeOpener(cfg *config.Config, logger *zap.Logger) shardstore.StoreOpener {
	if cfg.Storage.Backend == "memory" {
		return func(string) (storage.KVStore, error) {
			return storage.NewMemoryStore(), nil
		}
	}
	return func(namespace string) (storage.KVStore, error) {
		return storage.NewBadgerStore(storage.BadgerConfig{
			Dir:        filepath.Join(cfg.Storage.DataDir, namespace),
			SyncWrites: cfg.Storage.SyncWrites,
		}, logger)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err == nil {
		zapCfg.Level = level
	}
	return zapCfg.Build()
}
