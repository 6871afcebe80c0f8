// Package config holds the service configuration and its loader.
package config

import (
	"errors"
	"time"
)

// Config represents the full service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Documents   DocumentsConfig   `mapstructure:"documents"`
	Query       QueryConfig       `mapstructure:"query"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	Region          string        `mapstructure:"region"`
	Environment     string        `mapstructure:"environment"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// StorageConfig represents the durable store configuration.
type StorageConfig struct {
	// Backend is "badger" or "memory".
	Backend    string `mapstructure:"backend"`
	DataDir    string `mapstructure:"data_dir"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// DocumentsConfig represents document limits.
type DocumentsConfig struct {
	MaxDocBytes int `mapstructure:"max_doc_bytes"`
	MaxBatch    int `mapstructure:"max_batch"`
}

// QueryConfig represents query pipeline limits.
type QueryConfig struct {
	MaxResults      int           `mapstructure:"max_results"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	ContinueOnError bool          `mapstructure:"continue_on_error"`
	MaxPlanCost     float64       `mapstructure:"max_plan_cost"`
}

// TransactionConfig represents the coordinator configuration.
type TransactionConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RoutingConfig represents placement configuration.
type RoutingConfig struct {
	VirtualNodes        int           `mapstructure:"virtual_nodes"`
	ReplicaCount        int           `mapstructure:"replica_count"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	LatencyThresholdMs  float64       `mapstructure:"latency_threshold_ms"`
	LoadFactorThreshold float64       `mapstructure:"load_factor_threshold"`
}

// RedisConfig represents the optional Redis client registry.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GossipConfig represents the optional gossip transport.
type GossipConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	BindPort  int      `mapstructure:"bind_port"`
	SeedNodes []string `mapstructure:"seed_nodes"`
}

// MetricsConfig represents Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "node-local",
			Region:          "us-east",
			Environment:     "development",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       1000,
			RateBurst:       2000,
		},
		Storage: StorageConfig{
			Backend:    "badger",
			DataDir:    "./data",
			SyncWrites: true,
		},
		Documents: DocumentsConfig{
			MaxDocBytes: 1048576,
			MaxBatch:    100,
		},
		Query: QueryConfig{
			MaxResults:      1000,
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			RetryBackoff:    100 * time.Millisecond,
			ContinueOnError: true,
			MaxPlanCost:     100,
		},
		Transaction: TransactionConfig{
			Timeout:      10 * time.Second,
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
		},
		Routing: RoutingConfig{
			VirtualNodes:        100,
			ReplicaCount:        2,
			HeartbeatTimeout:    30 * time.Second,
			LatencyThresholdMs:  100,
			LoadFactorThreshold: 0.8,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Gossip: GossipConfig{
			Enabled:  false,
			BindPort: 7946,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Storage.Backend != "badger" && c.Storage.Backend != "memory" {
		return errors.New("storage.backend must be badger or memory")
	}
	if c.Storage.Backend == "badger" && c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required for the badger backend")
	}
	if c.Documents.MaxDocBytes <= 0 {
		return errors.New("documents.max_doc_bytes must be positive")
	}
	if c.Routing.VirtualNodes <= 0 {
		return errors.New("routing.virtual_nodes must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}
