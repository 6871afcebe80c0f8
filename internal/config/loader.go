package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file, then applies
// environment variable overrides, then validates.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err == nil {
			if err := v.Unmarshal(cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides.
// These take precedence over file values.
func applyEnvironmentOverrides(cfg *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port, ok := envInt("SERVER_PORT"); ok {
		cfg.Server.Port = port
	}
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if region := os.Getenv("NODE_REGION"); region != "" {
		cfg.Server.Region = region
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Server.Environment = env
	}
	if ms, ok := envInt("REQUEST_TIMEOUT_MS"); ok {
		cfg.Server.RequestTimeout = time.Duration(ms) * time.Millisecond
	}

	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}

	if n, ok := envInt("MAX_DOC_BYTES"); ok {
		cfg.Documents.MaxDocBytes = n
	}
	if n, ok := envInt("MAX_BATCH"); ok {
		cfg.Documents.MaxBatch = n
	}

	if n, ok := envInt("MAX_QUERY_RESULTS"); ok {
		cfg.Query.MaxResults = n
	}
	if n, ok := envInt("MAX_RETRIES"); ok {
		cfg.Query.MaxRetries = n
		cfg.Transaction.MaxRetries = n
	}
	if ms, ok := envInt("RETRY_BACKOFF_MS"); ok {
		cfg.Query.RetryBackoff = time.Duration(ms) * time.Millisecond
		cfg.Transaction.RetryBackoff = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := envInt("TRANSACTION_TIMEOUT_MS"); ok {
		cfg.Transaction.Timeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt("VIRTUAL_NODES_PER_PHYSICAL"); ok {
		cfg.Routing.VirtualNodes = n
	}
	if ms, ok := envFloat("LATENCY_THRESHOLD_MS"); ok {
		cfg.Routing.LatencyThresholdMs = ms
	}
	if f, ok := envFloat("LOAD_FACTOR_THRESHOLD"); ok {
		cfg.Routing.LoadFactorThreshold = f
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if seeds := os.Getenv("GOSSIP_SEEDS"); seeds != "" {
		cfg.Gossip.Enabled = true
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
	}
	if port, ok := envInt("GOSSIP_BIND_PORT"); ok {
		cfg.Gossip.BindPort = port
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
