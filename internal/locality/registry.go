// Package locality tracks node locations and performance metrics and
// ranks candidate nodes for a given client.
package locality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientTTL is how long a client registration stays valid.
const ClientTTL = 24 * time.Hour

// ClientRegistry stores client locations for locality-biased routing.
// Entries expire after ClientTTL.
type ClientRegistry interface {
	Register(ctx context.Context, clientID, location string) error
	Lookup(ctx context.Context, clientID string) (string, bool)
}

type clientEntry struct {
	location string
	lastSeen time.Time
}

// MemoryClientRegistry keeps client registrations in process memory.
// Expired entries are swept lazily on Register.
type MemoryClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]clientEntry
	now     func() time.Time
}

// NewMemoryClientRegistry creates an empty in-memory registry.
func NewMemoryClientRegistry() *MemoryClientRegistry {
	return &MemoryClientRegistry{
		clients: make(map[string]clientEntry),
		now:     time.Now,
	}
}

// Register records the client's location and sweeps expired entries.
func (r *MemoryClientRegistry) Register(ctx context.Context, clientID, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, entry := range r.clients {
		if now.Sub(entry.lastSeen) > ClientTTL {
			delete(r.clients, id)
		}
	}
	r.clients[clientID] = clientEntry{location: location, lastSeen: now}
	return nil
}

// Lookup returns the client's location if the registration is current.
func (r *MemoryClientRegistry) Lookup(ctx context.Context, clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.clients[clientID]
	if !ok || r.now().Sub(entry.lastSeen) > ClientTTL {
		return "", false
	}
	return entry.location, true
}

// RedisClientRegistry stores client registrations in Redis, using the
// server-side TTL instead of lazy sweeps.
type RedisClientRegistry struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisClientRegistry connects to Redis and verifies the connection.
func NewRedisClientRegistry(addr, password string, db int, logger *zap.Logger) (*RedisClientRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClientRegistry{client: client, logger: logger}, nil
}

func clientKey(clientID string) string {
	return "client:" + clientID
}

// Register stores the location with the registration TTL.
func (r *RedisClientRegistry) Register(ctx context.Context, clientID, location string) error {
	return r.client.Set(ctx, clientKey(clientID), location, ClientTTL).Err()
}

// Lookup returns the client's location if present.
func (r *RedisClientRegistry) Lookup(ctx context.Context, clientID string) (string, bool) {
	location, err := r.client.Get(ctx, clientKey(clientID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.logger.Warn("Client lookup failed", zap.String("client_id", clientID), zap.Error(err))
		return "", false
	}
	return location, true
}

// Close releases the Redis connection.
func (r *RedisClientRegistry) Close() error {
	return r.client.Close()
}
