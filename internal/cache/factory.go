package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/media-storage-gateway/internal/config"
)

// lockPrefix marks mutual-exclusion tokens written by SingleFlight.
const lockPrefix = "Lock:"

// NewKeyValueCache creates a cache backend based on configuration.
func NewKeyValueCache(cfg *config.CacheConfig, client redis.UniversalClient) (KeyValueCache, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return NewMemoryCache(), nil
	case "redis", "":
		if client == nil {
			return nil, fmt.Errorf("redis cache backend requires a redis client")
		}
		return NewRedisCache(client), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}

// LockKey derives the lock token key guarding key.
func LockKey(key string) string {
	return lockPrefix + key
}

// JoinKey builds a cache key from ordered parts.
func JoinKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// SortedJoin joins set-valued input in a stable order so equal sets map to the same key.
func SortedJoin(values []string) string {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
