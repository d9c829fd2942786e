package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache implements KeyValueCache on a shared Redis deployment, which makes it
// safe for cross-instance single-flight locking.
type redisCache struct {
	client redis.UniversalClient
}

// NewRedisCache creates a Redis backed cache.
func NewRedisCache(client redis.UniversalClient) KeyValueCache {
	return &redisCache{client: client}
}

// Get retrieves a value from Redis.
func (r *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

// Set issues SET key value EX ttl NX.
func (r *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes a key from Redis.
func (r *redisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// NewRedisClient builds a client from a redis:// URL, overriding password and db when set.
func NewRedisClient(url, password string, db int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}
	return redis.NewClient(opts), nil
}
