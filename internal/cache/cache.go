package cache

import (
	"context"
	"sync"
	"time"
)

// KeyValueCache is the primitive shared by caching and locking. Set is a conditional
// create: it never overwrites an existing, unexpired entry and reports whether it stored.
type KeyValueCache interface {
	// Get returns the value for key. A missing or expired key is not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key only if the key is absent. A ttl <= 0 never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// CacheEntry represents a cached item.
type CacheEntry struct {
	Value     string
	ExpiresAt time.Time // zero means no expiry
}

// expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Clock returns the current time.
type Clock func() time.Time

// DefaultSweepInterval bounds how often Set scans the whole map for expired entries.
const DefaultSweepInterval = time.Minute

// MemoryOption configures the in-memory backend.
type MemoryOption func(*memoryCache)

// WithClock overrides the time source used for expiry.
func WithClock(clock Clock) MemoryOption {
	return func(c *memoryCache) {
		c.now = clock
	}
}

// WithSweepInterval sets the minimum time between expired-entry sweeps.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *memoryCache) {
		c.sweepInterval = d
	}
}

// memoryCache is an in-process implementation of KeyValueCache. It is local to one
// instance and must not be used for cross-instance coordination.
type memoryCache struct {
	mu            sync.Mutex
	entries       map[string]*CacheEntry
	now           Clock
	sweepInterval time.Duration
	lastSweep     time.Time
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(opts ...MemoryOption) KeyValueCache {
	c := &memoryCache{
		entries:       make(map[string]*CacheEntry),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastSweep = c.now()
	return c
}

// Get retrieves a cached value, evicting it if expired.
func (c *memoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if entry.expired(c.now()) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.Value, true, nil
}

// Set stores value if key is absent or expired. Check and write happen under one lock.
func (c *memoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictExpiredLocked(now)
	if entry, ok := c.entries[key]; ok && !entry.expired(now) {
		return false, nil
	}

	entry := &CacheEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	c.entries[key] = entry
	return true, nil
}

// evictExpiredLocked removes expired entries, at most once per sweep interval (must be
// called with lock held). Keys that are never read again are reclaimed here.
func (c *memoryCache) evictExpiredLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.sweepInterval {
		return
	}
	c.lastSweep = now
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}

// Delete removes a key from the cache.
func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *memoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
