package media

import (
	"context"
	"time"

	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// MetadataCacheKey is the cache key of a single metadata row.
func MetadataCacheKey(id string) string {
	return cache.JoinKey("MediaMetadata", "id", id)
}

// MetadataQueryCacheKey is the cache key of a Find result. Field order does not matter.
func MetadataQueryCacheKey(query map[string]string) string {
	pairs := make([]string, 0, len(query))
	for k, v := range query {
		pairs = append(pairs, k+"="+v)
	}
	return cache.JoinKey("MediaMetadata", "query", cache.SortedJoin(pairs))
}

// CachedRepository serves reads from the shared cache and invalidates on delete.
type CachedRepository struct {
	Repository
	byID    *cache.Aside[string, *Metadata]
	byQuery *cache.Aside[map[string]string, []Metadata]
}

// NewCachedRepository wraps repo with cache-aside reads.
func NewCachedRepository(repo Repository, kv cache.KeyValueCache, ttl time.Duration, m *metrics.Metrics) *CachedRepository {
	return &CachedRepository{
		Repository: repo,
		byID: cache.NewAside(kv, cache.AsideConfig[string, *Metadata]{
			Purpose: "media_metadata",
			TTL:     ttl,
			Key:     MetadataCacheKey,
			Compute: repo.FindByID,
			Metrics: m,
		}),
		byQuery: cache.NewAside(kv, cache.AsideConfig[map[string]string, []Metadata]{
			Purpose: "media_query",
			TTL:     ttl,
			Key:     MetadataQueryCacheKey,
			Compute: repo.Find,
			Metrics: m,
		}),
	}
}

func (c *CachedRepository) FindByID(ctx context.Context, id string) (*Metadata, error) {
	return c.byID.Get(ctx, id)
}

func (c *CachedRepository) Find(ctx context.Context, query map[string]string) ([]Metadata, error) {
	if _, err := buildConditions(query); err != nil {
		return nil, err
	}
	return c.byQuery.Get(ctx, query)
}

// Delete removes the row and its by-id cache entry.
func (c *CachedRepository) Delete(ctx context.Context, id string) error {
	if err := c.Repository.Delete(ctx, id); err != nil {
		return err
	}
	return c.byID.Invalidate(ctx, id)
}

// Invalidate drops cached Find results for the given queries.
func (c *CachedRepository) Invalidate(ctx context.Context, queries ...map[string]string) error {
	for _, q := range queries {
		if err := c.byQuery.Invalidate(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
