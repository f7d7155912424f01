// Package cache is a Redis read-through cache for the engine's read-only
// queries. Mutations invalidate per-asset keys; a cold or dead Redis
// degrades to direct engine reads.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openreserve/reserved/internal/engine"
)

// Cache caches asset projections.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a cache on the given Redis address.
func New(addr string, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

func assetKey(assetID uint64) string {
	return fmt.Sprintf("asset:%d", assetID)
}

// GetAsset returns a cached asset projection, or false on miss or error.
func (c *Cache) GetAsset(ctx context.Context, assetID uint64) (engine.Asset, bool) {
	val, err := c.rdb.Get(ctx, assetKey(assetID)).Result()
	if err != nil {
		return engine.Asset{}, false
	}

	var asset engine.Asset
	if err := json.Unmarshal([]byte(val), &asset); err != nil {
		return engine.Asset{}, false
	}
	return asset, true
}

// PutAsset stores an asset projection. Errors are deliberately dropped;
// the cache is best-effort.
func (c *Cache) PutAsset(ctx context.Context, asset engine.Asset) {
	data, err := json.Marshal(asset)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, assetKey(asset.ID), data, c.ttl)
}

// InvalidateAsset drops the cached projection after a mutation.
func (c *Cache) InvalidateAsset(ctx context.Context, assetID uint64) {
	c.rdb.Del(ctx, assetKey(assetID))
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
