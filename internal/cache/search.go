// Package cache keeps recent search pages in Redis, keyed by the statement
// signature of the search that produced them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/observability"
)

const keyPrefix = "threatgraph:search:"

// SearchCache stores JSON-encoded search pages with a fixed TTL. Redis
// failures are logged and behave as misses. A nil *SearchCache is a
// disabled cache.
type SearchCache struct {
	redis   redis.UniversalClient
	ttl     time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewSearchCache(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger, metrics *observability.Metrics) *SearchCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SearchCache{
		redis:   client,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "search_cache")),
		metrics: metrics,
	}
}

// Key returns the Redis key of a search page.
func Key(entity, signature string) string {
	return keyPrefix + entity + ":" + signature
}

// Get decodes a cached page into dst and reports whether it was found.
func (c *SearchCache) Get(ctx context.Context, entity, signature string, dst any) bool {
	if c == nil {
		return false
	}
	b, err := c.redis.Get(ctx, Key(entity, signature)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("Search cache read failed", zap.String("entity", entity), zap.Error(err))
		}
		c.metrics.CacheLookup(entity, false)
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		c.logger.Warn("Discarding undecodable cache entry", zap.String("entity", entity), zap.Error(err))
		c.metrics.CacheLookup(entity, false)
		return false
	}
	c.metrics.CacheLookup(entity, true)
	return true
}

// Set stores a page.
func (c *SearchCache) Set(ctx context.Context, entity, signature string, page any) {
	if c == nil {
		return
	}
	b, err := json.Marshal(page)
	if err != nil {
		c.logger.Warn("Search page not cacheable", zap.String("entity", entity), zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, Key(entity, signature), b, c.ttl).Err(); err != nil {
		c.logger.Debug("Search cache write failed", zap.String("entity", entity), zap.Error(err))
	}
}

// Invalidate drops every cached page of an entity kind. Called after writes.
func (c *SearchCache) Invalidate(ctx context.Context, entity string) {
	if c == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, keyPrefix+entity+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Debug("Search cache scan failed", zap.String("entity", entity), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Debug("Search cache invalidation failed", zap.String("entity", entity), zap.Error(err))
	}
}
