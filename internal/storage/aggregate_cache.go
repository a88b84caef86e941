package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/models"
)

// aggregateKeyPrefix namespaces cached aggregate reads
const aggregateKeyPrefix = "harvest:aggregate:"

// AggregateCache wraps a warehouse so aggregate reads are served from Redis.
// Every successful RebuildAggregate drops the cached reads.
type AggregateCache struct {
	Warehouse
	reader AggregateReader
	redis  *RedisCache
	ttl    time.Duration
	logger *logging.Logger
}

// NewAggregateCache creates an aggregate cache over w, reading misses from reader
func NewAggregateCache(w Warehouse, reader AggregateReader, redis *RedisCache, ttl time.Duration) *AggregateCache {
	return &AggregateCache{
		Warehouse: w,
		reader:    reader,
		redis:     redis,
		ttl:       ttl,
		logger:    logging.GetGlobalLogger().WithField("component", "aggregate_cache"),
	}
}

// aggregateKey returns the cache key for one screen name, or all of them
// Format: harvest:aggregate:<screen_name|*all>
func aggregateKey(screenName string) string {
	if screenName == "" {
		return aggregateKeyPrefix + "*all"
	}
	return aggregateKeyPrefix + strings.ToLower(screenName)
}

// RebuildAggregate rebuilds through the wrapped warehouse, then invalidates
func (c *AggregateCache) RebuildAggregate(ctx context.Context) error {
	if err := c.Warehouse.RebuildAggregate(ctx); err != nil {
		return err
	}
	if err := c.Invalidate(ctx); err != nil {
		// stale reads expire with the TTL
		c.logger.WithError(err).Warn("Failed to invalidate aggregate cache")
	}
	return nil
}

// ListAggregate returns cached rows when present. Redis failures fall through to the warehouse.
func (c *AggregateCache) ListAggregate(ctx context.Context, screenName string) ([]*models.AggregateRow, error) {
	key := aggregateKey(screenName)

	data, err := c.redis.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rows []*models.AggregateRow
		if err := json.Unmarshal(data, &rows); err == nil {
			return rows, nil
		}
		c.logger.WithField("key", key).Warn("Discarding unreadable cached aggregate")
	case !stderrors.Is(err, redis.Nil):
		c.logger.WithError(err).Warn("Aggregate cache read failed")
	}

	rows, err := c.reader.ListAggregate(ctx, screenName)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(rows); err != nil {
		c.logger.WithError(err).Warn("Failed to encode aggregate rows")
	} else if err := c.redis.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Aggregate cache write failed")
	}

	return rows, nil
}

// Invalidate removes every cached aggregate read
func (c *AggregateCache) Invalidate(ctx context.Context) error {
	var keys []string
	iter := c.redis.client.Scan(ctx, 0, aggregateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan aggregate keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}
	return c.redis.client.Del(ctx, keys...).Err()
}
