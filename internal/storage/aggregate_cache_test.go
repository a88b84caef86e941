package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeline-harvester/internal/models"
)

// countingReader counts reads that reach the warehouse
type countingReader struct {
	inner AggregateReader
	reads int
}

func (r *countingReader) ListAggregate(ctx context.Context, screenName string) ([]*models.AggregateRow, error) {
	r.reads++
	return r.inner.ListAggregate(ctx, screenName)
}

func TestAggregateCache(t *testing.T) {
	w := newTestWarehouse(t)
	redis, mr := setupTestRedis(t)
	ctx := testContext(t)

	reader := &countingReader{inner: w}
	cache := NewAggregateCache(w, reader, redis, time.Minute)

	require.NoError(t, cache.ReplaceStaging(ctx, []*models.NormalizedRecord{
		record("1", "ewarren", day(23, 10), 1, 1),
		record("2", "ewarren", day(23, 11), 1, 1),
	}))
	_, err := cache.MergeAppend(ctx)
	require.NoError(t, err)
	require.NoError(t, cache.RebuildAggregate(ctx))

	first, err := cache.ListAggregate(ctx, "ewarren")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, uint64(2), first[0].TweetCount)

	second, err := cache.ListAggregate(ctx, "ewarren")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(2), second[0].TweetCount)
	assert.Equal(t, 1, reader.reads, "second read must be served from cache")
	assert.True(t, mr.Exists(aggregateKey("ewarren")))
	assert.Equal(t, time.Minute, mr.TTL(aggregateKey("ewarren")))

	t.Run("rebuild invalidates", func(t *testing.T) {
		require.NoError(t, cache.ReplaceStaging(ctx, []*models.NormalizedRecord{
			record("3", "ewarren", day(23, 12), 1, 1),
		}))
		_, err := cache.MergeAppend(ctx)
		require.NoError(t, err)
		require.NoError(t, cache.RebuildAggregate(ctx))
		assert.False(t, mr.Exists(aggregateKey("ewarren")))

		rows, err := cache.ListAggregate(ctx, "ewarren")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, uint64(3), rows[0].TweetCount)
		assert.Equal(t, 2, reader.reads)
	})

	t.Run("redis down falls through", func(t *testing.T) {
		mr.Close()

		rows, err := cache.ListAggregate(ctx, "ewarren")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 3, reader.reads)
	})
}
