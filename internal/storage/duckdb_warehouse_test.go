package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeline-harvester/internal/config"
	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/models"
)

var testTables = Tables{Staging: "stg_tweets", Production: "tweets", Aggregate: "tweets_daily"}

// newTestWarehouse opens an in-memory DuckDB warehouse with its schema created
func newTestWarehouse(t *testing.T) *DuckDBWarehouse {
	t.Helper()

	w, err := NewDuckDBWarehouse(&config.DuckDBConfig{}, testTables)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.EnsureSchema(testContext(t)))
	return w
}

func record(id, screenName string, createdAt time.Time, retweets, favourites int64) *models.NormalizedRecord {
	return &models.NormalizedRecord{
		TweetID:        id,
		Name:           screenName + " name",
		ScreenName:     screenName,
		RetweetCount:   retweets,
		FavouriteCount: favourites,
		Text:           "text of " + id,
		ExtractedAt:    time.Date(2020, 2, 24, 1, 0, 0, 0, time.UTC),
		CreatedAt:      createdAt,
		Hashtags:       []string{"tag"},
		StatusCount:    100,
		SourceDevice:   "Twitter Web App",
	}
}

func day(d, hour int) time.Time {
	return time.Date(2020, 2, d, hour, 0, 0, 0, time.UTC)
}

func TestDuckDBWarehouse_ReplaceStaging(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := testContext(t)

	first := []*models.NormalizedRecord{
		record("1", "ewarren", day(23, 10), 1, 1),
		record("2", "ewarren", day(23, 11), 1, 1),
		record("3", "ewarren", day(23, 12), 1, 1),
	}
	require.NoError(t, w.ReplaceStaging(ctx, first))

	n, err := w.CountStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// a second replace holds only the new batch
	require.NoError(t, w.ReplaceStaging(ctx, first[:1]))
	n, err = w.CountStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// an empty batch empties staging
	require.NoError(t, w.ReplaceStaging(ctx, nil))
	n, err = w.CountStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDuckDBWarehouse_OptionalFieldsStoredAsNone(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := testContext(t)

	quoted := "quoted words"
	r := record("7", "joebiden", day(23, 9), 0, 0)
	r.QuoteText = &quoted
	require.NoError(t, w.ReplaceStaging(ctx, []*models.NormalizedRecord{r}))

	var retweetText, quoteText, location string
	err := w.DB().QueryRowContext(ctx,
		"SELECT retweet_text, quote_text, location FROM stg_tweets WHERE tweet_id = '7'",
	).Scan(&retweetText, &quoteText, &location)
	require.NoError(t, err)

	assert.Equal(t, models.NoValue, retweetText)
	assert.Equal(t, "quoted words", quoteText)
	assert.Equal(t, models.NoValue, location)
}

func TestDuckDBWarehouse_MergeAppendIsIdempotent(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := testContext(t)

	batch := []*models.NormalizedRecord{
		record("10", "amyklobuchar", day(23, 8), 5, 50),
		record("11", "amyklobuchar", day(23, 9), 6, 60),
	}
	require.NoError(t, w.ReplaceStaging(ctx, batch))

	inserted, err := w.MergeAppend(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	inserted, err = w.MergeAppend(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	total, err := w.CountProduction(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestDuckDBWarehouse_MergeSkipsExistingTweetID(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := testContext(t)

	original := record("42", "berniesanders", day(22, 20), 100, 1000)
	require.NoError(t, w.ReplaceStaging(ctx, []*models.NormalizedRecord{original}))
	_, err := w.MergeAppend(ctx)
	require.NoError(t, err)

	// a later run sees tweet 42 again with updated counts
	again := record("42", "berniesanders", day(22, 20), 999, 9999)
	require.NoError(t, w.ReplaceStaging(ctx, []*models.NormalizedRecord{again}))

	inserted, err := w.MergeAppend(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	var retweets int64
	require.NoError(t, w.DB().QueryRowContext(ctx, "SELECT retweet_count FROM tweets WHERE tweet_id = '42'").Scan(&retweets))
	assert.Equal(t, int64(100), retweets, "the first-loaded row is kept")
}

func TestDuckDBWarehouse_VerifyProduction(t *testing.T) {
	t.Run("valid schema", func(t *testing.T) {
		w := newTestWarehouse(t)
		assert.NoError(t, w.VerifyProduction(testContext(t)))
	})

	t.Run("missing table", func(t *testing.T) {
		w, err := NewDuckDBWarehouse(&config.DuckDBConfig{}, testTables)
		require.NoError(t, err)
		defer w.Close()

		err = w.VerifyProduction(testContext(t))
		require.Error(t, err)
		assert.True(t, errors.IsSchemaError(err))
	})

	t.Run("wrong column type", func(t *testing.T) {
		w, err := NewDuckDBWarehouse(&config.DuckDBConfig{}, testTables)
		require.NoError(t, err)
		defer w.Close()

		ctx := testContext(t)
		_, err = w.DB().ExecContext(ctx, "CREATE TABLE tweets (tweet_id VARCHAR, retweet_count VARCHAR)")
		require.NoError(t, err)

		err = w.VerifyProduction(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsSchemaError(err))
		assert.Contains(t, err.Error(), "retweet_count")
	})
}

func TestDuckDBWarehouse_RebuildAggregate(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := testContext(t)

	batch := []*models.NormalizedRecord{
		record("1", "ewarren", day(22, 10), 10, 100),
		record("2", "ewarren", day(23, 10), 20, 200),
		record("3", "ewarren", day(23, 15), 30, 300),
		record("4", "petebuttigieg", day(23, 9), 5, 50),
	}
	require.NoError(t, w.ReplaceStaging(ctx, batch))
	_, err := w.MergeAppend(ctx)
	require.NoError(t, err)

	require.NoError(t, w.RebuildAggregate(ctx))
	first, err := w.ListAggregate(ctx, "")
	require.NoError(t, err)
	require.Len(t, first, 3)

	got := first[1]
	assert.Equal(t, "ewarren", got.ScreenName)
	assert.Equal(t, "2020-02-23", got.TweetDate.Format("2006-01-02"))
	assert.Equal(t, uint64(2), got.TweetCount)
	assert.Equal(t, int64(50), got.TotalRetweets)
	assert.Equal(t, int64(500), got.TotalFavourites)
	assert.Equal(t, int64(30), got.MaxRetweets)
	assert.Equal(t, int64(300), got.MaxFavourites)

	// rebuilding from the same production state gives the same rows
	require.NoError(t, w.RebuildAggregate(ctx))
	second, err := w.ListAggregate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	pete, err := w.ListAggregate(ctx, "petebuttigieg")
	require.NoError(t, err)
	require.Len(t, pete, 1)
	assert.Equal(t, uint64(1), pete[0].TweetCount)
}

func TestDuckDBWarehouse_FailedRebuildKeepsAggregate(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := testContext(t)

	require.NoError(t, w.ReplaceStaging(ctx, []*models.NormalizedRecord{
		record("1", "ewarren", day(22, 10), 10, 100),
		record("2", "amyklobuchar", day(23, 10), 20, 200),
	}))
	_, err := w.MergeAppend(ctx)
	require.NoError(t, err)
	require.NoError(t, w.RebuildAggregate(ctx))

	before, err := w.ListAggregate(ctx, "")
	require.NoError(t, err)
	require.Len(t, before, 2)

	_, err = w.DB().ExecContext(ctx, "ALTER TABLE tweets DROP COLUMN retweet_count")
	require.NoError(t, err)
	require.Error(t, w.RebuildAggregate(ctx))

	after, err := w.ListAggregate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDuckDBWarehouse_FullCycleRerun(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := testContext(t)

	batch := make([]*models.NormalizedRecord, 0, 20)
	for i := 0; i < 20; i++ {
		batch = append(batch, record(fmt.Sprintf("%d", 500+i), "joebiden", day(23, i), int64(i), int64(i)))
	}

	for run := 0; run < 3; run++ {
		require.NoError(t, w.ReplaceStaging(ctx, batch))
		require.NoError(t, w.VerifyProduction(ctx))
		_, err := w.MergeAppend(ctx)
		require.NoError(t, err)
		require.NoError(t, w.RebuildAggregate(ctx))
	}

	total, err := w.CountProduction(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)

	rows, err := w.ListAggregate(ctx, "joebiden")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(20), rows[0].TweetCount)
}

func TestTablesFromConfig(t *testing.T) {
	_, err := TablesFromConfig(&config.WarehouseConfig{StagingTable: "stg", ProductionTable: "prod", AggregateTable: "agg"})
	assert.NoError(t, err)

	_, err = TablesFromConfig(&config.WarehouseConfig{StagingTable: "stg; DROP", ProductionTable: "prod", AggregateTable: "agg"})
	assert.Error(t, err)

	_, err = TablesFromConfig(&config.WarehouseConfig{StagingTable: "t", ProductionTable: "t", AggregateTable: "agg"})
	assert.Error(t, err)
}

func TestOpenWarehouse(t *testing.T) {
	cfg := &config.Config{
		Warehouse: config.WarehouseConfig{
			Backend:         config.WarehouseClickHouse,
			StagingTable:    "stg_tweets",
			ProductionTable: "tweets",
			AggregateTable:  "tweets_daily",
		},
	}
	ctx := testContext(t)

	t.Run("duckdb override creates schema", func(t *testing.T) {
		w, err := OpenWarehouse(ctx, cfg, config.WarehouseDuckDB)
		require.NoError(t, err)
		defer w.Close()

		assert.NoError(t, w.VerifyProduction(ctx))
		rows, err := w.ListAggregate(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := OpenWarehouse(ctx, cfg, "bigquery")
		assert.Error(t, err)
	})
}
