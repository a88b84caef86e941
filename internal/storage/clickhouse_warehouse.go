package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/models"
)

// ClickHouseWarehouse implements Warehouse on ClickHouse.
// Production is a ReplacingMergeTree ordered by tweet_id, so a duplicate that slips
// past the anti-join collapses on merge.
type ClickHouseWarehouse struct {
	db     *ClickHouseDB
	tables Tables
	logger *logging.Logger
}

// NewClickHouseWarehouse creates a ClickHouse warehouse over the given tables
func NewClickHouseWarehouse(db *ClickHouseDB, tables Tables) *ClickHouseWarehouse {
	return &ClickHouseWarehouse{
		db:     db,
		tables: tables,
		logger: logging.GetGlobalLogger().WithField("component", "clickhouse_warehouse"),
	}
}

// ReplaceStaging truncates staging and batch-inserts the records
func (w *ClickHouseWarehouse) ReplaceStaging(ctx context.Context, batch []*models.NormalizedRecord) error {
	if err := w.db.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE IF EXISTS %s", w.tables.Staging)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", w.tables.Staging, err)
	}

	if len(batch) == 0 {
		w.logger.Info("Staging emptied, no records in batch")
		return nil
	}

	b, err := w.db.Conn().PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", w.tables.Staging, columnList()))
	if err != nil {
		return fmt.Errorf("failed to prepare staging batch: %w", err)
	}

	for _, r := range batch {
		if err := b.Append(recordValues(r)...); err != nil {
			_ = b.Abort()
			return fmt.Errorf("failed to append tweet %s to staging batch: %w", r.TweetID, err)
		}
	}

	if err := b.Send(); err != nil {
		return fmt.Errorf("failed to send staging batch: %w", err)
	}

	w.logger.WithField("records", len(batch)).Info("Staging replaced")
	return nil
}

// CountStaging returns the staged row count
func (w *ClickHouseWarehouse) CountStaging(ctx context.Context) (int64, error) {
	n, err := w.db.Count(ctx, fmt.Sprintf("SELECT count() FROM %s", w.tables.Staging))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", w.tables.Staging, err)
	}
	return int64(n), nil // #nosec G115 - row counts fit in int64
}

// VerifyProduction checks the production table against system.columns
func (w *ClickHouseWarehouse) VerifyProduction(ctx context.Context) error {
	database, table := splitTable(w.tables.Production)

	query := `
		SELECT name, type
		FROM system.columns
		WHERE database = if(? = '', currentDatabase(), ?) AND table = ?
	`
	rows, err := w.db.Conn().Query(ctx, query, database, database, table)
	if err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", w.tables.Production, err)
	}
	defer rows.Close()

	actual := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return fmt.Errorf("failed to scan column: %w", err)
		}
		actual[name] = typ
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", w.tables.Production, err)
	}

	if len(actual) == 0 {
		return errors.NewSchemaError(w.tables.Production, "table does not exist")
	}
	if problems := compareColumns(actual, func(c column) string { return c.clickhouse }); len(problems) > 0 {
		return errors.NewSchemaError(w.tables.Production, strings.Join(problems, "; "))
	}
	return nil
}

// MergeAppend inserts staged rows absent from production and returns how many were added
func (w *ClickHouseWarehouse) MergeAppend(ctx context.Context) (int64, error) {
	fresh := fmt.Sprintf(
		"FROM %s WHERE tweet_id NOT IN (SELECT tweet_id FROM %s)",
		w.tables.Staging, w.tables.Production,
	)

	n, err := w.db.Count(ctx, "SELECT count() "+fresh)
	if err != nil {
		return 0, fmt.Errorf("failed to count new rows: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	cols := columnList()
	query := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s %s", w.tables.Production, cols, cols, fresh)
	if err := w.db.Exec(ctx, query); err != nil {
		return 0, fmt.Errorf("failed to append into %s: %w", w.tables.Production, err)
	}

	return int64(n), nil // #nosec G115 - row counts fit in int64
}

// RebuildAggregate recomputes the aggregate from production into a scratch table,
// then exchanges it with the live one. The live table keeps its rows until the
// exchange, so a failed rebuild leaves it at its previous state.
func (w *ClickHouseWarehouse) RebuildAggregate(ctx context.Context) error {
	scratch := w.tables.Aggregate + rebuildSuffix

	if err := w.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", scratch)); err != nil {
		return fmt.Errorf("failed to drop leftover %s: %w", scratch, err)
	}
	if err := w.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", scratch, w.tables.Aggregate)); err != nil {
		return fmt.Errorf("failed to create %s: %w", scratch, err)
	}

	// FINAL folds any duplicate tweet_id not yet merged away
	query := fmt.Sprintf(`
		INSERT INTO %s (screen_name, name, tweet_date, tweet_count, total_retweets, total_favourites, max_retweets, max_favourites)
		SELECT
			screen_name,
			max(name),
			toDate(created_at) AS tweet_date,
			count(),
			sum(retweet_count),
			sum(favourite_count),
			max(retweet_count),
			max(favourite_count)
		FROM %s FINAL
		GROUP BY screen_name, tweet_date
		ORDER BY screen_name, tweet_date
	`, scratch, w.tables.Production)

	if err := w.db.Exec(ctx, query); err != nil {
		w.dropScratch(scratch)
		return fmt.Errorf("failed to rebuild %s: %w", w.tables.Aggregate, err)
	}

	if err := w.db.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", scratch, w.tables.Aggregate)); err != nil {
		w.dropScratch(scratch)
		return fmt.Errorf("failed to swap in rebuilt %s: %w", w.tables.Aggregate, err)
	}

	// scratch now holds the previous aggregate
	w.dropScratch(scratch)
	return nil
}

// rebuildSuffix names the scratch table an aggregate is rebuilt into
const rebuildSuffix = "_rebuild"

// dropScratch removes the scratch table; a leftover is dropped by the next rebuild
func (w *ClickHouseWarehouse) dropScratch(scratch string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", scratch)); err != nil {
		w.logger.WithError(err).WithField("table", scratch).Warn("Failed to drop scratch aggregate table")
	}
}

// ListAggregate returns aggregate rows, optionally for one screen name
func (w *ClickHouseWarehouse) ListAggregate(ctx context.Context, screenName string) ([]*models.AggregateRow, error) {
	query := fmt.Sprintf(`
		SELECT screen_name, name, tweet_date, tweet_count, total_retweets, total_favourites, max_retweets, max_favourites
		FROM %s
		WHERE ? = '' OR screen_name = ?
		ORDER BY screen_name, tweet_date
	`, w.tables.Aggregate)

	rows, err := w.db.Conn().Query(ctx, query, screenName, screenName)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", w.tables.Aggregate, err)
	}
	defer rows.Close()

	var result []*models.AggregateRow
	for rows.Next() {
		var row models.AggregateRow
		if err := rows.Scan(
			&row.ScreenName,
			&row.Name,
			&row.TweetDate,
			&row.TweetCount,
			&row.TotalRetweets,
			&row.TotalFavourites,
			&row.MaxRetweets,
			&row.MaxFavourites,
		); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		result = append(result, &row)
	}
	return result, rows.Err()
}

// splitTable splits a possibly qualified table name; the database is empty when unqualified
func splitTable(name string) (database, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
