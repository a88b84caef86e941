package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	duckdb "github.com/duckdb/duckdb-go/v2"

	"github.com/timeline-harvester/internal/config"
	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/models"
)

// DuckDBWarehouse implements Warehouse on an embedded DuckDB database.
// Used for local runs and tests; an empty path opens an in-memory database.
type DuckDBWarehouse struct {
	connector *duckdb.Connector
	db        *sql.DB
	tables    Tables
	logger    *logging.Logger
}

// NewDuckDBWarehouse opens the DuckDB database at cfg.Path
func NewDuckDBWarehouse(cfg *config.DuckDBConfig, tables Tables) (*DuckDBWarehouse, error) {
	connector, err := duckdb.NewConnector(cfg.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	return &DuckDBWarehouse{
		connector: connector,
		db:        db,
		tables:    tables,
		logger:    logging.GetGlobalLogger().WithField("component", "duckdb_warehouse"),
	}, nil
}

// Close closes the database and its connector
func (w *DuckDBWarehouse) Close() error {
	return w.db.Close()
}

// DB returns the underlying database handle
func (w *DuckDBWarehouse) DB() *sql.DB {
	return w.db
}

// EnsureSchema creates the staging, production and aggregate tables if absent
func (w *DuckDBWarehouse) EnsureSchema(ctx context.Context) error {
	defs := make([]string, len(recordColumns))
	for i, c := range recordColumns {
		defs[i] = c.name + " " + c.duckdb
	}
	recordDDL := strings.Join(defs, ",\n\t\t")

	statements := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t%s\n\t)", w.tables.Staging, recordDDL),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t%s,\n\t\tPRIMARY KEY (tweet_id)\n\t)", w.tables.Production, recordDDL),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		screen_name VARCHAR,
		name VARCHAR,
		tweet_date DATE,
		tweet_count UBIGINT,
		total_retweets BIGINT,
		total_favourites BIGINT,
		max_retweets BIGINT,
		max_favourites BIGINT
	)`, w.tables.Aggregate),
	}

	for _, stmt := range statements {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create warehouse schema: %w", err)
		}
	}
	return nil
}

// ReplaceStaging empties staging and appends the records through the DuckDB appender
func (w *DuckDBWarehouse) ReplaceStaging(ctx context.Context, batch []*models.NormalizedRecord) error {
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", w.tables.Staging)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", w.tables.Staging, err)
	}

	if len(batch) == 0 {
		w.logger.Info("Staging emptied, no records in batch")
		return nil
	}

	conn, err := w.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to get native connection: %w", err)
	}
	defer conn.Close()

	schema, table := splitDuckDBTable(w.tables.Staging)
	appender, err := duckdb.NewAppenderFromConn(conn, schema, table)
	if err != nil {
		return fmt.Errorf("failed to create staging appender: %w", err)
	}

	for _, r := range batch {
		if err := appender.AppendRow(driverValues(recordValues(r))...); err != nil {
			_ = appender.Close()
			return fmt.Errorf("failed to append tweet %s to staging: %w", r.TweetID, err)
		}
	}

	if err := appender.Close(); err != nil {
		return fmt.Errorf("failed to flush staging appender: %w", err)
	}

	w.logger.WithField("records", len(batch)).Info("Staging replaced")
	return nil
}

// CountStaging returns the staged row count
func (w *DuckDBWarehouse) CountStaging(ctx context.Context) (int64, error) {
	var n int64
	if err := w.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", w.tables.Staging)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", w.tables.Staging, err)
	}
	return n, nil
}

// VerifyProduction checks the production table against information_schema.columns
func (w *DuckDBWarehouse) VerifyProduction(ctx context.Context) error {
	schema, table := splitDuckDBTable(w.tables.Production)
	if schema == "" {
		schema = "main"
	}

	rows, err := w.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
	`, schema, table)
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
	if problems := compareColumns(actual, func(c column) string { return c.duckdb }); len(problems) > 0 {
		return errors.NewSchemaError(w.tables.Production, strings.Join(problems, "; "))
	}
	return nil
}

// MergeAppend inserts staged rows absent from production and returns how many were added
func (w *DuckDBWarehouse) MergeAppend(ctx context.Context) (int64, error) {
	cols := columnList()
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT %s FROM %s
		WHERE tweet_id NOT IN (SELECT tweet_id FROM %s)
	`, w.tables.Production, cols, cols, w.tables.Staging, w.tables.Production)

	res, err := w.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to append into %s: %w", w.tables.Production, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read appended row count: %w", err)
	}
	return n, nil
}

// RebuildAggregate replaces the aggregate table contents in one transaction
func (w *DuckDBWarehouse) RebuildAggregate(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin aggregate rebuild: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // nolint:errcheck // no-op after commit
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", w.tables.Aggregate)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", w.tables.Aggregate, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (screen_name, name, tweet_date, tweet_count, total_retweets, total_favourites, max_retweets, max_favourites)
		SELECT
			screen_name,
			max(name),
			CAST(created_at AS DATE) AS tweet_date,
			count(*),
			sum(retweet_count),
			sum(favourite_count),
			max(retweet_count),
			max(favourite_count)
		FROM %s
		GROUP BY screen_name, tweet_date
		ORDER BY screen_name, tweet_date
	`, w.tables.Aggregate, w.tables.Production)

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to rebuild %s: %w", w.tables.Aggregate, err)
	}

	return tx.Commit()
}

// ListAggregate returns aggregate rows, optionally for one screen name
func (w *DuckDBWarehouse) ListAggregate(ctx context.Context, screenName string) ([]*models.AggregateRow, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT screen_name, name, tweet_date, tweet_count, total_retweets, total_favourites, max_retweets, max_favourites
		FROM %s
		WHERE ? = '' OR screen_name = ?
		ORDER BY screen_name, tweet_date
	`, w.tables.Aggregate), screenName, screenName)
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

// CountProduction returns the production row count
func (w *DuckDBWarehouse) CountProduction(ctx context.Context) (int64, error) {
	var n int64
	if err := w.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", w.tables.Production)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", w.tables.Production, err)
	}
	return n, nil
}

func driverValues(values []interface{}) []driver.Value {
	out := make([]driver.Value, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func splitDuckDBTable(name string) (string, string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
