package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/timeline-harvester/internal/config"
	"github.com/timeline-harvester/internal/models"
)

// Warehouse is the storage boundary of a harvest run. Each method is one pipeline stage.
type Warehouse interface {
	// ReplaceStaging wholly replaces the staging table with batch. An empty batch empties it.
	ReplaceStaging(ctx context.Context, batch []*models.NormalizedRecord) error
	// CountStaging returns the number of rows currently staged
	CountStaging(ctx context.Context) (int64, error)
	// VerifyProduction fails with a schema error if the production table is missing or malformed
	VerifyProduction(ctx context.Context) error
	// MergeAppend appends staged rows whose tweet_id is not yet in production
	MergeAppend(ctx context.Context) (int64, error)
	// RebuildAggregate recomputes the daily aggregate from production
	RebuildAggregate(ctx context.Context) error
}

// AggregateReader reads the rebuilt daily aggregate
type AggregateReader interface {
	ListAggregate(ctx context.Context, screenName string) ([]*models.AggregateRow, error)
}

// Tables names the three warehouse tables
type Tables struct {
	Staging    string
	Production string
	Aggregate  string
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TablesFromConfig validates and returns the configured table names
func TablesFromConfig(cfg *config.WarehouseConfig) (Tables, error) {
	t := Tables{
		Staging:    cfg.StagingTable,
		Production: cfg.ProductionTable,
		Aggregate:  cfg.AggregateTable,
	}
	for _, name := range []string{t.Staging, t.Production, t.Aggregate} {
		if !tableNamePattern.MatchString(name) {
			return Tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	if t.Staging == t.Production || t.Staging == t.Aggregate || t.Production == t.Aggregate {
		return Tables{}, fmt.Errorf("staging, production and aggregate tables must be distinct")
	}
	return t, nil
}

// column is one record column with its type as reported by each backend's catalog
type column struct {
	name       string
	clickhouse string
	duckdb     string
}

// recordColumns is the expected column set of the staging and production tables, in insert order
var recordColumns = []column{
	{"tweet_id", "String", "VARCHAR"},
	{"name", "String", "VARCHAR"},
	{"screen_name", "String", "VARCHAR"},
	{"retweet_count", "Int64", "BIGINT"},
	{"text", "String", "VARCHAR"},
	{"info_pulled_at", "DateTime64(3, 'UTC')", "TIMESTAMP"},
	{"created_at", "DateTime64(3, 'UTC')", "TIMESTAMP"},
	{"favourite_count", "Int64", "BIGINT"},
	{"hashtags", "Array(String)", "VARCHAR[]"},
	{"status_count", "Int64", "BIGINT"},
	{"location", "String", "VARCHAR"},
	{"source_device", "String", "VARCHAR"},
	{"retweet_text", "String", "VARCHAR"},
	{"quote_text", "String", "VARCHAR"},
	{"quote_screen_name", "String", "VARCHAR"},
}

// columnList returns the comma-separated record column names
func columnList() string {
	names := make([]string, len(recordColumns))
	for i, c := range recordColumns {
		names[i] = c.name
	}
	return strings.Join(names, ", ")
}

// recordValues flattens a record in recordColumns order, writing absent optionals as models.NoValue
func recordValues(r *models.NormalizedRecord) []interface{} {
	hashtags := r.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}
	return []interface{}{
		r.TweetID,
		r.Name,
		r.ScreenName,
		r.RetweetCount,
		r.Text,
		r.ExtractedAt.UTC(),
		r.CreatedAt.UTC(),
		r.FavouriteCount,
		hashtags,
		r.StatusCount,
		models.OrNone(r.Location),
		r.SourceDevice,
		models.OrNone(r.RetweetText),
		models.OrNone(r.QuoteText),
		models.OrNone(r.QuoteScreenName),
	}
}

// compareColumns checks actual catalog columns against the expected set.
// Extra columns are tolerated; missing or retyped ones are not.
func compareColumns(actual map[string]string, typeOf func(column) string) []string {
	var problems []string
	for _, c := range recordColumns {
		got, ok := actual[c.name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing column %s", c.name))
			continue
		}
		if want := typeOf(c); !strings.EqualFold(got, want) {
			problems = append(problems, fmt.Sprintf("column %s has type %s, want %s", c.name, got, want))
		}
	}
	return problems
}
