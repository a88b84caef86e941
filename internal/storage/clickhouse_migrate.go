package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/timeline-harvester/internal/logging"
)

// Placeholders expanded in ClickHouse migration files
const (
	stagingPlaceholder    = "${STAGING_TABLE}"
	productionPlaceholder = "${PRODUCTION_TABLE}"
	aggregatePlaceholder  = "${AGGREGATE_TABLE}"
)

// RunClickHouseMigrations applies every .sql file in migrationsPath in name order,
// with the table placeholders replaced by the configured warehouse tables.
// Statements must be idempotent (CREATE ... IF NOT EXISTS); there is no version table.
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, tables Tables, migrationsPath string) error {
	logger := logging.FromContext(ctx).WithField("migrations", migrationsPath)

	files, err := migrationFiles(migrationsPath)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Warn("No migration files found")
		return nil
	}

	expand := strings.NewReplacer(
		stagingPlaceholder, tables.Staging,
		productionPlaceholder, tables.Production,
		aggregatePlaceholder, tables.Aggregate,
	)

	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(migrationsPath, name)) // #nosec G304 - name comes from the migrations directory listing
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		fileLogger := logger.WithField("file", name)
		for i, stmt := range splitSQLStatements(expand.Replace(string(content))) {
			fileLogger.WithFields(map[string]interface{}{
				"statement": i + 1,
				"sql":       truncate(stmt, 80),
			}).Debug("Executing statement")

			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute statement %d in %s: %w", i+1, name, err)
			}
		}
		fileLogger.Info("Applied migration")
	}

	return nil
}

// migrationFiles lists the .sql files of dir in apply order
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitSQLStatements splits a migration file on statement-ending semicolons.
// Comment-only lines are dropped and the trailing semicolon is removed.
func splitSQLStatements(content string) []string {
	var (
		statements []string
		current    strings.Builder
	)

	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return statements
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
