package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/types"
)

// RunRepository persists harvest runs and their per-account outcomes in Postgres
type RunRepository struct {
	db *PostgresDB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *PostgresDB) *RunRepository {
	return &RunRepository{db: db}
}

// Create records a run that has just started
func (r *RunRepository) Create(ctx context.Context, run *models.RunReport) error {
	query := `
		INSERT INTO harvest_runs (id, trigger, status, min_date, max_date, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		run.RunID,
		run.Trigger,
		string(run.Status),
		run.Window.MinDate.Time(),
		run.Window.MaxDate.Time(),
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create harvest run: %w", err)
	}
	return nil
}

// Complete stores the final state of a run and its account outcomes in one transaction
func (r *RunRepository) Complete(ctx context.Context, run *models.RunReport) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	_, err = tx.Exec(ctx, `
		UPDATE harvest_runs
		SET status = $2, failed_stage = $3, error = $4, staged = $5, inserted = $6, completed_at = $7
		WHERE id = $1
	`,
		run.RunID,
		string(run.Status),
		string(run.FailedStage),
		run.Error,
		run.Staged,
		run.Inserted,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update harvest run: %w", err)
	}

	if len(run.Accounts) > 0 {
		batch := &pgx.Batch{}
		for _, a := range run.Accounts {
			batch.Queue(`
				INSERT INTO harvest_account_outcomes (run_id, account, status, pages, collected, truncated, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (run_id, account) DO UPDATE
				SET status = EXCLUDED.status, pages = EXCLUDED.pages, collected = EXCLUDED.collected,
					truncated = EXCLUDED.truncated, error = EXCLUDED.error
			`, run.RunID, string(a.Account), string(a.Status), a.Pages, a.Collected, a.Truncated, a.Error)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to store account outcomes: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit harvest run: %w", err)
	}
	return nil
}

const runColumns = `id::text, trigger, status, min_date, max_date, failed_stage, error, staged, inserted, started_at, completed_at`

// Get retrieves a run with its account outcomes
func (r *RunRepository) Get(ctx context.Context, runID string) (*models.RunReport, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+runColumns+` FROM harvest_runs WHERE id = $1`, runID)

	run, err := scanRun(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("harvest run", runID)
		}
		return nil, fmt.Errorf("failed to get harvest run: %w", err)
	}

	accounts, err := r.listOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Accounts = accounts

	return run, nil
}

// List returns the most recent runs, newest first, without account outcomes
func (r *RunRepository) List(ctx context.Context, limit int) ([]*models.RunReport, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+runColumns+` FROM harvest_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list harvest runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunReport
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan harvest run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating harvest runs: %w", err)
	}

	return runs, nil
}

func (r *RunRepository) listOutcomes(ctx context.Context, runID string) ([]models.AccountOutcome, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT account, status, pages, collected, truncated, error
		FROM harvest_account_outcomes
		WHERE run_id = $1
		ORDER BY account
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list account outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.AccountOutcome
	for rows.Next() {
		var (
			o       models.AccountOutcome
			account string
			status  string
		)
		if err := rows.Scan(&account, &status, &o.Pages, &o.Collected, &o.Truncated, &o.Error); err != nil {
			return nil, fmt.Errorf("failed to scan account outcome: %w", err)
		}
		o.Account = types.Account(account)
		o.Status = types.AccountStatus(status)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func scanRun(row pgx.Row) (*models.RunReport, error) {
	var (
		run         models.RunReport
		status      string
		failedStage string
		minDate     time.Time
		maxDate     time.Time
	)

	err := row.Scan(
		&run.RunID,
		&run.Trigger,
		&status,
		&minDate,
		&maxDate,
		&failedStage,
		&run.Error,
		&run.Staged,
		&run.Inserted,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	run.FailedStage = types.Stage(failedStage)
	run.Window = types.ExtractionWindow{MinDate: types.DateOf(minDate), MaxDate: types.DateOf(maxDate)}
	return &run, nil
}
