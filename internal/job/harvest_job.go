// Package job runs harvest pipelines end to end.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timeline-harvester/internal/adapter"
	"github.com/timeline-harvester/internal/config"
	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/metrics"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/retry"
	"github.com/timeline-harvester/internal/service"
	"github.com/timeline-harvester/internal/storage"
	"github.com/timeline-harvester/internal/types"
)

// bookkeepingTimeout bounds ledger writes and lock release after the run context is done
const bookkeepingTimeout = 10 * time.Second

// RunLedger records runs as they start and finish
type RunLedger interface {
	Create(ctx context.Context, run *models.RunReport) error
	Complete(ctx context.Context, run *models.RunReport) error
}

// RunLocker guards against overlapping runs
type RunLocker interface {
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

// RunInput parameterizes one harvest run. Zero fields take the job defaults.
type RunInput struct {
	Accounts  []types.Account        `json:"accounts,omitempty"`
	Window    types.ExtractionWindow `json:"window"` // zero means yesterday (UTC)
	PageLimit int                    `json:"pageLimit,omitempty"`
	MaxPages  int                    `json:"maxPages,omitempty"`
	Retry     *retry.RetryConfig     `json:"-"`
	Trigger   string                 `json:"trigger,omitempty"`
	RunID     string                 `json:"-"` // empty generates a new id
}

// Defaults are applied to RunInput fields left empty
type Defaults struct {
	Accounts    []types.Account
	MaxPages    int
	Concurrency int
	Retry       *retry.RetryConfig
}

// DefaultsFromConfig builds job defaults from the harvest configuration
func DefaultsFromConfig(cfg *config.HarvestConfig) Defaults {
	return Defaults{
		Accounts:    cfg.Accounts,
		MaxPages:    cfg.MaxPages,
		Concurrency: cfg.Concurrency,
		Retry: &retry.RetryConfig{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2.0,
		},
	}
}

// HarvestJob walks the configured accounts and drives the warehouse stages:
// walk, normalize, staging, staging check, schema guard, merge, aggregate.
// Each stage gates the next; a failed stage halts the run but keeps earlier side effects.
type HarvestJob struct {
	fetcher   adapter.PageFetcher
	warehouse storage.Warehouse
	ledger    RunLedger
	lock      RunLocker
	defaults  Defaults
	now       func() time.Time
}

// NewHarvestJob creates a harvest job. ledger and lock may be nil.
func NewHarvestJob(
	fetcher adapter.PageFetcher,
	warehouse storage.Warehouse,
	ledger RunLedger,
	lock RunLocker,
	defaults Defaults,
) *HarvestJob {
	return &HarvestJob{
		fetcher:   fetcher,
		warehouse: warehouse,
		ledger:    ledger,
		lock:      lock,
		defaults:  defaults,
		now:       time.Now,
	}
}

// ResolveInput fills defaults into input and validates it
func (j *HarvestJob) ResolveInput(input *RunInput) (*RunInput, error) {
	resolved := RunInput{}
	if input != nil {
		resolved = *input
	}

	if len(resolved.Accounts) == 0 {
		resolved.Accounts = j.defaults.Accounts
	}
	if len(resolved.Accounts) == 0 {
		return nil, errors.NewInvalidParameterError("accounts", "at least one account is required")
	}

	if resolved.Window.MinDate.IsZero() && resolved.Window.MaxDate.IsZero() {
		resolved.Window = types.YesterdayWindow(j.now())
	}
	if err := resolved.Window.Validate(); err != nil {
		return nil, errors.NewInvalidWindowError(resolved.Window.MinDate.String(), resolved.Window.MaxDate.String(), err.Error())
	}

	if resolved.PageLimit < 0 {
		return nil, errors.NewInvalidParameterError("pageLimit", "must not be negative")
	}
	if resolved.MaxPages <= 0 {
		resolved.MaxPages = j.defaults.MaxPages
	}
	if resolved.Retry == nil {
		resolved.Retry = j.defaults.Retry
	}
	if resolved.Trigger == "" {
		resolved.Trigger = models.TriggerManual
	}
	if resolved.RunID == "" {
		resolved.RunID = uuid.New().String()
	}

	return &resolved, nil
}

// Run executes one harvest run. On a stage failure it returns both the report,
// with FailedStage set, and the stage error. Validation and lock errors return no report.
func (j *HarvestJob) Run(ctx context.Context, input *RunInput) (*models.RunReport, error) {
	in, err := j.ResolveInput(input)
	if err != nil {
		return nil, err
	}

	if j.lock != nil {
		release, err := j.lock.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	report := &models.RunReport{
		RunID:     in.RunID,
		Window:    in.Window,
		Trigger:   in.Trigger,
		Status:    types.RunStatusRunning,
		StartedAt: j.now().UTC(),
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"runId":    report.RunID,
		"window":   report.Window.String(),
		"trigger":  report.Trigger,
		"accounts": len(in.Accounts),
	})
	ctx = logging.WithLogger(ctx, logger)
	logger.Info("Harvest run started")

	if j.ledger != nil {
		if err := j.ledger.Create(ctx, report); err != nil {
			logger.WithError(err).Warn("Failed to record run start")
		}
	}

	runErr := j.execute(ctx, in, report)
	j.complete(ctx, report)

	if runErr != nil {
		logger.WithFields(map[string]interface{}{
			"stage": string(report.FailedStage),
		}).WithError(runErr).Error("Harvest run failed")
		return report, runErr
	}

	logger.WithFields(map[string]interface{}{
		"staged":   report.Staged,
		"inserted": report.Inserted,
		"skipped":  report.CountByStatus(types.AccountStatusSkipped),
		"failed":   report.CountByStatus(types.AccountStatusFailed),
	}).Info("Harvest run succeeded")
	return report, nil
}

// execute runs the stages in order, filling report as they complete
func (j *HarvestJob) execute(ctx context.Context, in *RunInput, report *models.RunReport) error {
	fetcher := j.fetcher
	if in.PageLimit > 0 {
		if resizable, ok := fetcher.(adapter.ResizableFetcher); ok {
			fetcher = resizable.WithPageLimit(in.PageLimit)
		}
	}

	walker := service.NewWindowWalker(fetcher, service.WalkerConfig{
		MaxPages:    in.MaxPages,
		Concurrency: j.defaults.Concurrency,
		Retry:       in.Retry,
	})

	var (
		walked  *service.WalkResult
		records []*models.NormalizedRecord
	)

	stages := []struct {
		stage types.Stage
		run   func(ctx context.Context) error
	}{
		{types.StageWalk, func(ctx context.Context) error {
			walked = walker.Walk(ctx, in.Accounts, in.Window)
			report.Accounts = walked.Outcomes()
			return nil
		}},
		{types.StageNormalize, func(ctx context.Context) error {
			records = service.NormalizeBatch(walked.Posts(), j.now().UTC())
			return nil
		}},
		{types.StageStaging, func(ctx context.Context) error {
			if err := j.warehouse.ReplaceStaging(ctx, records); err != nil {
				return err
			}
			report.Staged = int64(len(records))
			return nil
		}},
		{types.StageStagingCheck, func(ctx context.Context) error {
			n, err := j.warehouse.CountStaging(ctx)
			if err != nil {
				return err
			}
			if n != int64(len(records)) {
				return fmt.Errorf("staging holds %d rows, expected %d", n, len(records))
			}
			return nil
		}},
		{types.StageSchemaGuard, j.warehouse.VerifyProduction},
		{types.StageMerge, func(ctx context.Context) error {
			inserted, err := j.warehouse.MergeAppend(ctx)
			if err != nil {
				return err
			}
			report.Inserted = inserted
			return nil
		}},
		{types.StageAggregate, j.warehouse.RebuildAggregate},
	}

	for _, s := range stages {
		// a stage that has started runs to completion; cancellation is honoured between stages
		if err := ctx.Err(); err != nil {
			return j.fail(report, s.stage, err)
		}

		start := time.Now()
		err := s.run(ctx)
		metrics.ObserveStage(s.stage, start)
		if err != nil {
			return j.fail(report, s.stage, err)
		}

		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"stage":    string(s.stage),
			"duration": time.Since(start).String(),
		}).Debug("Stage completed")
	}

	report.Status = types.RunStatusSucceeded
	return nil
}

// fail marks the run failed at stage and wraps the cause
func (j *HarvestJob) fail(report *models.RunReport, stage types.Stage, cause error) error {
	report.Status = types.RunStatusFailed
	report.FailedStage = stage
	report.Error = cause.Error()
	return errors.NewStageError(stage, cause)
}

// complete stamps the report and records it in metrics and the ledger
func (j *HarvestJob) complete(ctx context.Context, report *models.RunReport) {
	completedAt := j.now().UTC()
	report.CompletedAt = &completedAt

	metrics.RecordRun(report.Status, report.FailedStage, report.Inserted)

	if j.ledger == nil {
		return
	}
	ledgerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := j.ledger.Complete(ledgerCtx, report); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record run completion")
	}
}
