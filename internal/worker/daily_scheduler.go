// Package worker runs harvests on a daily schedule.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/job"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/retry"
	"github.com/timeline-harvester/internal/types"
)

// Runner executes one harvest run
type Runner interface {
	Run(ctx context.Context, input *job.RunInput) (*models.RunReport, error)
}

// DailyScheduler fires one harvest of the previous UTC day at a fixed hour each day
type DailyScheduler struct {
	runner        Runner
	hourUTC       int
	runRetries    int
	runRetryDelay time.Duration
	now           func() time.Time
	after         func(time.Duration) <-chan time.Time

	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	lastRunAt  time.Time
	lastReport *models.RunReport
	nextRunAt  time.Time
}

// DailySchedulerConfig holds configuration for a daily scheduler
type DailySchedulerConfig struct {
	Runner        Runner
	HourUTC       int           // hour of day the run fires, 0-23
	RunRetries    int           // whole-run retries after a failed stage
	RunRetryDelay time.Duration // delay between whole-run retries
}

// SchedulerStatus represents the scheduler state
type SchedulerStatus struct {
	Running    bool              `json:"running"`
	HourUTC    int               `json:"hourUtc"`
	NextRunAt  *time.Time        `json:"nextRunAt,omitempty"`
	LastRunAt  *time.Time        `json:"lastRunAt,omitempty"`
	LastReport *models.RunReport `json:"lastReport,omitempty"`
}

// NewDailyScheduler creates a new daily scheduler
func NewDailyScheduler(cfg *DailySchedulerConfig) (*DailyScheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.HourUTC < 0 || cfg.HourUTC > 23 {
		return nil, fmt.Errorf("hour must be within 0-23, got %d", cfg.HourUTC)
	}
	if cfg.RunRetries < 0 {
		cfg.RunRetries = 0
	}

	return &DailyScheduler{
		runner:        cfg.Runner,
		hourUTC:       cfg.HourUTC,
		runRetries:    cfg.RunRetries,
		runRetryDelay: cfg.RunRetryDelay,
		now:           time.Now,
		after:         time.After,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// NextRun returns the first fire time strictly after now
func (s *DailyScheduler) NextRun(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start begins the schedule loop
func (s *DailyScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("daily scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	logging.FromContext(ctx).WithField("hourUtc", s.hourUTC).Info("Starting daily harvest scheduler")

	go s.loop(ctx)
	return nil
}

// Stop gracefully stops the scheduler, waiting for an in-flight run
func (s *DailyScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("daily scheduler is not running")
	}
	s.mu.Unlock()

	logger := logging.FromContext(ctx)
	logger.Info("Stopping daily harvest scheduler")

	close(s.stopCh)

	select {
	case <-s.doneCh:
		logger.Info("Daily harvest scheduler stopped gracefully")
	case <-ctx.Done():
		logger.Warn("Daily harvest scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// loop waits for each fire time and runs the harvest
func (s *DailyScheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	logger := logging.FromContext(ctx)

	for {
		next := s.NextRun(s.now())
		s.mu.Lock()
		s.nextRunAt = next
		s.mu.Unlock()

		logger.WithField("nextRunAt", next.Format(time.RFC3339)).Debug("Waiting for next scheduled run")

		select {
		case <-ctx.Done():
			logger.Info("Scheduler context cancelled")
			return
		case <-s.stopCh:
			logger.Info("Scheduler stop signal received")
			return
		case <-s.after(next.Sub(s.now())):
			// an in-flight run is cancelled only through ctx, not Stop
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce runs the yesterday window now, retrying the whole run after a failed stage.
// An overlapping run, a schema failure or invalid input is not retried.
func (s *DailyScheduler) RunOnce(ctx context.Context) (*models.RunReport, error) {
	now := s.now()
	input := &job.RunInput{
		Window:  types.YesterdayWindow(now),
		Trigger: models.TriggerSchedule,
	}

	logger := logging.FromContext(ctx).WithField("window", input.Window.String())

	var report *models.RunReport
	cfg := &retry.RetryConfig{
		MaxAttempts:  s.runRetries + 1,
		InitialDelay: s.runRetryDelay,
		MaxDelay:     s.runRetryDelay,
		Multiplier:   1,
		Retryable:    retryableRun,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			}).WithError(err).Warn("Scheduled run failed, retrying")
		},
	}

	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		r, err := s.runner.Run(ctx, input)
		if r != nil {
			report = r
		}
		return err
	})

	s.mu.Lock()
	s.lastRunAt = now
	if report != nil {
		s.lastReport = report
	}
	s.mu.Unlock()

	if !result.Success {
		if stderrors.Is(result.LastError, errors.ErrRunInProgress) {
			logger.Warn("Skipping scheduled run, another run is in progress")
		} else {
			logger.WithError(result.LastError).WithField("attempts", result.Attempts).Error("Scheduled run failed")
		}
		return report, result.LastError
	}
	return report, nil
}

// retryableRun reports whether a failed run is worth repeating
func retryableRun(err error) bool {
	if stderrors.Is(err, errors.ErrRunInProgress) || errors.IsSchemaError(err) {
		return false
	}
	return !errors.IsUserError(err)
}

// GetStatus returns the current scheduler status
func (s *DailyScheduler) GetStatus() *SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &SchedulerStatus{
		Running:    s.running,
		HourUTC:    s.hourUTC,
		LastReport: s.lastReport,
	}
	if !s.nextRunAt.IsZero() {
		next := s.nextRunAt
		status.NextRunAt = &next
	}
	if !s.lastRunAt.IsZero() {
		last := s.lastRunAt
		status.LastRunAt = &last
	}
	return status
}
