package job

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timeline-harvester/internal/config"
	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/retry"
	"github.com/timeline-harvester/internal/storage"
	"github.com/timeline-harvester/internal/types"
)

var (
	runClock  = time.Date(2020, 2, 24, 1, 0, 0, 0, time.UTC)
	feb23     = types.NewDate(2020, time.February, 23)
	fastRetry = &retry.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
)

func testFetcher() *stubFetcher {
	return &stubFetcher{
		pageLimit: 10,
		feeds: map[types.Account][]*models.RawPost{
			// 24 posts on the 23rd, surrounded by posts on the 24th and the 22nd
			"ewarren": hourlyFeed("ewarren", 2_000_000,
				time.Date(2020, 2, 24, 5, 0, 0, 0, time.UTC),
				time.Date(2020, 2, 22, 0, 0, 0, 0, time.UTC)),
			// 13 posts, all on the 23rd, then the feed ends
			"amyklobuchar": hourlyFeed("amyklobuchar", 3_000_000,
				time.Date(2020, 2, 23, 12, 0, 0, 0, time.UTC),
				time.Date(2020, 2, 23, 0, 0, 0, 0, time.UTC)),
		},
		errs: map[types.Account]error{
			"berniesanders": errors.NewPermanentFetchError("berniesanders", "account suspended"),
		},
	}
}

func newTestJob(w storage.Warehouse, ledger RunLedger, lock RunLocker) *HarvestJob {
	j := NewHarvestJob(testFetcher(), w, ledger, lock, Defaults{
		Accounts:    []types.Account{"ewarren", "berniesanders", "amyklobuchar"},
		MaxPages:    50,
		Concurrency: 2,
		Retry:       fastRetry,
	})
	j.now = func() time.Time { return runClock }
	return j
}

func TestHarvestJob_SuspendedAccountDoesNotFailRun(t *testing.T) {
	w := newMemWarehouse()
	ledger := &memLedger{}
	lock := &stubLock{}
	j := newTestJob(w, ledger, lock)

	report, err := j.Run(context.Background(), &RunInput{Trigger: models.TriggerSchedule})
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, types.RunStatusSucceeded, report.Status)
	assert.True(t, report.Succeeded())
	assert.Empty(t, report.FailedStage)
	assert.Equal(t, "2020-02-23..2020-02-23", report.Window.String())
	assert.Equal(t, int64(37), report.Staged)
	assert.Equal(t, int64(37), report.Inserted)

	require.Len(t, report.Accounts, 3)
	assert.Equal(t, types.AccountStatusOK, report.Accounts[0].Status)
	assert.Equal(t, 24, report.Accounts[0].Collected)
	assert.Equal(t, types.AccountStatusSkipped, report.Accounts[1].Status)
	assert.Equal(t, 0, report.Accounts[1].Collected)
	assert.Contains(t, report.Accounts[1].Error, "suspended")
	assert.Equal(t, 13, report.Accounts[2].Collected)
	assert.Equal(t, 1, report.CountByStatus(types.AccountStatusSkipped))

	for _, r := range w.staging {
		assert.NotEqual(t, "berniesanders", r.ScreenName)
		assert.Equal(t, runClock, r.ExtractedAt)
		assert.True(t, feb23.Equal(types.DateOf(r.CreatedAt)))
	}

	assert.Equal(t, []string{"staging", "count", "verify", "merge", "aggregate"}, w.calls)
	assert.Equal(t, 1, lock.releases)

	require.Len(t, ledger.created, 1)
	require.Len(t, ledger.completed, 1)
	assert.Equal(t, types.RunStatusRunning, ledger.created[0].Status)
	assert.Equal(t, types.RunStatusSucceeded, ledger.completed[0].Status)
	assert.NotNil(t, ledger.completed[0].CompletedAt)
}

func TestHarvestJob_RerunInsertsNothing(t *testing.T) {
	w := newMemWarehouse()
	j := newTestJob(w, nil, nil)

	first, err := j.Run(context.Background(), nil)
	require.NoError(t, err)
	second, err := j.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(37), first.Inserted)
	assert.Equal(t, int64(0), second.Inserted)
	assert.Len(t, w.production, 37)
	assert.Equal(t, 2, w.aggregates)
}

func TestHarvestJob_StageFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(w *memWarehouse)
		stage     types.Stage
		wantCalls []string
	}{
		{
			name:      "staging load fails",
			setup:     func(w *memWarehouse) { w.stagingErr = stderrors.New("connection reset") },
			stage:     types.StageStaging,
			wantCalls: []string{"staging"},
		},
		{
			name:      "staging count mismatch",
			setup:     func(w *memWarehouse) { w.countDelta = -1 },
			stage:     types.StageStagingCheck,
			wantCalls: []string{"staging", "count"},
		},
		{
			name:      "production table missing",
			setup:     func(w *memWarehouse) { w.verifyErr = errors.NewSchemaError("tweets", "table does not exist") },
			stage:     types.StageSchemaGuard,
			wantCalls: []string{"staging", "count", "verify"},
		},
		{
			name:      "merge fails",
			setup:     func(w *memWarehouse) { w.mergeErr = stderrors.New("too many parts") },
			stage:     types.StageMerge,
			wantCalls: []string{"staging", "count", "verify", "merge"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newMemWarehouse()
			tt.setup(w)
			ledger := &memLedger{}
			j := newTestJob(w, ledger, nil)

			report, err := j.Run(context.Background(), nil)
			require.Error(t, err)
			require.NotNil(t, report)

			assert.Equal(t, types.RunStatusFailed, report.Status)
			assert.Equal(t, tt.stage, report.FailedStage)
			assert.NotEmpty(t, report.Error)
			assert.Equal(t, tt.wantCalls, w.calls)
			assert.Equal(t, 0, w.aggregates)

			var stageErr *errors.CategorizedError
			require.True(t, stderrors.As(err, &stageErr))
			assert.Equal(t, errors.CategoryStage, stageErr.Category)

			require.Len(t, ledger.completed, 1)
			assert.Equal(t, tt.stage, ledger.completed[0].FailedStage)
		})
	}
}

func TestHarvestJob_SchemaFailureIsDetectable(t *testing.T) {
	w := newMemWarehouse()
	w.verifyErr = errors.NewSchemaError("tweets", "missing column tweet_id")
	j := newTestJob(w, nil, nil)

	_, err := j.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsSchemaError(err))
}

func TestHarvestJob_CancelledBeforeFirstStage(t *testing.T) {
	w := newMemWarehouse()
	j := newTestJob(w, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := j.Run(ctx, nil)
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, types.StageWalk, report.FailedStage)
	assert.Empty(t, w.calls)
}

func TestHarvestJob_RunInProgress(t *testing.T) {
	j := newTestJob(newMemWarehouse(), nil, &stubLock{err: errors.ErrRunInProgress})

	report, err := j.Run(context.Background(), nil)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, errors.ErrRunInProgress)
}

func TestHarvestJob_ResolveInput(t *testing.T) {
	j := newTestJob(newMemWarehouse(), nil, nil)

	t.Run("defaults", func(t *testing.T) {
		in, err := j.ResolveInput(nil)
		require.NoError(t, err)
		assert.Len(t, in.Accounts, 3)
		assert.Equal(t, "2020-02-23..2020-02-23", in.Window.String())
		assert.Equal(t, 50, in.MaxPages)
		assert.Equal(t, models.TriggerManual, in.Trigger)
		assert.Same(t, fastRetry, in.Retry)
		assert.NotEmpty(t, in.RunID)
	})

	t.Run("caller run id kept", func(t *testing.T) {
		in, err := j.ResolveInput(&RunInput{RunID: "7b0c5a1e-3a43-4c2e-9a53-4d1f0c3b2e11"})
		require.NoError(t, err)
		assert.Equal(t, "7b0c5a1e-3a43-4c2e-9a53-4d1f0c3b2e11", in.RunID)
	})

	t.Run("explicit window", func(t *testing.T) {
		w, err := types.NewExtractionWindow(types.NewDate(2020, 2, 20), types.NewDate(2020, 2, 22))
		require.NoError(t, err)
		in, err := j.ResolveInput(&RunInput{Window: w, Accounts: []types.Account{"joebiden"}, MaxPages: 3})
		require.NoError(t, err)
		assert.Equal(t, w, in.Window)
		assert.Equal(t, []types.Account{"joebiden"}, in.Accounts)
		assert.Equal(t, 3, in.MaxPages)
	})

	t.Run("inverted window", func(t *testing.T) {
		_, err := j.ResolveInput(&RunInput{Window: types.ExtractionWindow{
			MinDate: types.NewDate(2020, 2, 23),
			MaxDate: types.NewDate(2020, 2, 20),
		}})
		require.Error(t, err)
		assert.Equal(t, 400, errors.GetHTTPStatusCode(err))
	})

	t.Run("no accounts", func(t *testing.T) {
		empty := NewHarvestJob(testFetcher(), newMemWarehouse(), nil, nil, Defaults{})
		_, err := empty.ResolveInput(nil)
		assert.Error(t, err)
	})
}

func TestHarvestJob_DuckDBEndToEnd(t *testing.T) {
	tables := storage.Tables{Staging: "stg_tweets", Production: "tweets", Aggregate: "tweets_daily"}
	w, err := storage.NewDuckDBWarehouse(&config.DuckDBConfig{}, tables)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.EnsureSchema(ctx))

	j := newTestJob(w, nil, nil)

	first, err := j.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(37), first.Inserted)

	second, err := j.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(37), second.Staged)
	assert.Equal(t, int64(0), second.Inserted)

	total, err := w.CountProduction(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(37), total)

	rows, err := w.ListAggregate(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "amyklobuchar", rows[0].ScreenName)
	assert.Equal(t, uint64(13), rows[0].TweetCount)
	assert.Equal(t, "ewarren", rows[1].ScreenName)
	assert.Equal(t, uint64(24), rows[1].TweetCount)
}

func TestDefaultsFromConfig(t *testing.T) {
	d := DefaultsFromConfig(&config.HarvestConfig{
		Accounts:          []types.Account{"ewarren"},
		MaxPages:          7,
		Concurrency:       3,
		RetryMaxAttempts:  4,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     5 * time.Second,
	})

	assert.Equal(t, []types.Account{"ewarren"}, d.Accounts)
	assert.Equal(t, 7, d.MaxPages)
	assert.Equal(t, 3, d.Concurrency)
	require.NotNil(t, d.Retry)
	assert.Equal(t, 4, d.Retry.MaxAttempts)
	assert.Equal(t, time.Second, d.Retry.InitialDelay)
	assert.Equal(t, 5*time.Second, d.Retry.MaxDelay)
}
