package job

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/types"
)

// stubFetcher serves fixed newest-first feeds; accounts in errs always fail with that error
type stubFetcher struct {
	pageLimit int
	feeds     map[types.Account][]*models.RawPost
	errs      map[types.Account]error
}

func (f *stubFetcher) PageLimit() int { return f.pageLimit }

func (f *stubFetcher) FetchPage(ctx context.Context, account types.Account, beforeID *string) ([]*models.RawPost, error) {
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	feed := f.feeds[account]
	start := 0
	if beforeID != nil {
		before, _ := strconv.ParseUint(*beforeID, 10, 64)
		start = len(feed)
		for i, p := range feed {
			if id, _ := strconv.ParseUint(p.ID, 10, 64); id < before {
				start = i
				break
			}
		}
	}
	end := start + f.pageLimit
	if end > len(feed) {
		end = len(feed)
	}
	return feed[start:end], nil
}

// hourlyFeed builds a newest-first feed with one post per hour between newest and oldest
func hourlyFeed(account types.Account, idBase int, newest, oldest time.Time) []*models.RawPost {
	var feed []*models.RawPost
	i := 0
	for ts := newest; !ts.Before(oldest); ts = ts.Add(-time.Hour) {
		feed = append(feed, &models.RawPost{
			ID:        strconv.Itoa(idBase - i),
			User:      models.RawUser{Name: string(account), ScreenName: string(account)},
			FullText:  "post " + strconv.Itoa(i),
			CreatedAt: ts,
		})
		i++
	}
	return feed
}

// memWarehouse is an in-memory Warehouse with injectable stage errors
type memWarehouse struct {
	mu         sync.Mutex
	staging    []*models.NormalizedRecord
	production map[string]*models.NormalizedRecord
	aggregates int
	calls      []string
	countDelta int64
	verifyErr  error
	mergeErr   error
	stagingErr error
}

func newMemWarehouse() *memWarehouse {
	return &memWarehouse{production: make(map[string]*models.NormalizedRecord)}
}

func (w *memWarehouse) record(call string) {
	w.calls = append(w.calls, call)
}

func (w *memWarehouse) ReplaceStaging(ctx context.Context, batch []*models.NormalizedRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("staging")
	if w.stagingErr != nil {
		return w.stagingErr
	}
	w.staging = append([]*models.NormalizedRecord(nil), batch...)
	return nil
}

func (w *memWarehouse) CountStaging(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("count")
	return int64(len(w.staging)) + w.countDelta, nil
}

func (w *memWarehouse) VerifyProduction(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("verify")
	return w.verifyErr
}

func (w *memWarehouse) MergeAppend(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("merge")
	if w.mergeErr != nil {
		return 0, w.mergeErr
	}
	var n int64
	for _, r := range w.staging {
		if _, ok := w.production[r.TweetID]; !ok {
			w.production[r.TweetID] = r
			n++
		}
	}
	return n, nil
}

func (w *memWarehouse) RebuildAggregate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.record("aggregate")
	w.aggregates++
	return nil
}

// memLedger captures run reports
type memLedger struct {
	created   []models.RunReport
	completed []models.RunReport
}

func (l *memLedger) Create(ctx context.Context, run *models.RunReport) error {
	l.created = append(l.created, *run)
	return nil
}

func (l *memLedger) Complete(ctx context.Context, run *models.RunReport) error {
	l.completed = append(l.completed, *run)
	return nil
}

// stubLock fails every Acquire with err, or succeeds and counts releases
type stubLock struct {
	err      error
	releases int
}

func (l *stubLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	return func(context.Context) error {
		l.releases++
		return nil
	}, nil
}
