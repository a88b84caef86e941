package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/types"
)

// feedFetcher serves pages from in-memory newest-first feeds keyed by account
type feedFetcher struct {
	mu        sync.Mutex
	pageLimit int
	feeds     map[types.Account][]*models.RawPost
	failures  map[types.Account][]error // popped one per call before serving
	calls     map[types.Account]int
}

func newFeedFetcher(pageLimit int) *feedFetcher {
	return &feedFetcher{
		pageLimit: pageLimit,
		feeds:     make(map[types.Account][]*models.RawPost),
		failures:  make(map[types.Account][]error),
		calls:     make(map[types.Account]int),
	}
}

func (f *feedFetcher) PageLimit() int { return f.pageLimit }

func (f *feedFetcher) FetchPage(ctx context.Context, account types.Account, beforeID *string) ([]*models.RawPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[account]++
	if errs := f.failures[account]; len(errs) > 0 {
		err := errs[0]
		f.failures[account] = errs[1:]
		if err != nil {
			return nil, err
		}
	}

	feed := f.feeds[account]
	start := 0
	if beforeID != nil {
		before, _ := strconv.ParseUint(*beforeID, 10, 64)
		start = len(feed)
		for i, p := range feed {
			id, _ := strconv.ParseUint(p.ID, 10, 64)
			if id < before {
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

func (f *feedFetcher) callCount(account types.Account) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[account]
}

// buildFeed creates a newest-first feed with one post per timestamp, ids descending
func buildFeed(account types.Account, timestamps []time.Time) []*models.RawPost {
	feed := make([]*models.RawPost, len(timestamps))
	for i, ts := range timestamps {
		feed[i] = &models.RawPost{
			ID:        strconv.Itoa(1_000_000 - i),
			User:      models.RawUser{Name: string(account), ScreenName: string(account), StatusesCount: int64(len(timestamps))},
			FullText:  "post " + strconv.Itoa(i),
			CreatedAt: ts,
		}
	}
	return feed
}

// dailyFeed builds a feed with perDay posts on every day from newest back to oldest
func dailyFeed(account types.Account, newest, oldest types.Date, perDay int) []*models.RawPost {
	var ts []time.Time
	for d := newest; !d.Before(oldest); d = d.AddDays(-1) {
		for i := 0; i < perDay; i++ {
			ts = append(ts, d.Time().Add(time.Duration(23-i)*time.Hour))
		}
	}
	return buildFeed(account, ts)
}
