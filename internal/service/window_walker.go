package service

import (
	"context"
	"sync"
	"time"

	"github.com/timeline-harvester/internal/adapter"
	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/metrics"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/retry"
	"github.com/timeline-harvester/internal/types"
)

// DefaultMaxPages bounds pagination when no limit is configured
const DefaultMaxPages = 50

// WalkerConfig configures the window walker
type WalkerConfig struct {
	MaxPages    int                // Safety bound on pages fetched per account
	Concurrency int                // Accounts walked in parallel; 1 is sequential
	Retry       *retry.RetryConfig // Per-page retry policy for transient fetch errors
}

// AccountResult holds one account's outcome and the in-window posts it contributed
type AccountResult struct {
	Outcome models.AccountOutcome
	Posts   []*models.RawPost
}

// WalkResult holds the per-account results of a walk, in the order accounts were given
type WalkResult struct {
	Accounts []AccountResult
}

// Posts flattens the collected posts in account order
func (r *WalkResult) Posts() []*models.RawPost {
	n := 0
	for _, a := range r.Accounts {
		n += len(a.Posts)
	}
	posts := make([]*models.RawPost, 0, n)
	for _, a := range r.Accounts {
		posts = append(posts, a.Posts...)
	}
	return posts
}

// Outcomes returns the outcome of every account
func (r *WalkResult) Outcomes() []models.AccountOutcome {
	out := make([]models.AccountOutcome, len(r.Accounts))
	for i, a := range r.Accounts {
		out[i] = a.Outcome
	}
	return out
}

// WindowWalker collects the posts of each account that fall inside an extraction window
// by scanning the account's feed backwards one page at a time.
type WindowWalker struct {
	fetcher adapter.PageFetcher
	config  WalkerConfig
}

// NewWindowWalker creates a new window walker
func NewWindowWalker(fetcher adapter.PageFetcher, config WalkerConfig) *WindowWalker {
	if config.MaxPages <= 0 {
		config.MaxPages = DefaultMaxPages
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Retry == nil {
		config.Retry = retry.DefaultRetryConfig()
	}
	return &WindowWalker{fetcher: fetcher, config: config}
}

// Walk walks every account. Fetch errors are contained per account and never abort siblings.
func (w *WindowWalker) Walk(ctx context.Context, accounts []types.Account, window types.ExtractionWindow) *WalkResult {
	results := make([]AccountResult, len(accounts))

	if w.config.Concurrency == 1 || len(accounts) <= 1 {
		for i, account := range accounts {
			results[i] = w.WalkAccount(ctx, account, window)
		}
		return &WalkResult{Accounts: results}
	}

	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup
	for i, account := range accounts {
		wg.Add(1)
		go func(i int, account types.Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = w.WalkAccount(ctx, account, window)
		}(i, account)
	}
	wg.Wait()

	return &WalkResult{Accounts: results}
}

// WalkAccount walks a single account's feed newest-first.
//
// Each post is classified against the window: newer posts mark the upper boundary
// and are skipped, in-window posts are collected, and the first older post resolves
// the lower cursor and stops the walk. Otherwise the next page is requested with the
// oldest id of the current page. A short page means the feed is exhausted, and
// MaxPages bounds the walk on malformed or clock-skewed feeds.
func (w *WindowWalker) WalkAccount(ctx context.Context, account types.Account, window types.ExtractionWindow) AccountResult {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"account": account.String(),
		"window":  window.String(),
	})

	pageLimit := w.fetcher.PageLimit()
	outcome := models.AccountOutcome{Account: account, Status: types.AccountStatusOK}

	var (
		collected     []*models.RawPost
		upperBoundary *string
		lowerCursor   *string
		beforeID      *string
	)

	for {
		if outcome.Pages >= w.config.MaxPages {
			outcome.Truncated = true
			logger.WithField("maxPages", w.config.MaxPages).Warn("Max page bound reached before leaving the window")
			break
		}

		if err := ctx.Err(); err != nil {
			return w.finish(logger, outcome, nil, types.AccountStatusFailed, err)
		}

		page, err := w.fetchPage(ctx, account, beforeID)
		if err != nil {
			if errors.IsPermanentFetch(err) {
				return w.finish(logger, outcome, nil, types.AccountStatusSkipped, err)
			}
			return w.finish(logger, outcome, nil, types.AccountStatusFailed, err)
		}
		outcome.Pages++
		metrics.IncPage(account)

		for _, post := range page {
			id := post.ID
			switch window.Position(post.CreatedAt) {
			case types.PositionAbove:
				upperBoundary = &id
			case types.PositionInside:
				collected = append(collected, post)
				if upperBoundary == nil {
					upperBoundary = &id
				}
			case types.PositionBelow:
				lowerCursor = &id
			}
			if lowerCursor != nil {
				break
			}
		}

		if lowerCursor != nil || len(page) == 0 || len(page) < pageLimit {
			break
		}

		oldest := page[len(page)-1].ID
		beforeID = &oldest
	}

	logger.WithFields(map[string]interface{}{
		"pages":         outcome.Pages,
		"collected":     len(collected),
		"enteredWindow": upperBoundary != nil,
		"passedWindow":  lowerCursor != nil,
	}).Debug("Account walk finished")

	return w.finish(logger, outcome, collected, types.AccountStatusOK, nil)
}

// finish records the outcome. Skipped and failed accounts contribute no posts.
func (w *WindowWalker) finish(logger *logging.Logger, outcome models.AccountOutcome, posts []*models.RawPost, status types.AccountStatus, err error) AccountResult {
	outcome.Status = status
	if err != nil {
		outcome.Error = err.Error()
		switch status {
		case types.AccountStatusSkipped:
			logger.WithError(err).Warn("Skipping account after permanent fetch error")
		default:
			logger.WithError(err).Error("Account walk failed")
		}
	}
	if status != types.AccountStatusOK {
		posts = nil
	}
	outcome.Collected = len(posts)

	metrics.AddCollected(outcome.Account, len(posts))
	metrics.IncAccountOutcome(status)

	return AccountResult{Outcome: outcome, Posts: posts}
}

// fetchPage fetches one page, retrying transient errors per the retry policy
func (w *WindowWalker) fetchPage(ctx context.Context, account types.Account, beforeID *string) ([]*models.RawPost, error) {
	cfg := *w.config.Retry
	cfg.Retryable = errors.IsTransientFetch
	cfg.OnRetry = func(int, time.Duration, error) {
		metrics.IncFetchRetry(account)
	}

	var page []*models.RawPost
	result := retry.WithExponentialBackoff(ctx, &cfg, func(ctx context.Context, attempt int) error {
		var err error
		page, err = w.fetcher.FetchPage(ctx, account, beforeID)
		return err
	})
	if !result.Success {
		return nil, result.LastError
	}
	return page, nil
}
