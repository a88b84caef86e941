package adapter

import (
	"context"

	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/types"
)

// PageFetcher returns one page of an account's feed
type PageFetcher interface {
	// FetchPage returns at most PageLimit() posts, newest first.
	// A nil beforeID requests the most recent page; otherwise only posts strictly
	// older than beforeID are returned.
	// Errors are TransientFetchError (rate limit, network, timeout, 5xx) or
	// PermanentFetchError (unknown, suspended or protected account).
	FetchPage(ctx context.Context, account types.Account, beforeID *string) ([]*models.RawPost, error)

	// PageLimit returns the maximum page size requested from the API
	PageLimit() int
}

// ResizableFetcher is a PageFetcher whose page size can be overridden for one run
type ResizableFetcher interface {
	PageFetcher
	// WithPageLimit returns a fetcher sharing this one's limiter and breaker but requesting limit posts per page
	WithPageLimit(limit int) PageFetcher
}
