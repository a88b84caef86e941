package service

import (
	"time"

	"github.com/timeline-harvester/internal/models"
)

// Normalize flattens one raw post into a load-ready record.
// Absent quoted or reposted sub-posts and an absent place map to nil.
func Normalize(post *models.RawPost, extractedAt time.Time) *models.NormalizedRecord {
	hashtags := make([]string, 0, len(post.Hashtags))
	hashtags = append(hashtags, post.Hashtags...)

	record := &models.NormalizedRecord{
		TweetID:        post.ID,
		Name:           post.User.Name,
		ScreenName:     post.User.ScreenName,
		RetweetCount:   post.RetweetCount,
		Text:           post.FullText,
		ExtractedAt:    extractedAt.UTC(),
		CreatedAt:      post.CreatedAt.UTC(),
		FavouriteCount: post.FavoriteCount,
		Hashtags:       hashtags,
		StatusCount:    post.User.StatusesCount,
		SourceDevice:   post.Source,
	}

	if post.Place != nil && post.Place.FullName != "" {
		record.Location = stringPtr(post.Place.FullName)
	}
	if rt := post.RetweetedStatus; rt != nil {
		record.RetweetText = stringPtr(rt.FullText)
	}
	if qt := post.QuotedStatus; qt != nil {
		record.QuoteText = stringPtr(qt.FullText)
		record.QuoteScreenName = stringPtr(qt.User.ScreenName)
	}

	return record
}

// NormalizeBatch normalizes posts in order, keeping the first occurrence of each tweet id
func NormalizeBatch(posts []*models.RawPost, extractedAt time.Time) []*models.NormalizedRecord {
	seen := make(map[string]struct{}, len(posts))
	records := make([]*models.NormalizedRecord, 0, len(posts))

	for _, post := range posts {
		if post == nil {
			continue
		}
		if _, dup := seen[post.ID]; dup {
			continue
		}
		seen[post.ID] = struct{}{}
		records = append(records, Normalize(post, extractedAt))
	}

	return records
}

func stringPtr(s string) *string {
	return &s
}
