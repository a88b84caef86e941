package models

import (
	"time"
)

// NoValue is written to the warehouse in place of an absent optional field
const NoValue = "None"

// RawUser is the author block of a fetched post
type RawUser struct {
	Name          string `json:"name"`
	ScreenName    string `json:"screenName"`
	StatusesCount int64  `json:"statusesCount"`
}

// RawPlace is the geo place attached to a post, if any
type RawPlace struct {
	FullName string `json:"fullName"`
	Country  string `json:"country,omitempty"`
}

// RawPost is one post as returned by the timeline API, newest-first within a page
type RawPost struct {
	ID              string    `json:"id"`
	User            RawUser   `json:"user"`
	FullText        string    `json:"fullText"`
	RetweetCount    int64     `json:"retweetCount"`
	FavoriteCount   int64     `json:"favoriteCount"`
	CreatedAt       time.Time `json:"createdAt"`
	Hashtags        []string  `json:"hashtags,omitempty"`
	Place           *RawPlace `json:"place,omitempty"`
	Source          string    `json:"source"`
	RetweetedStatus *RawPost  `json:"retweetedStatus,omitempty"`
	QuotedStatus    *RawPost  `json:"quotedStatus,omitempty"`
}

// NormalizedRecord is the flat, load-ready form of one post. TweetID is the natural key.
type NormalizedRecord struct {
	TweetID         string    `json:"tweetId" ch:"tweet_id"`
	Name            string    `json:"name" ch:"name"`
	ScreenName      string    `json:"screenName" ch:"screen_name"`
	RetweetCount    int64     `json:"retweetCount" ch:"retweet_count"`
	Text            string    `json:"text" ch:"text"`
	ExtractedAt     time.Time `json:"extractedAt" ch:"info_pulled_at"`
	CreatedAt       time.Time `json:"createdAt" ch:"created_at"`
	FavouriteCount  int64     `json:"favouriteCount" ch:"favourite_count"`
	Hashtags        []string  `json:"hashtags" ch:"hashtags"`
	StatusCount     int64     `json:"statusCount" ch:"status_count"`
	Location        *string   `json:"location,omitempty" ch:"location"`
	SourceDevice    string    `json:"sourceDevice" ch:"source_device"`
	RetweetText     *string   `json:"retweetText,omitempty" ch:"retweet_text"`
	QuoteText       *string   `json:"quoteText,omitempty" ch:"quote_text"`
	QuoteScreenName *string   `json:"quoteScreenName,omitempty" ch:"quote_screen_name"`
}

// OrNone returns the value of an optional field or the NoValue sentinel
func OrNone(s *string) string {
	if s == nil {
		return NoValue
	}
	return *s
}

// FromNone maps a stored sentinel back to an absent optional field
func FromNone(s string) *string {
	if s == NoValue {
		return nil
	}
	return &s
}

// AggregateRow is one (account, day) rollup of the production table
type AggregateRow struct {
	ScreenName      string    `json:"screenName"`
	Name            string    `json:"name"`
	TweetDate       time.Time `json:"tweetDate"`
	TweetCount      uint64    `json:"tweetCount"`
	TotalRetweets   int64     `json:"totalRetweets"`
	TotalFavourites int64     `json:"totalFavourites"`
	MaxRetweets     int64     `json:"maxRetweets"`
	MaxFavourites   int64     `json:"maxFavourites"`
}
