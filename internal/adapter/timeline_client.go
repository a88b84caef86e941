package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/timeline-harvester/internal/circuitbreaker"
	"github.com/timeline-harvester/internal/errors"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/metrics"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/types"
)

// createdAtLayout is the v1.1 created_at format
const createdAtLayout = time.RubyDate

// API error codes that mean the account can never be fetched
var permanentAPICodes = map[int]string{
	34:  "page does not exist",
	50:  "user not found",
	63:  "user has been suspended",
	64:  "account suspended",
	179: "not authorized to see this status",
}

// TimelineClientConfig configures the timeline API client
type TimelineClientConfig struct {
	BaseURL           string
	BearerToken       string
	PageLimit         int
	RequestsPerSecond float64
	Timeout           time.Duration // per request
	HTTPClient        *http.Client
}

// TimelineClient fetches user timelines from the v1.1 statuses/user_timeline endpoint
type TimelineClient struct {
	baseURL     string
	bearerToken string
	pageLimit   int
	timeout     time.Duration
	client      *http.Client
	limiter     *rate.Limiter
	breaker     *circuitbreaker.CircuitBreaker
}

// NewTimelineClient creates a new timeline API client
func NewTimelineClient(cfg TimelineClientConfig) *TimelineClient {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = maxPageLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	breakerCfg := circuitbreaker.DefaultConfig("timeline-api")
	breakerCfg.IsFailure = errors.IsTransientFetch
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, string(to))
	}

	return &TimelineClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		bearerToken: cfg.BearerToken,
		pageLimit:   cfg.PageLimit,
		timeout:     cfg.Timeout,
		client:      httpClient,
		limiter:     rate.NewLimiter(limit, 1),
		breaker:     circuitbreaker.NewCircuitBreaker(breakerCfg),
	}
}

// PageLimit returns the maximum page size
func (c *TimelineClient) PageLimit() int {
	return c.pageLimit
}

// maxPageLimit is the largest count the endpoint honours
const maxPageLimit = 200

// WithPageLimit returns a copy requesting limit posts per page
func (c *TimelineClient) WithPageLimit(limit int) PageFetcher {
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	clone := *c
	clone.pageLimit = limit
	return &clone
}

// BreakerStats returns the client's circuit breaker statistics
func (c *TimelineClient) BreakerStats() *circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// FetchPage fetches one page of the account's timeline, newest first
func (c *TimelineClient) FetchPage(ctx context.Context, account types.Account, beforeID *string) ([]*models.RawPost, error) {
	params := url.Values{}
	params.Set("screen_name", account.String())
	params.Set("count", strconv.Itoa(c.pageLimit))
	params.Set("tweet_mode", "extended")
	params.Set("include_rts", "true")

	var before uint64
	if beforeID != nil {
		id, err := strconv.ParseUint(*beforeID, 10, 64)
		if err != nil {
			return nil, errors.NewPermanentFetchError(account.String(), fmt.Sprintf("invalid cursor %q", *beforeID))
		}
		if id <= 1 {
			return nil, nil
		}
		before = id
		// max_id is inclusive
		params.Set("max_id", strconv.FormatUint(id-1, 10))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.NewTransientFetchError(account.String(), 0, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var statuses []apiStatus
	err := c.breaker.Execute(reqCtx, func() error {
		var reqErr error
		statuses, reqErr = c.doRequest(reqCtx, account, c.baseURL+"/statuses/user_timeline.json?"+params.Encode())
		return reqErr
	})
	if err != nil {
		if errors.IsTransientFetch(err) || errors.IsPermanentFetch(err) {
			return nil, err
		}
		// open breaker or expired context
		return nil, errors.NewTransientFetchError(account.String(), 0, err)
	}

	posts := make([]*models.RawPost, 0, len(statuses))
	for i := range statuses {
		post, err := statuses[i].toRawPost()
		if err != nil {
			return nil, errors.NewPermanentFetchError(account.String(), err.Error())
		}
		if beforeID != nil {
			if id, _ := strconv.ParseUint(post.ID, 10, 64); id >= before {
				continue
			}
		}
		posts = append(posts, post)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"account": account.String(),
		"posts":   len(posts),
	}).Debug("Fetched timeline page")

	return posts, nil
}

// doRequest performs the HTTP call and classifies failures
func (c *TimelineClient) doRequest(ctx context.Context, account types.Account, reqURL string) ([]apiStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.NewPermanentFetchError(account.String(), fmt.Sprintf("failed to create request: %v", err))
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewTransientFetchError(account.String(), 0, fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransientFetchError(account.String(), resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(account, resp.StatusCode, body)
	}

	var statuses []apiStatus
	if err := json.Unmarshal(body, &statuses); err != nil {
		return nil, errors.NewTransientFetchError(account.String(), resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return statuses, nil
}

// classifyResponse maps a non-200 response to a transient or permanent fetch error
func classifyResponse(account types.Account, status int, body []byte) error {
	if code, msg, ok := apiErrorCode(body); ok {
		if reason, permanent := permanentAPICodes[code]; permanent {
			return errors.NewPermanentFetchError(account.String(), fmt.Sprintf("%s (code %d)", reason, code))
		}
		if code == 88 {
			return errors.NewTransientFetchError(account.String(), status, fmt.Errorf("rate limit exceeded: %s", msg))
		}
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.NewTransientFetchError(account.String(), status, fmt.Errorf("HTTP error: %d - %s", status, truncate(body, 256)))
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return errors.NewPermanentFetchError(account.String(), fmt.Sprintf("HTTP %d", status))
	default:
		return errors.NewPermanentFetchError(account.String(), fmt.Sprintf("unexpected HTTP %d", status))
	}
}

// apiErrorCode returns the first error code in a v1.1 error body
func apiErrorCode(body []byte) (int, string, bool) {
	var errResp struct {
		Errors []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &errResp) != nil || len(errResp.Errors) == 0 {
		return 0, "", false
	}
	return errResp.Errors[0].Code, errResp.Errors[0].Message, true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// --- Wire types ---

type apiUser struct {
	Name          string `json:"name"`
	ScreenName    string `json:"screen_name"`
	StatusesCount int64  `json:"statuses_count"`
}

type apiPlace struct {
	FullName string `json:"full_name"`
	Country  string `json:"country"`
}

type apiStatus struct {
	IDStr         string    `json:"id_str"`
	FullText      string    `json:"full_text"`
	Text          string    `json:"text"`
	CreatedAt     string    `json:"created_at"`
	User          apiUser   `json:"user"`
	RetweetCount  int64     `json:"retweet_count"`
	FavoriteCount int64     `json:"favorite_count"`
	Place         *apiPlace `json:"place"`
	Source        string    `json:"source"`
	Entities      struct {
		Hashtags []struct {
			Text string `json:"text"`
		} `json:"hashtags"`
	} `json:"entities"`
	RetweetedStatus *apiStatus `json:"retweeted_status"`
	QuotedStatus    *apiStatus `json:"quoted_status"`
}

func (s *apiStatus) toRawPost() (*models.RawPost, error) {
	if s.IDStr == "" {
		return nil, fmt.Errorf("status without id_str")
	}
	createdAt, err := time.Parse(createdAtLayout, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("status %s has malformed created_at %q", s.IDStr, s.CreatedAt)
	}

	text := s.FullText
	if text == "" {
		text = s.Text
	}

	post := &models.RawPost{
		ID:            s.IDStr,
		User:          models.RawUser{Name: s.User.Name, ScreenName: s.User.ScreenName, StatusesCount: s.User.StatusesCount},
		FullText:      text,
		RetweetCount:  s.RetweetCount,
		FavoriteCount: s.FavoriteCount,
		CreatedAt:     createdAt.UTC(),
		Source:        stripTags(s.Source),
	}
	for _, h := range s.Entities.Hashtags {
		post.Hashtags = append(post.Hashtags, h.Text)
	}
	if s.Place != nil {
		post.Place = &models.RawPlace{FullName: s.Place.FullName, Country: s.Place.Country}
	}
	// Nested statuses are best-effort; a malformed one is treated as absent.
	if s.RetweetedStatus != nil {
		if rt, err := s.RetweetedStatus.toRawPost(); err == nil {
			post.RetweetedStatus = rt
		}
	}
	if s.QuotedStatus != nil {
		if qt, err := s.QuotedStatus.toRawPost(); err == nil {
			post.QuotedStatus = qt
		}
	}
	return post, nil
}

// stripTags reduces the source anchor (<a href="...">Twitter for iPhone</a>) to its text
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
