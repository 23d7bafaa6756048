// ABOUTME: Paginated fetcher for the Vanta vulnerabilities and remediations listings.
// ABOUTME: Walks cursor pages sequentially, honours 429 Retry-After, and hands each page to a callback.

package vanta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	httpretryafter "github.com/aereal/go-httpretryafter"
	"github.com/imroc/req/v3"
	"github.com/jfeddern/VulnLedger/internal/payload"
	"github.com/jfeddern/VulnLedger/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL    = "https://api.vanta.com"
	DefaultPageSize   = 100
	DefaultPageDelay  = 500 * time.Millisecond
	DefaultRetryAfter = 60 * time.Second
	DefaultTimeout    = 30 * time.Second

	VulnerabilitiesEndpoint = "/v1/vulnerabilities"
	RemediationsEndpoint    = "/v1/vulnerability-remediations"
)

// Filters are passed through as query parameters. Nil values are skipped.
type Filters map[string]any

// BatchFunc receives each non-empty page before the next page is requested.
// A returned error aborts the fetch.
type BatchFunc func(records []payload.Object) error

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client fetches paginated listings with a lazily authenticated Session.
type Client struct {
	http       *req.Client
	session    *Session
	logger     *logrus.Logger
	pageDelay  time.Duration
	retryAfter time.Duration
	sleep      SleepFunc
}

// Option customises a Client.
type Option func(*Client)

// WithPageDelay sets the pause applied after every successful page.
func WithPageDelay(d time.Duration) Option {
	return func(c *Client) { c.pageDelay = d }
}

// WithDefaultRetryAfter sets the wait used when a 429 carries no usable Retry-After.
func WithDefaultRetryAfter(d time.Duration) Option {
	return func(c *Client) { c.retryAfter = d }
}

// WithSleep replaces the wait used for page delays and rate-limit pauses.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithTokenEncoding selects the body encoding of the token request. The default is TokenJSON.
func WithTokenEncoding(enc TokenEncoding) Option {
	return func(c *Client) { c.session.encoding = enc }
}

// WithTimeout sets the per-request transport timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// NewClient creates a client for baseURL (scheme and host, without /v1).
func NewClient(baseURL string, creds types.Credentials, logger *logrus.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := req.C().
		SetBaseURL(baseURL).
		SetTimeout(DefaultTimeout).
		SetCommonHeader("Content-Type", "application/json")

	c := &Client{
		http:       httpClient,
		session:    NewSession(baseURL, creds, httpClient),
		logger:     logger,
		pageDelay:  DefaultPageDelay,
		retryAfter: DefaultRetryAfter,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session exposes the token session owned by the client.
func (c *Client) Session() *Session {
	return c.session
}

// FetchVulnerabilities walks every page of the vulnerabilities listing.
func (c *Client) FetchVulnerabilities(ctx context.Context, pageSize int, filters Filters, onBatch BatchFunc) ([]payload.Object, error) {
	return c.FetchAll(ctx, VulnerabilitiesEndpoint, pageSize, filters, onBatch)
}

// FetchRemediations walks every page of the vulnerability remediations listing.
func (c *Client) FetchRemediations(ctx context.Context, pageSize int, filters Filters, onBatch BatchFunc) ([]payload.Object, error) {
	return c.FetchAll(ctx, RemediationsEndpoint, pageSize, filters, onBatch)
}

type pageResponse struct {
	Results struct {
		Data     []payload.Object `json:"data"`
		PageInfo struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
	} `json:"results"`
}

// FetchAll requests endpoint page by page until pageInfo.hasNextPage is false and
// returns every record in page order. A 429 response pauses for Retry-After and
// repeats the same page request.
func (c *Client) FetchAll(ctx context.Context, endpoint string, pageSize int, filters Filters, onBatch BatchFunc) ([]payload.Object, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	log := c.logger.WithField("endpoint", endpoint)

	// Authenticate before the first page so credential problems surface immediately
	if _, err := c.session.Token(ctx); err != nil {
		return nil, err
	}

	var (
		records []payload.Object
		cursor  string
		page    int
	)

	for {
		token, err := c.session.Token(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetBearerAuthToken(token).
			SetQueryParams(pageParams(pageSize, filters, cursor)).
			Get(endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", endpoint, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := c.retryAfterDelay(resp.Header.Get("Retry-After"))
			log.WithFields(logrus.Fields{
				"page":        page + 1,
				"retry_after": wait.String(),
			}).Warn("Rate limit hit, waiting before retrying page")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		body, err := resp.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
		}

		var parsed pageResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode %s page: %w", endpoint, err)
		}

		page++
		batch := parsed.Results.Data
		records = append(records, batch...)

		log.WithFields(logrus.Fields{
			"page":    page,
			"records": len(batch),
			"total":   len(records),
		}).Debug("Fetched page")

		if onBatch != nil && len(batch) > 0 {
			if err := onBatch(batch); err != nil {
				return nil, fmt.Errorf("failed to process %s page %d: %w", endpoint, page, err)
			}
		}

		if err := c.sleep(ctx, c.pageDelay); err != nil {
			return nil, err
		}

		info := parsed.Results.PageInfo
		if !info.HasNextPage {
			break
		}
		if info.EndCursor == "" {
			return nil, fmt.Errorf("failed to fetch %s: page %d reports a next page without an end cursor", endpoint, page)
		}
		cursor = info.EndCursor
	}

	return records, nil
}

func pageParams(pageSize int, filters Filters, cursor string) map[string]string {
	params := map[string]string{"pageSize": strconv.Itoa(pageSize)}

	for k, v := range filters {
		if v != nil {
			params[k] = fmt.Sprint(v)
		}
	}

	if cursor != "" {
		params["pageCursor"] = cursor
	}
	return params
}

// retryAfterDelay reads delay-seconds or an HTTP date, falling back to the default.
func (c *Client) retryAfterDelay(header string) time.Duration {
	if header == "" {
		return c.retryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := httpretryafter.Parse(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
		return 0
	}
	return c.retryAfter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
