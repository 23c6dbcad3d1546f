// Package sonar queries a SonarQube server for the open issues of a project.
package sonar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"go.uber.org/zap"
)

// ErrIssueFetch wraps every failure to obtain a complete issue snapshot:
// unreachable server, non-2xx status, malformed body.
var ErrIssueFetch = errors.New("issue fetch failed")

const (
	defaultPageSize    = 500
	defaultBaseBackoff = 500 * time.Millisecond
	maxResponseSize    = 64 << 20
	// SonarQube refuses to page past 10000 results.
	maxResults = 10000
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	ProjectKey string
	PageSize   int
	Timeout    time.Duration
	MaxRetries int
}

// Client lists open issues through the web API.
type Client struct {
	baseURL    string
	token      string
	projectKey string
	pageSize   int
	maxRetries int
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a Client. logger may be nil.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.ProjectKey == "" {
		return nil, fmt.Errorf("sonar project key required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid sonar base URL %q", cfg.BaseURL)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		projectKey: cfg.ProjectKey,
		pageSize:   pageSize,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("sonar"),
	}, nil
}

type searchResponse struct {
	Paging struct {
		PageIndex int `json:"pageIndex"`
		PageSize  int `json:"pageSize"`
		Total     int `json:"total"`
	} `json:"paging"`
	// older servers report the total at the top level only
	Total  int           `json:"total"`
	Issues []issue.Issue `json:"issues"`
}

// OpenIssues returns a snapshot of the project's open issues. The server is
// asked for OPEN issues only and the result is filtered again client-side.
// Every error wraps ErrIssueFetch.
func (c *Client) OpenIssues(ctx context.Context) ([]issue.Issue, error) {
	var all []issue.Issue

	for page := 1; ; page++ {
		resp, err := c.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}

		for _, iss := range resp.Issues {
			if iss.IsOpen() {
				all = append(all, iss)
			}
		}

		total := resp.Paging.Total
		if total == 0 {
			total = resp.Total
		}
		seen := page * c.pageSize
		if len(resp.Issues) == 0 || seen >= total || seen >= maxResults {
			break
		}
	}

	c.logger.Debug(ctx, "fetched open issues", zap.Int("count", len(all)))
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, page int) (*searchResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrIssueFetch, ctx.Err())
			}
		}

		resp, err := c.doRequest(ctx, page)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var re *retryableError
		if !errors.As(err, &re) {
			break
		}
		c.logger.Warn(ctx, "sonar request failed, retrying",
			zap.Int("page", page), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: page %d: %w", ErrIssueFetch, page, lastErr)
}

func (c *Client) doRequest(ctx context.Context, page int) (*searchResponse, error) {
	q := url.Values{}
	q.Set("componentKeys", c.projectKey)
	q.Set("statuses", issue.StatusOpen)
	q.Set("ps", strconv.Itoa(c.pageSize))
	q.Set("p", strconv.Itoa(page))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/issues/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, snippet(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status (%d): %s", resp.StatusCode, snippet(body))
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return &out, nil
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
