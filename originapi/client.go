// Package originapi is the HTTP client for the tournament origin API, the
// last tier consulted by the tiered cache. Requests are rate limited and
// retried with exponential backoff on network errors, 429 and 5xx.
package originapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/metric"
	"github.com/ecologicaleaving/startapp-sub002/model"
	"github.com/ecologicaleaving/startapp-sub002/pkg/retry"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 8 << 20

// Client provides access to the origin REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metric.Metrics

	retry   retry.Config
	limiter *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a client for baseURL. An empty apiKey sends no
// Authorization header.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:  slog.Default(),
		retry:   retry.DefaultConfig(),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}

	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "originapi")
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetry replaces the retry policy. retry.Disabled() makes one attempt.
func WithRetry(cfg retry.Config) ClientOption {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithRateLimit allows rps requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTLSConfig dials the origin with cfg. A nil cfg keeps the default transport.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		if cfg == nil {
			return
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg
		c.httpClient.Transport = transport
	}
}

// WithMetrics counts requests by outcome.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("origin api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// GetTournamentListWithDetails returns the tournaments matching f. The
// filters are sent as query parameters exactly as given; nil sends none.
func (c *Client) GetTournamentListWithDetails(ctx context.Context, f *model.FilterOptions) ([]model.Tournament, error) {
	var out []model.Tournament
	if err := c.get(ctx, "/tournaments", f.Query(), &out); err != nil {
		return nil, errors.Wrap(err, "originapi", "GetTournamentListWithDetails", "list tournaments")
	}
	if out == nil {
		out = []model.Tournament{}
	}
	return out, nil
}

// GetMatches returns the matches of one tournament.
func (c *Client) GetMatches(ctx context.Context, tournamentNo string) ([]model.Match, error) {
	if tournamentNo == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "originapi", "GetMatches", "tournament number is empty")
	}
	var out []model.Match
	path := "/tournaments/" + url.PathEscape(tournamentNo) + "/matches"
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, errors.Wrap(err, "originapi", "GetMatches", "list matches")
	}
	if out == nil {
		out = []model.Match{}
	}
	return out, nil
}

// get performs a GET with rate limiting and retries and decodes the JSON body.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	policy := c.retry
	policy.Retryable = isRetryable
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Debug("Retrying origin request", "attempt", attempt, "backoff", delay, "path", path, "error", err)
	}

	body, err := retry.DoWithResult(ctx, policy, func(ctx context.Context) ([]byte, error) {
		return c.doRequest(ctx, http.MethodGet, path, query)
	})
	if err != nil {
		c.metrics.RecordOriginRequest("error")
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
			return errors.WrapInvalid(err, "originapi", "get", path)
		}
		return errors.WrapTransient(err, "originapi", "get", path)
	}

	if err := json.Unmarshal(body, result); err != nil {
		c.metrics.RecordOriginRequest("decode_error")
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidData, err), "originapi", "get", "decode "+path)
	}
	c.metrics.RecordOriginRequest("success")
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(errors.Join(errors.ErrRateLimited, err))
		}
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}
	return body, nil
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return !errors.Is(err, context.Canceled)
}
