package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

const userAgent = "sonar-tools/1.0"

// Client talks to one SonarQube or SonarCloud instance through the
// middleware chain. All calls go through request, which maps non-2xx
// responses and transport failures onto APIError.
type Client struct {
	settings     *config.ServerSettings
	httpClient   *http.Client
	retry        *retryTransport
	rateLimiter  *RateLimiter
	breaker      *Breaker
	logger       Logger
	metrics      MetricsCollector
	baseURL      string
	authHeader   string
	organization string

	mu    sync.RWMutex
	stats ClientStats
}

func NewClient(settings *config.ServerSettings, logger Logger, metrics MetricsCollector) (*Client, error) {
	if settings == nil {
		return nil, fmt.Errorf("server settings are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if settings.URL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if settings.Token == "" {
		return nil, fmt.Errorf("token is required")
	}

	baseURL, err := normalizeBaseURL(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	c := &Client{
		settings:     settings,
		logger:       logger,
		metrics:      metrics,
		baseURL:      baseURL,
		organization: settings.Organization,
		// Token-as-login basic auth: the token is the username, the
		// password stays empty.
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(settings.Token+":")),
	}

	retry, rateLimiter, breaker := buildTransportChain(settings, metrics)
	c.retry = retry
	c.rateLimiter = rateLimiter
	c.breaker = breaker

	if breaker != nil {
		breaker.OnStateChange(func(from, to BreakerState) {
			logger.Warn("breaker state changed",
				"from", from.String(),
				"to", to.String())
			c.mu.Lock()
			if to == BreakerOpen {
				c.stats.BreakerTrips++
			}
			c.mu.Unlock()
		})
	}

	timeout := settings.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c.httpClient = &http.Client{
		Transport: retry,
		Timeout:   timeout,
	}

	return c, nil
}

func normalizeBaseURL(rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("URL must include a host")
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

// BaseURL returns the server root, without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Organization returns the SonarCloud organization, empty on SonarQube.
func (c *Client) Organization() string {
	return c.organization
}

// WebURL builds a browsable link to a page on the server, for audit output.
func (c *Client) WebURL(path string, params url.Values) string {
	u := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Get performs a GET against an api endpoint like "api/projects/search" and
// decodes the JSON response into out when out is non-nil.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	resp, err := c.request(ctx, http.MethodGet, endpoint, params, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{
			Kind:          KindTransport,
			OriginalError: err,
			Endpoint:      endpoint,
			Message:       fmt.Sprintf("failed to decode response: %v", err),
			Retryable:     false,
			Timestamp:     time.Now(),
		}
	}
	return nil
}

// Post performs a form-encoded POST, the write verb of the Web API. The
// response body is discarded.
func (c *Client) Post(ctx context.Context, endpoint string, params url.Values) error {
	return c.PostJSON(ctx, endpoint, params, nil)
}

// PostJSON performs a form-encoded POST and decodes the JSON response into
// out when out is non-nil, for create endpoints that echo the new object.
func (c *Client) PostJSON(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	resp, err := c.request(ctx, http.MethodPost, endpoint, nil, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{
			Kind:          KindTransport,
			OriginalError: err,
			Endpoint:      endpoint,
			Message:       fmt.Sprintf("failed to decode response: %v", err),
			Retryable:     false,
			Timestamp:     time.Now(),
		}
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, query url.Values, form url.Values) (*http.Response, error) {
	start := time.Now()

	fullURL := c.baseURL + "/" + strings.TrimPrefix(endpoint, "/")
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, NewAPIError(err, endpoint)
	}

	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)

	duration := time.Since(start)
	c.updateStats(duration, resp, err)

	if c.metrics != nil {
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		c.metrics.RecordRequest(method, endpoint, duration, statusCode)
		if err != nil {
			c.metrics.RecordError(method, endpoint, GetKind(err).String())
		}
	}

	if err != nil {
		// http.Client wraps RoundTripper errors in *url.Error; unwrap so
		// callers see the APIError the middleware produced.
		if urlErr, ok := err.(*url.Error); ok {
			if apiErr, ok := urlErr.Err.(*APIError); ok {
				apiErr.Endpoint = endpoint
				return nil, apiErr
			}
			err = urlErr.Err
		}
		if apiErr, ok := err.(*APIError); ok {
			apiErr.Endpoint = endpoint
			return nil, apiErr
		}
		return nil, NewAPIError(err, endpoint)
	}

	return resp, nil
}

func (c *Client) updateStats(duration time.Duration, resp *http.Response, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalRequests++
	c.stats.LastActivity = time.Now()

	if err == nil && resp != nil && resp.StatusCode < 400 {
		c.stats.SuccessfulRequests++
	} else {
		c.stats.FailedRequests++
		if IsRateLimited(err) {
			c.stats.RateLimitHits++
		}
	}

	totalLatency := c.stats.AverageLatency*time.Duration(c.stats.TotalRequests-1) + duration
	c.stats.AverageLatency = totalLatency / time.Duration(c.stats.TotalRequests)
}

func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// SystemStatus is the payload of api/system/status.
type SystemStatus struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// CheckConnectivity verifies the server answers and the token is accepted.
// Commands call it once before fanning work out.
func (c *Client) CheckConnectivity(ctx context.Context) (*SystemStatus, error) {
	var status SystemStatus
	if err := c.Get(ctx, "api/system/status", nil, &status); err != nil {
		return nil, err
	}

	c.logger.Info("connected to server",
		"url", c.baseURL,
		"version", status.Version,
		"status", status.Status)

	return &status, nil
}

// ServerVersion returns the server version string, like "10.4.1.88267".
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	status, err := c.CheckConnectivity(ctx)
	if err != nil {
		return "", err
	}
	return status.Version, nil
}

func (c *Client) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}
