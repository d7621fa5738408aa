// Package cortex is a small client for the Cortex analysis-engine REST API.
package cortex

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// API is the subset of Cortex operations ta-cortex relies on.
type API interface {
	FindAllAnalyzers(ctx context.Context) ([]Analyzer, error)
	AnalyzersByType(ctx context.Context, dataType string) ([]Analyzer, error)
	AnalyzerByName(ctx context.Context, name string) (*Analyzer, error)
	AnalyzerByID(ctx context.Context, id string) (*Analyzer, error)
	RunAnalyzer(ctx context.Context, analyzerID string, obs Observable, force bool) (*Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	JobReport(ctx context.Context, jobID string) (*Report, error)
	WaitReport(ctx context.Context, jobID string, atMost time.Duration) (*Report, error)
	DeleteJob(ctx context.Context, jobID string) error
	Close()
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	VerifyTLS  bool
	Timeout    time.Duration
	RPS        int
	Burst      int
	MaxRetries int
	// Backoff is the first retry delay; it doubles per attempt up to ten seconds.
	Backoff time.Duration
	Logger  *log.Logger
}

// Client talks to one Cortex instance.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *log.Logger
	maxRetries int
	backoff    time.Duration

	mu      sync.RWMutex
	metrics ClientMetrics
}

// NewClient creates a client for opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("cortex base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse cortex base URL: %w", err)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("cortex API key is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RPS == 0 {
		opts.RPS = 10
	}
	if opts.Burst == 0 {
		opts.Burst = opts.RPS * 2
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff == 0 {
		opts.Backoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	tr := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     30 * time.Second,
	}
	if !opts.VerifyTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: tr},
		limiter:    NewRateLimiter(opts.RPS, opts.Burst),
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
	}, nil
}

// Close releases the rate limiter.
func (c *Client) Close() {
	if c.limiter != nil {
		c.limiter.Close()
	}
}

// Metrics returns a snapshot of the API counters.
func (c *Client) Metrics() ClientMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

func (c *Client) recordAPICall(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.metrics.APICallsSuccess++
	} else {
		c.metrics.APICallsError++
	}
	c.metrics.LastActivity = time.Now()
}

func (c *Client) recordRetry() {
	c.mu.Lock()
	c.metrics.Retries++
	c.mu.Unlock()
}

// do sends one request, retrying transport failures, 429 and 5xx, and
// decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	return c.send(ctx, c.maxRetries, method, path, query, body, out)
}

// doOnce is do without retries, for requests that create jobs. A lost reply
// to a run may still have queued the job.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	return c.send(ctx, 1, method, path, query, body, out)
}

func (c *Client) send(ctx context.Context, attempts int, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<(attempt-1))
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
			c.recordRetry()
			c.logger.Printf("Retrying %s %s in %v: %v", method, path, delay, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("User-Agent", "ta-cortex/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.recordAPICall(false)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = &ServiceUnavailableError{
				APIError: APIError{Method: method, Path: path, Body: err.Error()},
				Err:      err,
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			c.recordAPICall(false)
			lastErr = fmt.Errorf("read response body: %w", readErr)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.recordAPICall(false)
			lastErr = statusError(method, path, resp.StatusCode, strings.TrimSpace(string(data)))
			continue
		}
		if resp.StatusCode >= 400 {
			c.recordAPICall(false)
			return statusError(method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		}

		c.recordAPICall(true)
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
		return nil
	}
	return lastErr
}

// FindAllAnalyzers lists every analyzer enabled for the caller's organization.
func (c *Client) FindAllAnalyzers(ctx context.Context) ([]Analyzer, error) {
	var out []Analyzer
	q := url.Values{"range": {"all"}}
	if err := c.do(ctx, http.MethodPost, "/api/analyzer/_search", q, map[string]interface{}{"query": map[string]interface{}{}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AnalyzersByType lists the analyzers applicable to dataType.
func (c *Client) AnalyzersByType(ctx context.Context, dataType string) ([]Analyzer, error) {
	var out []Analyzer
	if err := c.do(ctx, http.MethodGet, "/api/analyzer/type/"+url.PathEscape(dataType), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AnalyzerByName returns the analyzer called name, or nil when none exists.
func (c *Client) AnalyzerByName(ctx context.Context, name string) (*Analyzer, error) {
	var out []Analyzer
	q := url.Values{"range": {"0-1"}}
	body := map[string]interface{}{
		"query": map[string]interface{}{"_field": "name", "_value": name},
	}
	if err := c.do(ctx, http.MethodPost, "/api/analyzer/_search", q, body, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// AnalyzerByID fetches one analyzer.
func (c *Client) AnalyzerByID(ctx context.Context, id string) (*Analyzer, error) {
	var out Analyzer
	if err := c.do(ctx, http.MethodGet, "/api/analyzer/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunAnalyzer submits obs to the analyzer. force bypasses the Cortex job
// cache. The run is attempted once.
func (c *Client) RunAnalyzer(ctx context.Context, analyzerID string, obs Observable, force bool) (*Job, error) {
	var q url.Values
	if force {
		q = url.Values{"force": {"1"}}
	}
	var out Job
	if err := c.doOnce(ctx, http.MethodPost, "/api/analyzer/"+url.PathEscape(analyzerID)+"/run", q, obs, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(jobID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobReport fetches a job with its report, finished or not.
func (c *Client) JobReport(ctx context.Context, jobID string) (*Report, error) {
	var out Report
	if err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(jobID)+"/report", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitReport asks Cortex to hold the request until the job finishes or
// atMost elapses.
func (c *Client) WaitReport(ctx context.Context, jobID string, atMost time.Duration) (*Report, error) {
	if atMost <= 0 {
		atMost = time.Minute
	}
	q := url.Values{"atMost": {formatDuration(atMost)}}
	var out Report
	if err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(jobID)+"/waitreport", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteJob removes a job.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/api/job/"+url.PathEscape(jobID), nil, nil, nil)
}

// formatDuration renders d in the Scala duration syntax Cortex expects.
func formatDuration(d time.Duration) string {
	switch {
	case d%time.Minute == 0:
		return fmt.Sprintf("%dminutes", int64(d/time.Minute))
	case d%time.Second == 0:
		return fmt.Sprintf("%dseconds", int64(d/time.Second))
	default:
		return fmt.Sprintf("%dmilliseconds", int64(d/time.Millisecond))
	}
}

// IsUnavailable reports whether err means Cortex could not be reached.
func IsUnavailable(err error) bool {
	var su *ServiceUnavailableError
	return errors.As(err, &su)
}
