package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"SentimentMonitor/internal/domain"
	"SentimentMonitor/internal/metrics"
	"SentimentMonitor/internal/ports"
)

// Client talks to the external sentiment analysis service.
type Client struct {
	endpoint     string
	apiKey       string
	http         *http.Client
	limiter      *rate.Limiter
	timeout      time.Duration
	batchTimeout time.Duration
}

var _ ports.SentimentService = (*Client)(nil)

// Options tunes the HTTP client. Zero values fall back to defaults.
type Options struct {
	APIKey string
	// Timeout bounds health, count, by-id and text requests.
	Timeout time.Duration
	// BatchTimeout bounds batch requests; zero waits for the service to answer.
	BatchTimeout      time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// NewClient creates a reusable HTTP client. Timeouts are applied per request,
// so an HTTPClient passed in should not set its own.
func NewClient(endpoint string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	batchTimeout := opts.BatchTimeout
	if batchTimeout < 0 {
		batchTimeout = 0
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		apiKey:       opts.APIKey,
		http:         httpClient,
		limiter:      rate.NewLimiter(limit, burst),
		timeout:      timeout,
		batchTimeout: batchTimeout,
	}
}

// CheckHealth asks the service whether its model and database are ready.
func (c *Client) CheckHealth(ctx context.Context) (domain.HealthStatus, error) {
	var health domain.HealthStatus
	if err := c.do(ctx, c.timeout, http.MethodGet, "/health", nil, &health); err != nil {
		return domain.HealthStatus{}, fmt.Errorf("check health: %w", err)
	}
	return health, nil
}

// UnanalysedCount returns the backlog, optionally scoped to one source.
func (c *Client) UnanalysedCount(ctx context.Context, source string) (domain.Backlog, error) {
	path := "/unanalysed-count"
	if source != "" {
		path += "?source=" + url.QueryEscape(source)
	}

	var raw map[string]any
	if err := c.do(ctx, c.timeout, http.MethodGet, path, nil, &raw); err != nil {
		return domain.Backlog{}, fmt.Errorf("unanalysed count: %w", err)
	}

	backlog := domain.Backlog{BySource: map[string]int{}}
	_, hasTotal := raw["total"]
	for key, value := range raw {
		n, ok := value.(float64)
		if !ok {
			continue
		}
		if key == "total" {
			backlog.Total = int(n)
			continue
		}
		backlog.BySource[key] = int(n)
	}
	if !hasTotal {
		for _, n := range backlog.BySource {
			backlog.Total += n
		}
	}
	return backlog, nil
}

// AnalyseBatch asks the service to analyse up to batchSize pending documents.
func (c *Client) AnalyseBatch(ctx context.Context, batchSize int) (domain.BatchResult, error) {
	payload := map[string]any{"batch_size": batchSize}

	var resp struct {
		Success   bool   `json:"success"`
		Processed int    `json:"processed"`
		Errors    int    `json:"errors"`
		Remaining int    `json:"remaining"`
		Message   string `json:"message"`
	}
	if err := c.do(ctx, c.batchTimeout, http.MethodPost, "/analyse/batch", payload, &resp); err != nil {
		return domain.BatchResult{}, fmt.Errorf("analyse batch: %w", err)
	}
	if !resp.Success {
		if resp.Message != "" {
			return domain.BatchResult{}, fmt.Errorf("analyse batch: %w: %s", domain.ErrBatchRejected, resp.Message)
		}
		return domain.BatchResult{}, fmt.Errorf("analyse batch: %w", domain.ErrBatchRejected)
	}

	return domain.BatchResult{
		Processed: resp.Processed,
		Errors:    resp.Errors,
		Remaining: resp.Remaining,
	}, nil
}

// AnalyseByID analyses one stored document.
func (c *Client) AnalyseByID(ctx context.Context, id, source string) (domain.DocumentAnalysis, error) {
	payload := map[string]any{"post_id": id}
	if source != "" {
		payload["source"] = source
	}

	var analysis domain.DocumentAnalysis
	if err := c.do(ctx, c.timeout, http.MethodPost, "/analyse-by-id", payload, &analysis); err != nil {
		return domain.DocumentAnalysis{}, fmt.Errorf("analyse document %s: %w", id, err)
	}
	if !analysis.Success {
		return analysis, fmt.Errorf("analyse document %s: %w: %s", id, domain.ErrBatchRejected, analysis.Error)
	}
	return analysis, nil
}

// AnalyseText analyses raw text without touching the store. Markup is
// stripped before the text is sent.
func (c *Client) AnalyseText(ctx context.Context, text string) (domain.TextAnalysis, error) {
	var analysis domain.TextAnalysis
	if err := c.do(ctx, c.timeout, http.MethodPost, "/analyse", map[string]any{"text": PlainText(text)}, &analysis); err != nil {
		return domain.TextAnalysis{}, fmt.Errorf("analyse text: %w", err)
	}
	return analysis, nil
}

// do sends one JSON request. A zero timeout leaves ctx as the only bound.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, payload any, v any) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	endpoint := path
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	start := time.Now()
	defer func() {
		metrics.SentimentRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SentimentRequestErrors.WithLabelValues(endpoint).Inc()
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait rate limiter: %w", err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return fmt.Errorf("unexpected status %s, close body: %v", resp.Status, closeErr)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if v == nil {
		if err := resp.Body.Close(); err != nil {
			return fmt.Errorf("close response body: %w", err)
		}
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("decode response: %w", err)
	}

	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return nil
}
