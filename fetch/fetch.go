package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds a single request attempt.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxRetries bounds attempts that count against the retry budget.
	DefaultMaxRetries = 3
	// DefaultBackoffBase: sleeps of base^attempt seconds between counted
	// attempts.
	DefaultBackoffBase = 2
	// DefaultRetryAfter is used when a 429 carries no parseable Retry-After.
	DefaultRetryAfter = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	// Timeout for each request attempt (default 15s).
	Timeout time.Duration
	// MaxRetries bounds counted attempts (default 3). Rate-limit waits do
	// not count.
	MaxRetries int
	// BackoffBase in seconds for exponential backoff (default 2).
	BackoffBase int
	// Headers added to every request.
	Headers map[string]string
	// UserAgent (default "batchloader/1.0").
	UserAgent string
	// Transport allows injecting a custom round tripper for tests.
	Transport http.RoundTripper
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.UserAgent == "" {
		c.UserAgent = "batchloader/1.0"
	}
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client fetches JSON over HTTP with bounded retries, exponential backoff
// and rate-limit handling. It holds no state across calls.
type Client struct {
	cfg        Config
	httpClient *http.Client

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		sleep: sleepCtx,
	}
}

// Option adjusts a single request.
type Option func(*request)

type request struct {
	method  string
	headers map[string]string
	body    []byte
	err     error
}

// WithMethod overrides the default GET method.
func WithMethod(method string) Option {
	return func(r *request) {
		r.method = method
	}
}

// WithHeader adds a header to the request.
func WithHeader(key, value string) Option {
	return func(r *request) {
		if r.headers == nil {
			r.headers = make(map[string]string)
		}
		r.headers[key] = value
	}
}

// WithJSONBody marshals v as the request body.
func WithJSONBody(v any) Option {
	return func(r *request) {
		data, err := json.Marshal(v)
		if err != nil {
			r.err = errors.Wrap(err, "marshal request body")
			return
		}
		r.body = data
		if r.headers == nil {
			r.headers = make(map[string]string)
		}
		r.headers["Content-Type"] = "application/json"
	}
}

// Fetch performs the request and returns the raw JSON body of the first 2xx
// response.
//
// Per call: a 429 response waits the server's Retry-After (60s when absent
// or unparseable) and re-attempts without consuming the retry budget —
// rate-limit backpressure is a signal to wait, not a failure to count.
// Transport errors and other non-2xx statuses sleep base^attempt seconds and
// consume one attempt; when the budget is exhausted the terminal error names
// the URL and the retry count.
func (c *Client) Fetch(ctx context.Context, url string, opts ...Option) (json.RawMessage, error) {
	req := request{method: http.MethodGet}
	for _, opt := range opts {
		opt(&req)
	}
	if req.err != nil {
		return nil, req.err
	}

	var lastErr error
	attempt := 1
	for {
		body, retryAfter, err := c.doOnce(ctx, url, req)
		if err == nil {
			return body, nil
		}

		if retryAfter > 0 {
			log.Warnf("rate limited (429), waiting %s (attempt %d): %s", retryAfter, attempt, url)
			if err := c.sleep(ctx, retryAfter); err != nil {
				return nil, err
			}
			continue
		}

		lastErr = err
		log.Warnf("request failed (attempt %d/%d): %v", attempt, c.cfg.MaxRetries, err)
		if attempt >= c.cfg.MaxRetries {
			break
		}
		backoff := time.Duration(math.Pow(float64(c.cfg.BackoffBase), float64(attempt))) * time.Second
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		attempt++
	}

	return nil, errors.Wrapf(lastErr, "request failed after %d retries: %s", c.cfg.MaxRetries, url)
}

// FetchJSON performs the request and unmarshals the response body into
// target.
func (c *Client) FetchJSON(ctx context.Context, url string, target any, opts ...Option) error {
	body, err := c.Fetch(ctx, url, opts...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return errors.Wrapf(err, "decode response from %s", url)
	}
	return nil
}

// doOnce issues a single attempt. A positive retryAfter marks a rate-limited
// response.
func (c *Client) doOnce(ctx context.Context, url string, req request) (json.RawMessage, time.Duration, error) {
	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, url, bodyReader)
	if err != nil {
		return nil, 0, errors.Wrap(err, "create request")
	}

	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "read body")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return json.RawMessage(body), 0, nil
}

func parseRetryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return DefaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
