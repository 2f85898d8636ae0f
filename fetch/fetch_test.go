package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedResponse struct {
	status  int
	body    string
	headers map[string]string
	err     error
}

// scriptedTransport plays back a fixed response sequence and records the
// requests it saw.
type scriptedTransport struct {
	responses []scriptedResponse
	requests  []*http.Request
	bodies    []string
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.requests = append(s.requests, req)
	body := ""
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}
	s.bodies = append(s.bodies, body)

	if len(s.responses) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	if next.err != nil {
		return nil, next.err
	}

	resp := &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(strings.NewReader(next.body)),
		Header:     make(http.Header),
	}
	for k, v := range next.headers {
		resp.Header.Set(k, v)
	}
	return resp, nil
}

func newTestClient(t *testing.T, responses ...scriptedResponse) (*Client, *scriptedTransport, *[]time.Duration) {
	t.Helper()
	transport := &scriptedTransport{responses: responses}
	client := NewClient(Config{Transport: transport})
	sleeps := &[]time.Duration{}
	client.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return client, transport, sleeps
}

func TestFetchSuccess(t *testing.T) {
	client, transport, sleeps := newTestClient(t,
		scriptedResponse{status: 200, body: `{"date":"2026-01-01"}`},
	)

	body, err := client.Fetch(context.Background(), "https://api.example.com/rates")
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2026-01-01"}`, string(body))
	assert.Len(t, transport.requests, 1)
	assert.Empty(t, *sleeps)
	assert.Equal(t, http.MethodGet, transport.requests[0].Method)
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	client, transport, sleeps := newTestClient(t,
		scriptedResponse{status: 500, body: "boom"},
		scriptedResponse{status: 500, body: "boom"},
		scriptedResponse{status: 200, body: `{"ok":true}`},
	)

	body, err := client.Fetch(context.Background(), "https://api.example.com/rates")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Len(t, transport.requests, 3)
	// backoff^attempt: 2s then 4s
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *sleeps)
}

func TestFetchRateLimitDoesNotConsumeRetries(t *testing.T) {
	client, transport, sleeps := newTestClient(t,
		scriptedResponse{status: 429, headers: map[string]string{"Retry-After": "5"}},
		scriptedResponse{status: 429, headers: map[string]string{"Retry-After": "5"}},
		scriptedResponse{status: 200, body: `{"ok":true}`},
	)

	// 429, 429, 200 succeeds even though three counted attempts would
	// exhaust MaxRetries=3.
	body, err := client.Fetch(context.Background(), "https://api.example.com/rates")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Len(t, transport.requests, 3)
	// rate-limit waits are exact, not exponential
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *sleeps)
}

func TestFetchRateLimitDefaultWait(t *testing.T) {
	client, _, sleeps := newTestClient(t,
		scriptedResponse{status: 429, headers: map[string]string{"Retry-After": "soon"}},
		scriptedResponse{status: 200, body: `{}`},
	)

	_, err := client.Fetch(context.Background(), "https://api.example.com/rates")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{60 * time.Second}, *sleeps)
}

func TestFetchExhaustion(t *testing.T) {
	client, transport, sleeps := newTestClient(t,
		scriptedResponse{status: 500, body: "boom"},
		scriptedResponse{status: 500, body: "boom"},
		scriptedResponse{status: 500, body: "boom"},
	)

	_, err := client.Fetch(context.Background(), "https://api.example.com/rates")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https://api.example.com/rates")
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Len(t, transport.requests, 3)
	// two backoff sleeps, none after the final attempt
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *sleeps)
}

func TestFetchTransportErrorRetries(t *testing.T) {
	client, transport, _ := newTestClient(t,
		scriptedResponse{err: io.ErrUnexpectedEOF},
		scriptedResponse{status: 200, body: `{}`},
	)

	_, err := client.Fetch(context.Background(), "https://api.example.com/rates")
	require.NoError(t, err)
	assert.Len(t, transport.requests, 2)
}

func TestFetchJSON(t *testing.T) {
	client, _, _ := newTestClient(t,
		scriptedResponse{status: 200, body: `{"date":"2026-01-01","rates":{"KRW":1350.5}}`},
	)

	var payload struct {
		Date  string             `json:"date"`
		Rates map[string]float64 `json:"rates"`
	}
	err := client.FetchJSON(context.Background(), "https://api.example.com/rates", &payload)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01", payload.Date)
	assert.Equal(t, 1350.5, payload.Rates["KRW"])
}

func TestFetchJSONDecodeError(t *testing.T) {
	client, _, _ := newTestClient(t,
		scriptedResponse{status: 200, body: `not json`},
	)

	var out map[string]any
	err := client.FetchJSON(context.Background(), "https://api.example.com/rates", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestFetchPostBody(t *testing.T) {
	client, transport, _ := newTestClient(t,
		scriptedResponse{status: 500, body: "boom"},
		scriptedResponse{status: 200, body: `{}`},
	)

	_, err := client.Fetch(context.Background(), "https://api.example.com/sync",
		WithMethod(http.MethodPost),
		WithJSONBody(map[string]any{"full": true}),
		WithHeader("X-Api-Key", "k"),
	)
	require.NoError(t, err)
	require.Len(t, transport.requests, 2)
	for i, req := range transport.requests {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, "k", req.Header.Get("X-Api-Key"))
		// the body replays on every attempt
		assert.JSONEq(t, `{"full":true}`, transport.bodies[i])
	}
}

func TestFetchBadBody(t *testing.T) {
	client, transport, _ := newTestClient(t)

	_, err := client.Fetch(context.Background(), "https://api.example.com/sync",
		WithJSONBody(func() {}),
	)
	require.Error(t, err)
	assert.Empty(t, transport.requests)
}

func TestFetchContextCancelledDuringSleep(t *testing.T) {
	transport := &scriptedTransport{responses: []scriptedResponse{
		{status: 500, body: "boom"},
	}}
	client := NewClient(Config{Transport: transport})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Fetch(ctx, "https://api.example.com/rates")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigDefaults(t *testing.T) {
	client := NewClient(Config{})
	assert.Equal(t, DefaultTimeout, client.cfg.Timeout)
	assert.Equal(t, DefaultMaxRetries, client.cfg.MaxRetries)
	assert.Equal(t, DefaultBackoffBase, client.cfg.BackoffBase)
}

func TestHTTPError(t *testing.T) {
	err := &HTTPError{StatusCode: 503, Body: "down"}
	assert.Equal(t, "unexpected status 503: down", err.Error())
}
