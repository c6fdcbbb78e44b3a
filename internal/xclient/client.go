package xclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"harvester/internal/logging"
	"harvester/internal/metrics"
)

// StatusError is a non-success HTTP response. 429 and 503 are absorbed by the
// rate governor; anything else ends the session.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("x api status %d: %s", e.Code, e.Body)
}

// Rule is one stream filter rule.
type Rule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

// HTTPClient is a simple bearer-token client for X API v2.
type HTTPClient struct {
	bearerToken  string
	httpClient   *http.Client
	streamClient *http.Client
	maxAttempts  int
	baseBackoff  time.Duration
}

func NewHTTPClient(bearerToken string) *HTTPClient {
	return &HTTPClient{
		bearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		// the stream connection stays open; only ctx ends it
		streamClient: &http.Client{},
		maxAttempts:  getEnvInt("X_API_MAX_ATTEMPTS", 5),
		baseBackoff:  time.Duration(getEnvInt("X_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")
}

// Get issues a GET against endpoint and returns the body of a 2xx response.
func (c *HTTPClient) Get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u, err := withQuery(endpoint, params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

// PostJSON posts body as JSON and returns the body of a 2xx response.
func (c *HTTPClient) PostJSON(ctx context.Context, endpoint string, params url.Values, body any) ([]byte, error) {
	u, err := withQuery(endpoint, params)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req)
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request) ([]byte, error) {
	c.auth(req)
	metrics.IncAPICall(req.URL.Path)
	resp, err := c.doWithRetry(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	return b, nil
}

// ListRules returns the rules currently attached to the filtered stream.
func (c *HTTPClient) ListRules(ctx context.Context, endpoint string) ([]Rule, error) {
	b, err := c.Get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Data []Rule `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return raw.Data, nil
}

// DeleteRules removes rules by id. An empty list is a no-op.
func (c *HTTPClient) DeleteRules(ctx context.Context, endpoint string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"delete": map[string]any{"ids": ids}}
	_, err := c.PostJSON(ctx, endpoint, nil, body)
	return err
}

// AddRules attaches rules to the stream. With dryRun the API only validates them.
// The raw response is returned so callers can report the API's summary.
func (c *HTTPClient) AddRules(ctx context.Context, endpoint string, rules []Rule, dryRun bool) (json.RawMessage, error) {
	add := make([]Rule, len(rules))
	for i, r := range rules {
		add[i] = Rule{Value: r.Value, Tag: r.Tag}
	}
	var params url.Values
	if dryRun {
		params = url.Values{"dry_run": {"true"}}
	}
	b, err := c.PostJSON(ctx, endpoint, params, map[string]any{"add": add})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Stream is an open persistent connection yielding one raw line per message.
type Stream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

// OpenStream connects to the filtered stream. Cancelling ctx aborts a blocked read.
func (c *HTTPClient) OpenStream(ctx context.Context, endpoint string, params url.Values) (*Stream, error) {
	u, err := withQuery(endpoint, params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)
	metrics.IncAPICall(req.URL.Path)
	resp, err := c.doWithRetry(ctx, c.streamClient, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Stream{body: resp.Body, sc: sc}, nil
}

// Next returns the next line, which may be empty for keep-alive heartbeats.
// It returns io.EOF when the server closes the connection.
func (s *Stream) Next() ([]byte, error) {
	if s.sc.Scan() {
		return bytes.Clone(s.sc.Bytes()), nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *Stream) Close() error { return s.body.Close() }

func withQuery(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// doWithRetry retries transport failures only. Status codes are returned to the
// caller untouched so the rate governor sees every 429 and 503.
func (c *HTTPClient) doWithRetry(ctx context.Context, hc *http.Client, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		r := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}
		resp, err := hc.Do(r)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		metrics.IncAPIRetry(req.URL.Path)
		logging.Warn("api_transport_retry", map[string]any{"attempt": attempt, "error": err})
		// jitter +/-20%
		wait := backoff
		jitter := time.Duration(float64(wait) * 0.2)
		if jitter > 0 {
			wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}
