package viking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	apiKeyHeader = "X-API-Key"

	// Search overfetch: ask for more than the caller wants so local ranking
	// has candidates to dedup and boost before truncating.
	overfetchFactor = 3
	minFindLimit    = 10

	maxResponseBytes = 4 << 20
)

// memoryNamespaces lists URI prefixes deletes are allowed to touch. Session
// trees, scratch space and everything else on the server are off limits from
// here.
var memoryNamespaces = []string{
	"viking://user/memories/",
	"viking://agent/memories/",
}

// ErrOutsideNamespace is returned for delete requests whose URI does not live
// under a recognized memory namespace. No network call is made.
var ErrOutsideNamespace = errors.New("uri outside recognized memory namespaces")

// InMemoryNamespace reports whether uri may be deleted through this client.
func InMemoryNamespace(uri string) bool {
	for _, prefix := range memoryNamespaces {
		if strings.HasPrefix(uri, prefix) && len(uri) > len(prefix) {
			return true
		}
	}
	return false
}

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:8303".
	BaseURL string
	// APIKey is sent as X-API-Key when non-empty.
	APIKey string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Client talks JSON/HTTP to a memory server. One attempt per call, one
// deadline per call, no retries.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	httpc   *http.Client
	logger  zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("viking: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("viking: invalid base URL %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		httpc:   &http.Client{},
		logger:  cfg.Logger.With().Str("component", "viking").Logger(),
	}, nil
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string { return c.baseURL }

// Health checks GET /health. The endpoint is not enveloped; any 2xx with
// status "ok" counts as healthy.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("viking: health: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("viking: health: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("viking: health: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("viking: health: unexpected status %d", resp.StatusCode)
	}
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return fmt.Errorf("viking: health: decode: %w", err)
	}
	if hr.Status != "ok" {
		return fmt.Errorf("viking: health: server reported %q", hr.Status)
	}
	return nil
}

// FindOptions narrows a search. Limit is the caller's desired count; the wire
// request asks for overfetchFactor times as many with a zero threshold.
type FindOptions struct {
	TargetURI string
	Limit     int
	SessionID string
}

// Find searches memories. The returned total is the server-side match count
// before local ranking.
func (c *Client) Find(ctx context.Context, query string, opts FindOptions) ([]Memory, int, error) {
	limit := opts.Limit * overfetchFactor
	if limit < minFindLimit {
		limit = minFindLimit
	}
	req := findRequest{
		Query:          query,
		TargetURI:      opts.TargetURI,
		Limit:          limit,
		ScoreThreshold: 0,
		SessionID:      opts.SessionID,
	}
	var res findResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/search/search", nil, req, &res); err != nil {
		return nil, 0, fmt.Errorf("viking: find: %w", err)
	}
	return res.Memories, res.Total, nil
}

// CreateSession opens a new extraction session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var res createSessionResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", nil, struct{}{}, &res); err != nil {
		return "", fmt.Errorf("viking: create session: %w", err)
	}
	if res.SessionID == "" {
		return "", errors.New("viking: create session: server returned empty session_id")
	}
	return res.SessionID, nil
}

// AddMessage appends one message to a session.
func (c *Client) AddMessage(ctx context.Context, sessionID, role, content string) error {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, addMessageRequest{Role: role, Content: content}, nil); err != nil {
		return fmt.Errorf("viking: add message: %w", err)
	}
	return nil
}

// Extract asks the server to distill the session's messages into memories.
func (c *Client) Extract(ctx context.Context, sessionID string) ([]ExtractedMemory, error) {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/extract"
	var res []ExtractedMemory
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &res); err != nil {
		return nil, fmt.Errorf("viking: extract: %w", err)
	}
	return res, nil
}

// DeleteSession removes a session and its transcript.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return fmt.Errorf("viking: delete session: %w", err)
	}
	return nil
}

// DeleteURI removes a single memory. URIs outside the memory namespaces are
// rejected here, before any network traffic.
func (c *Client) DeleteURI(ctx context.Context, uri string) error {
	if !InMemoryNamespace(uri) {
		return fmt.Errorf("viking: delete %q: %w", uri, ErrOutsideNamespace)
	}
	q := url.Values{}
	q.Set("uri", uri)
	q.Set("recursive", "false")
	if err := c.do(ctx, http.MethodDelete, "/api/v1/fs", q, nil, nil); err != nil {
		return fmt.Errorf("viking: delete %q: %w", uri, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
}

// do executes one enveloped request. out, when non-nil, receives the
// envelope's result field.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Request completed")

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && env.Error != nil {
			return fmt.Errorf("%s %s: %s: %s", method, path, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("%s %s: decode envelope: %w", method, path, decodeErr)
	}
	if env.Status == "error" {
		if env.Error != nil {
			return fmt.Errorf("%s %s: %s: %s", method, path, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s: server reported error", method, path)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s %s: decode result: %w", method, path, err)
	}
	return nil
}
