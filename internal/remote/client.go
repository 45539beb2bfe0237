// Package remote is the HTTP client for the system of record.
package remote

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

	"github.com/ironlog/setsync/internal/schema"
)

// ErrUnavailable marks failures worth retrying: transport errors and 5xx.
var ErrUnavailable = errors.New("remote unavailable")

// StatusError is a non-2xx response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api %s returned status %d", e.Path, e.Code)
	}
	return fmt.Sprintf("api %s returned status %d: %s", e.Path, e.Code, e.Body)
}

// Unwrap makes server errors match ErrUnavailable.
func (e *StatusError) Unwrap() error {
	if e.Code >= 500 {
		return ErrUnavailable
	}
	return nil
}

// SetSyncer is the subset of the server API the scheduler needs.
// Implemented by *Client; tests substitute fakes.
type SetSyncer interface {
	SyncSets(ctx context.Context, payloads []schema.SetPayload) (*schema.SyncResponse, error)
	FetchExercise(ctx context.Context, exerciseID string) (*schema.Exercise, error)
}

// Ensure Client implements SetSyncer at compile time.
var _ SetSyncer = (*Client)(nil)

// Client talks to the system-of-record HTTP API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
	token     string
}

const (
	defaultBaseURL   = "127.0.0.1:7690"
	defaultUserAgent = "setsync/0.1"
	defaultTimeout   = 10 * time.Second
	maxErrorBody     = 4 << 10
)

// Options configures NewClient. Zero values take defaults.
type Options struct {
	Timeout time.Duration
	// Token is sent as a bearer credential when set
	Token     string
	UserAgent string
}

// NewClient builds a Client for baseURL ("host:port" or a full URL).
func NewClient(baseURL string, opts Options) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: timeout},
		userAgent: ua,
		token:     opts.Token,
	}, nil
}

// BaseURL returns the normalized server address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// SyncSets sends one batch of upsert payloads. The server answers per
// record; a 200 with rejections is not an error.
func (c *Client) SyncSets(ctx context.Context, payloads []schema.SetPayload) (*schema.SyncResponse, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	var resp schema.SyncResponse
	body := schema.SyncRequest{Payloads: payloads}
	if err := c.do(ctx, http.MethodPost, "/api/sets/sync", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchExercise returns the authoritative record for exerciseID.
func (c *Client) FetchExercise(ctx context.Context, exerciseID string) (*schema.Exercise, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if exerciseID == "" {
		return nil, fmt.Errorf("exercise id required")
	}
	var ex schema.Exercise
	if err := c.do(ctx, http.MethodGet, "/api/exercises/"+url.PathEscape(exerciseID), nil, &ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// Ping checks the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	rel, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path %q: %w", path, err)
	}
	reqURL := c.baseURL.ResolveReference(rel)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: execute request: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse remote url %q: %w", raw, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
