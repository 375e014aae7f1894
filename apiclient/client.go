// Package apiclient is the outbound JSON client for the upstream chat API.
package apiclient

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
)

const (
	userAgent = "chatguard/1.0"
	// maxResponseSize bounds how much of an upstream body is read.
	maxResponseSize = 1 << 20
)

// Error is returned for non-2xx upstream responses.
type Error struct {
	StatusCode int
	// Message is the server-provided error message, if any.
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream request failed with status %d: %s", e.StatusCode, e.Message)
}

// ErrNetwork wraps transport-level failures (connection refused, timeouts).
var ErrNetwork = errors.New("network request failed")

type authKey struct{}

// WithoutAuth marks requests made with ctx as not requiring authentication.
// Interceptors must not attach credentials to them.
func WithoutAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, authKey{}, false)
}

// AuthRequired reports whether requests made with ctx require authentication.
func AuthRequired(ctx context.Context) bool {
	required, ok := ctx.Value(authKey{}).(bool)
	return !ok || required
}

// Client issues JSON requests against a base URL.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client. Its Transport is where
// request interceptors are installed.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// New returns a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Get performs GET path and decodes the JSON response into out (if non-nil).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post performs POST path with in as the JSON body and decodes the JSON
// response into out (if non-nil).
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) resolve(path string) string {
	ref := &url.URL{Path: strings.TrimPrefix(path, "/")}
	base := *c.baseURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(ref).String()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorMessage extracts a server message from the shapes the upstream uses:
// {"error":{"message":"..."}}, {"error":"..."} and {"message":"..."}.
func errorMessage(data []byte) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &flat) == nil {
		if flat.Error != "" {
			return flat.Error
		}
		return flat.Message
	}
	return ""
}
