// Package upstream is the HTTP client for the two external services the web
// application is built on: the CRUD API (patients, clinic visits, hospital and
// isolation records, surveys, auth) and the dropdown API (professions and
// option categories). Every response is parsed against an explicit shape;
// nothing is coalesced.
package upstream

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

	"github.com/ehr/clinicdesk/internal/platform/metrics"
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 4 << 20

var (
	// ErrNotFound is matched by errors.Is for 404 responses.
	ErrNotFound = errors.New("upstream: not found")
	// ErrUnauthorized is matched by errors.Is for 401 responses.
	ErrUnauthorized = errors.New("upstream: unauthorized")
	// ErrUnexpectedShape reports a response body that does not match the
	// shape the endpoint is documented to return.
	ErrUnexpectedShape = errors.New("upstream: unexpected response shape")
	// ErrUnavailable wraps transport failures: refused connections, timeouts.
	ErrUnavailable = errors.New("upstream: unavailable")
)

// Error is a non-2xx response or a business failure reported in an envelope.
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Endpoint, e.StatusCode)
}

// Is lets callers match on ErrNotFound / ErrUnauthorized.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

type tokenKey struct{}

// WithToken returns a context whose upstream requests carry the given bearer
// token. It is the Go counterpart of a request interceptor: every call made
// with the context is authenticated the same way.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the bearer token set by WithToken.
func TokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}

// Client talks to one upstream base URL.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient validates baseURL and returns a client with the given timeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url must be http(s), got %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
	}, nil
}

// endpoint joins escaped path segments onto the base URL.
func (c *Client) endpoint(query url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := *c.base
	u.Path = c.base.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.base.EscapedPath() + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends one request and returns the raw body of a 2xx response. The label
// names the endpoint in errors and metrics without embedding identifiers.
func (c *Client) do(ctx context.Context, label, method, target string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", label, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", label, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := TokenFromContext(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(label, 0, time.Since(start))
		return nil, fmt.Errorf("%s: %w: %w", label, ErrUnavailable, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(label, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", label, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Endpoint:   label,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
	}
	return raw, nil
}

// errorMessage pulls a human-readable message out of an error body, if the
// body is a JSON object with a "message" or "error" string.
func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}

// API groups the CRUD and dropdown clients behind the operations the service
// uses.
type API struct {
	crud     *Client
	dropdown *Client
}

// NewAPI builds clients for both upstream services. Both base URLs are
// required.
func NewAPI(crudURL, dropdownURL string, timeout time.Duration) (*API, error) {
	if crudURL == "" {
		return nil, errors.New("upstream: CRUD API url is required")
	}
	if dropdownURL == "" {
		return nil, errors.New("upstream: dropdown API url is required")
	}
	crud, err := NewClient(crudURL, timeout)
	if err != nil {
		return nil, fmt.Errorf("crud api: %w", err)
	}
	dropdown, err := NewClient(dropdownURL, timeout)
	if err != nil {
		return nil, fmt.Errorf("dropdown api: %w", err)
	}
	return &API{crud: crud, dropdown: dropdown}, nil
}
