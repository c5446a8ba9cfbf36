// Package apiclient is a small REST client for the CRÍTICO API, used for
// session shortcuts, fixture setup, cleanup and permission probes.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/ratelimit"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetryAfter  = 5 * time.Second
	maxErrorBody   = 4096
)

// ID is a server-assigned identifier. The API may encode it as a JSON string or
// number; both decode to the same textual form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", data)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// StatusError is a non-2xx API response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Body)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

// Client talks to one CRÍTICO API base URL.
type Client struct {
	baseURL   string
	transport http.RoundTripper
	timeout   time.Duration
	throttle  *ratelimit.Throttle
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the underlying round tripper (logging is layered on top).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = &obs.Transport{Base: rt, Pkg: "apiclient"} }
}

// WithThrottle paces requests per key.
func WithThrottle(th *ratelimit.Throttle) Option {
	return func(c *Client) { c.throttle = th }
}

// WithTimeout bounds each request that has no earlier context deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New returns a client for apiURL (for example https://critico.example.edu/api).
func New(apiURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(apiURL, "/"),
		transport: &obs.Transport{Pkg: "apiclient"},
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Request describes one API call. Key selects the throttle bucket (normally the
// role); Token, when set, is sent as a bearer credential.
type Request struct {
	Key    string
	Token  string
	Method string
	Path   string
	Body   any
}

func (c *Client) httpClient(token string) *http.Client {
	rt := c.transport
	if token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.transport,
		}
	}
	return &http.Client{
		Transport: rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// send performs req and returns the response status and body. A 429 is retried
// once after its Retry-After delay.
func (c *Client) send(ctx context.Context, req Request) (int, []byte, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s %s: %w", req.Method, req.Path, err)
		}
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		if c.throttle != nil {
			if err := c.throttle.Wait(ctx, req.Key); err != nil {
				return 0, nil, fmt.Errorf("%s %s: throttle: %w", req.Method, req.Path, err)
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
		if err != nil {
			return 0, nil, err
		}
		httpReq.Header.Set("Accept", "application/json")
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient(req.Token).Do(httpReq)
		if err != nil {
			return 0, nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return resp.StatusCode, nil, fmt.Errorf("%s %s: read body: %w", req.Method, req.Path, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			obs.From(ctx).Info("api_retry_after", "method", req.Method, "path", req.Path, "wait_ms", wait.Milliseconds())
			select {
			case <-ctx.Done():
				return resp.StatusCode, data, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		return resp.StatusCode, data, nil
	}
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return time.Second
	}
	if d := time.Duration(secs) * time.Second; d < maxRetryAfter {
		return d
	}
	return maxRetryAfter
}

// Do performs req and decodes a 2xx JSON response into out (when non-nil).
// Non-2xx responses return *StatusError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	status, data, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return &StatusError{Method: req.Method, Path: req.Path, Status: status, Body: errorDetail(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

// Probe performs req and returns the status without treating non-2xx as an
// error. Used by permission checks, where 401/403 is the expected outcome.
func (c *Client) Probe(ctx context.Context, req Request) (int, error) {
	status, _, err := c.send(ctx, req)
	return status, err
}

// errorDetail extracts a message from common error envelopes, falling back to
// the raw body.
func errorDetail(data []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
