// Package backend is the HTTP client for the portal's backend API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/tokenportal/portal/session"
)

// ModeTabBased marks responses that are passed through without a success
// flag.
const ModeTabBased = "tab_based"

// Envelope is the response wrapper of every backend endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// OK reports whether the envelope carries a usable result.
func (e *Envelope) OK() bool {
	return e != nil && (e.Success || e.Mode == ModeTabBased)
}

// APIError is a non-2xx response or an unsuccessful envelope.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status=%d", e.Status)
	}
	return fmt.Sprintf("backend: status=%d: %s", e.Status, e.Message)
}

// ErrUnauthorized is wrapped by errors for 401 and 403 responses.
var ErrUnauthorized = errors.New("backend: unauthorized")

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

const maxResponseBytes = 1 << 20

// Client calls the backend API with retries on transport errors and 5xx.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	retries    uint64
	backoff    time.Duration
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetries sets how often a failed call is retried (default 3).
func WithRetries(n uint64) Option {
	return func(cl *Client) { cl.retries = n }
}

// WithBackoff sets the first retry delay; later delays double.
func WithBackoff(d time.Duration) Option {
	return func(cl *Client) { cl.backoff = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient returns a Client for the absolute baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("backend: base url %q must be absolute", baseURL)
	}
	c := &Client{
		base:       u,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retries:    3,
		backoff:    200 * time.Millisecond,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns a copy of the configured base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// URL resolves p below the base URL. A trailing slash in p is kept.
func (c *Client) URL(p string, query url.Values) string {
	u := c.BaseURL()
	joined := path.Join("/", u.Path, p)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	u.Path = joined
	u.RawQuery = query.Encode()
	return u.String()
}

type call struct {
	method  string
	path    string
	query   url.Values
	body    any
	header  http.Header
	cookies []*http.Cookie
}

type response struct {
	envelope *Envelope
	cookies  []*http.Cookie
}

func (c *Client) do(ctx context.Context, cl call) (*response, error) {
	var payload []byte
	if cl.body != nil {
		var err error
		if payload, err = json.Marshal(cl.body); err != nil {
			return nil, fmt.Errorf("backend: encode request: %w", err)
		}
	}
	target := c.URL(cl.path, cl.query)

	var out *response
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
		if err != nil {
			return fmt.Errorf("backend: build request: %w", err)
		}
		for k, vs := range cl.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for _, ck := range cl.cookies {
			req.AddCookie(ck)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("backend request failed, retrying", zap.String("url", target), zap.Error(err))
			return retry.RetryableError(fmt.Errorf("backend: %s %s: %w", cl.method, cl.path, err))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("backend: read response: %w", err))
		}
		if resp.StatusCode >= 500 {
			c.logger.Debug("backend returned server error, retrying", zap.String("url", target), zap.Int("status", resp.StatusCode))
			return retry.RetryableError(&APIError{Status: resp.StatusCode, Message: envelopeMessage(raw)})
		}
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: envelopeMessage(raw)}
		}

		env := &Envelope{}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, env); err != nil {
				return fmt.Errorf("backend: decode response: %w", err)
			}
		}
		if !env.OK() {
			msg := env.Error
			if msg == "" {
				msg = env.Message
			}
			return &APIError{Status: resp.StatusCode, Message: msg}
		}
		out = &response{envelope: env, cookies: resp.Cookies()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func envelopeMessage(raw []byte) string {
	var env Envelope
	if json.Unmarshal(raw, &env) != nil {
		return ""
	}
	if env.Error != "" {
		return env.Error
	}
	return env.Message
}

// Get calls a read endpoint and returns its envelope. header is sent as is,
// typically carrying the session's Authorization header.
func (c *Client) Get(ctx context.Context, p string, query url.Values, header http.Header) (*Envelope, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: p, query: query, header: header})
	if err != nil {
		return nil, err
	}
	return resp.envelope, nil
}

// WalletLogin posts a signed wallet login to /auth/wallet/.
func (c *Client) WalletLogin(ctx context.Context, address, message, signature string) (*session.UserProfile, error) {
	resp, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/auth/wallet/",
		body: map[string]string{
			"address":   address,
			"message":   message,
			"signature": signature,
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeUser(resp.envelope.Data)
}

// TransparencyLogin logs in to the transparency portal and returns the
// backend's session cookies for the browser.
func (c *Client) TransparencyLogin(ctx context.Context, username, password string) (*session.UserProfile, []*http.Cookie, error) {
	resp, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/transparency/login/",
		body:   map[string]string{"username": username, "password": password},
	})
	if err != nil {
		return nil, nil, err
	}
	user, err := decodeUser(resp.envelope.Data)
	if err != nil {
		return nil, nil, err
	}
	return user, resp.cookies, nil
}

// TransparencyMe returns the user behind the transparency session cookies.
func (c *Client) TransparencyMe(ctx context.Context, cookies []*http.Cookie) (*session.UserProfile, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: "/transparency/me/", cookies: cookies})
	if err != nil {
		return nil, err
	}
	return decodeUser(resp.envelope.Data)
}

// TransparencyLogout ends the transparency session and returns the cookie
// updates the backend sent, usually deletions.
func (c *Client) TransparencyLogout(ctx context.Context, cookies []*http.Cookie) ([]*http.Cookie, error) {
	resp, err := c.do(ctx, call{method: http.MethodPost, path: "/transparency/logout/", cookies: cookies})
	if err != nil {
		return nil, err
	}
	return resp.cookies, nil
}

// decodeUser accepts either {"user": {...}} or the user object itself, with
// snake_case or camelCase keys and numeric or string ids.
func decodeUser(data json.RawMessage) (*session.UserProfile, error) {
	if len(data) == 0 {
		return nil, errors.New("backend: response has no user")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("backend: decode user: %w", err)
	}
	if inner, ok := raw["user"].(map[string]any); ok {
		raw = inner
	}
	return &session.UserProfile{
		ID:          stringValue(raw["id"]),
		Username:    stringValue(raw["username"]),
		Email:       stringValue(raw["email"]),
		FirstName:   stringValue(coalesce(raw["first_name"], raw["firstName"])),
		LastName:    stringValue(coalesce(raw["last_name"], raw["lastName"])),
		PhoneNumber: stringValue(coalesce(raw["phone_number"], raw["phoneNumber"])),
	}, nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func coalesce(values ...any) any {
	for _, v := range values {
		if v != nil && v != "" {
			return v
		}
	}
	return nil
}
