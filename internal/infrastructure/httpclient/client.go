package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "ticketdesk/pkg/errors"
	"ticketdesk/pkg/tracing"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const maxResponseBytes = 10 << 20

// RequestInterceptor may modify an outgoing request. A returned error aborts
// the request before it is sent.
type RequestInterceptor func(req *http.Request) error

// ResponseInterceptor observes the outcome of a request. It receives the
// status (0 for network failures) and the error the client is about to
// return, and returns the error to hand to the caller.
type ResponseInterceptor func(ctx context.Context, status int, err error) error

// Metrics records one completed request.
type Metrics interface {
	RecordHTTPRequest(method, host string, status int, duration time.Duration)
}

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client is the single HTTP client shared by every backend call. Relative
// paths are joined to the base URL; absolute URLs are used as given.
type Client struct {
	base    *url.URL
	http    *http.Client
	headers http.Header
	logger  *zap.SugaredLogger
	metrics Metrics

	mu       sync.RWMutex
	requestI []RequestInterceptor
	respI    []ResponseInterceptor
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	if cfg.UserAgent != "" {
		headers.Set("User-Agent", cfg.UserAgent)
	}

	c := &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		headers: headers,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UseRequest appends request interceptors. They run in registration order.
func (c *Client) UseRequest(interceptors ...RequestInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestI = append(c.requestI, interceptors...)
}

// UseResponse appends response interceptors. They run in registration order.
func (c *Client) UseResponse(interceptors ...ResponseInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respI = append(c.respI, interceptors...)
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// ResolveURL joins path to the base URL unless it is already absolute.
func (c *Client) ResolveURL(path string) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPatch, path, body, out)
}

// Do sends a JSON request and decodes a JSON response into out (which may be
// nil or a *json.RawMessage). Failures are *errors.AppError values after the
// response interceptors have seen them.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	target := c.ResolveURL(path)

	ctx, span := tracing.TraceHTTPRequest(ctx, method, target)
	defer span.End()

	status, err := c.send(ctx, method, target, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.mu.RLock()
	interceptors := append([]ResponseInterceptor(nil), c.respI...)
	c.mu.RUnlock()
	for _, intercept := range interceptors {
		err = intercept(ctx, status, err)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, target string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := encodeBody(body)
		if err != nil {
			return 0, apperrors.WrapError(err, apperrors.ErrCodeValidation, "failed to encode request body", 0)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, apperrors.NewNetworkError(method, target, err)
	}
	for k, v := range c.headers {
		req.Header[k] = append([]string(nil), v...)
	}

	c.mu.RLock()
	interceptors := append([]RequestInterceptor(nil), c.requestI...)
	c.mu.RUnlock()
	for _, intercept := range interceptors {
		if err := intercept(req); err != nil {
			return 0, err
		}
	}
	tracing.InjectHTTPHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(method, req.URL.Host, 0, time.Since(start))
		c.logger.Warnw("request failed", "method", method, "url", target, "error", err)
		return 0, apperrors.NewNetworkError(method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.record(method, req.URL.Host, resp.StatusCode, time.Since(start))
	if err != nil {
		return resp.StatusCode, apperrors.NewNetworkError(method, target, err)
	}

	tracing.AddSpanAttributes(ctx, tracing.HTTPStatusKey.Int(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debugw("request rejected",
			"method", method,
			"url", target,
			"status", resp.StatusCode,
		)
		return resp.StatusCode, apperrors.FromResponse(resp.StatusCode, method, target, data)
	}

	if err := decodeBody(data, out); err != nil {
		return resp.StatusCode, apperrors.WrapError(err, apperrors.ErrCodeUpstream,
			fmt.Sprintf("%s %s: undecodable response", method, target), resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (c *Client) record(method, host string, status int, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordHTTPRequest(method, host, status, d)
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func decodeBody(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		if len(bytes.TrimSpace(data)) == 0 {
			*raw = json.RawMessage("null")
			return nil
		}
		if !json.Valid(data) {
			return fmt.Errorf("response is not valid JSON")
		}
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
