package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/emperorhan/supply-aggregator/internal/metrics"
	"github.com/emperorhan/supply-aggregator/internal/upstream/ratelimit"
)

const maxResponseBytes = 16 << 20

// Client performs JSON requests against a single upstream and maps every
// failure onto a Kind.
type Client struct {
	name       string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	headers    map[string]string
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		if value != "" {
			c.headers[key] = value
		}
	}
}

// WithBearerToken sets an Authorization header when token is non-empty.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.headers["Authorization"] = "Bearer " + token
		}
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a client. Request deadlines come from the caller's
// context; the retry policy bounds each attempt.
func NewClient(name string, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:       name,
		httpClient: &http.Client{},
		headers:    map[string]string{"Accept": "application/json"},
		logger:     logger.With("component", "upstream", "upstream", name),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return c.name
}

// GetJSON issues a GET and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

// PostJSON encodes body as JSON, issues a POST and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, payload, out)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.transportError(ctx, fmt.Errorf("rate limiter: %w", err))
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(c.name, "transport_error").Inc()
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	metrics.UpstreamRequestsTotal.WithLabelValues(c.name, statusClass(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.transportError(ctx, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := KindClient
		if resp.StatusCode >= 500 {
			kind = KindServer
		}
		c.logger.Debug("upstream returned non-2xx", "status", resp.StatusCode, "url", url)
		return &Error{Kind: kind, Source: c.name, StatusCode: resp.StatusCode, Msg: snippet(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: KindMalformedResponse, Source: c.name, Msg: "unmarshal response", Err: err}
	}
	return nil
}

// transportError maps a failure that happened before a status line was read.
func (c *Client) transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Source: c.name, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Source: c.name, Err: err}
	}
	return &Error{Kind: KindNetwork, Source: c.name, Err: err}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}
