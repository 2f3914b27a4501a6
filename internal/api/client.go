// Package api talks to the request/response endpoints of the real-time
// backend: channel authorization, polling and direct sends.
package api

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

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the request/response surface used by the session and the
// transports.
type Client interface {
	AuthorizeChannel(ctx context.Context, req GrantRequest) (*Grant, error)
	Poll(ctx context.Context, since string, channels []string) (*PollResponse, error)
	MarkRead(ctx context.Context, messageID string) error
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
	OpenStream(ctx context.Context, grants []Grant) (*http.Response, error)
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond int
	RetryCount    int
	RetryDelay    time.Duration
}

type HTTPClient struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	identity     Identity
	limiter      *rate.Limiter
	retryCount   int
	retryDelay   time.Duration
	logger       *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewClient(opts Options, identity Identity, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	base := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			// Negotiates gzip/zstd for poll responses.
			Transport: gzhttp.Transport(base),
			Timeout:   opts.Timeout,
		},
		// No overall timeout: the body is a long-lived event stream.
		streamClient: &http.Client{Transport: base},
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		identity:     identity,
		limiter:      rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RatePerSecond*2),
		retryCount:   opts.RetryCount,
		retryDelay:   opts.RetryDelay,
		logger:       logger,
	}
}

// AuthorizeChannel exchanges the session identity for a signed grant.
func (c *HTTPClient) AuthorizeChannel(ctx context.Context, req GrantRequest) (*Grant, error) {
	var grant Grant
	if err := c.do(ctx, http.MethodPost, "/auth-channel", req, &grant, c.retryCount); err != nil {
		return nil, fmt.Errorf("authorize channel %s: %w", req.Channel, err)
	}
	if grant.Channel == "" {
		grant.Channel = req.Channel
	}
	return &grant, nil
}

// Poll fetches events newer than since.
func (c *HTTPClient) Poll(ctx context.Context, since string, channels []string) (*PollResponse, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	for _, ch := range channels {
		q.Add("channel", ch)
	}
	path := "/events/poll"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp PollResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, c.retryCount); err != nil {
		return nil, fmt.Errorf("poll since %q: %w", since, err)
	}
	return &resp, nil
}

// MarkRead is idempotent on the server; it is never retried here.
func (c *HTTPClient) MarkRead(ctx context.Context, messageID string) error {
	if err := c.do(ctx, http.MethodPost, "/messages/mark-read", MarkReadRequest{MessageID: messageID}, nil, 0); err != nil {
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	return nil
}

// SendTyping is fire-and-forget; it is never retried.
func (c *HTTPClient) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	body := TypingRequest{ConversationID: conversationID, IsTyping: isTyping}
	if err := c.do(ctx, http.MethodPost, "/typing", body, nil, 0); err != nil {
		return fmt.Errorf("send typing %s: %w", conversationID, err)
	}
	return nil
}

// OpenStream opens GET /events/stream for the granted channels. The
// caller owns the response body.
func (c *HTTPClient) OpenStream(ctx context.Context, grants []Grant) (*http.Response, error) {
	q := url.Values{}
	for _, g := range grants {
		q.Add("channel", g.Channel)
		q.Add("grant", g.Grant)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/events/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, statusError(resp.StatusCode, body)
	}
	return resp, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.identity != nil {
		token, err := c.identity.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any, retries int) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	c.logger.Debug("requesting", zap.String("method", method), zap.String("path", path))

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = statusError(resp.StatusCode, data)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp.StatusCode, data)
		}

		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}

	if retries == 0 {
		return lastErr
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func statusError(code int, body []byte) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return &StatusError{Code: code, Body: strings.TrimSpace(string(body))}
}

// IsTemporary reports whether err is worth retrying on the next cycle.
func IsTemporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return errors.Is(err, ErrRateLimited)
}
