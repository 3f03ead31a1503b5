// Package voiceagent is the Go client for the voice agent gateway.
//
// Client speaks the HTTP surface (text chat, health); DialVoice opens a
// live voice session over WebSocket with automatic resume on transport
// drops.
package voiceagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Rapheal7/My-Agent/pkg/core"
)

// Client talks to a voice agent gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	maxRetries   uint64
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the gateway API key sent on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithRetries sets the maximum number of retries for retryable request
// failures (transport errors, throttles, upstream timeouts).
func WithRetries(n uint64) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryBackoff sets the initial backoff between retries.
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.retryBackoff = d }
}

// NewClient creates a client for the gateway at baseURL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		logger:       slog.Default(),
		userAgent:    "voiceagent-go",
		maxRetries:   2,
		retryBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}
	return c
}

// newDefaultHTTPClient configures transport-level timeouts while keeping
// the overall request lifetime controlled by context deadlines.
//
// http.Client.Timeout stays unset because SSE streams are long-lived;
// callers should use per-request context deadlines for non-streaming.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func (c *Client) addAuthHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.retryBackoff)
	b = retry.WithCappedDuration(5*time.Second, b)
	return retry.WithMaxRetries(c.maxRetries, b)
}

// doJSON posts body to path and decodes the response into out. Transport
// failures and retryable gateway errors are retried with exponential
// backoff; everything else surfaces as a *core.Error.
func (c *Client) doJSON(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), rd)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		c.addAuthHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(&TransportError{Op: method, URL: c.url(path), Err: err})
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(&TransportError{Op: method, URL: c.url(path), Err: err})
		}

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			apiErr := parseGatewayError(resp.StatusCode, respBody)
			if ce, ok := apiErr.(*core.Error); ok && ce.IsRetryable() {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}

// openStream posts body to path and returns the raw response for SSE
// consumption. The caller owns resp.Body.
func (c *Client) openStream(ctx context.Context, path string, header http.Header, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var resp *http.Response
	err = retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		c.addAuthHeaders(req)

		r, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(&TransportError{Op: http.MethodPost, URL: c.url(path), Err: err})
		}
		if r.StatusCode < http.StatusOK || r.StatusCode >= http.StatusMultipleChoices {
			respBody, _ := io.ReadAll(r.Body)
			r.Body.Close()
			apiErr := parseGatewayError(r.StatusCode, respBody)
			if ce, ok := apiErr.(*core.Error); ok && ce.IsRetryable() {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// parseGatewayError decodes the gateway's error envelope, falling back
// to a synthetic error when the body is not one.
func parseGatewayError(status int, body []byte) error {
	var envelope struct {
		Error *core.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Type != "" {
		return envelope.Error
	}

	message := strings.TrimSpace(string(body))
	if message == "" {
		message = fmt.Sprintf("gateway error (status %d)", status)
	}
	return &core.Error{Type: core.ErrInternal, Message: message}
}
