package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core"
)

// ChatCompleter talks to an OpenAI-compatible chat-completions endpoint.
// It covers both the remote chat backend and local llamafile-style servers,
// which speak the same protocol on a different base URL.
type ChatCompleter struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	system     string
	httpClient *http.Client
}

// ChatOption configures a ChatCompleter.
type ChatOption func(*ChatCompleter)

// WithChatHTTPClient overrides the HTTP client.
func WithChatHTTPClient(client *http.Client) ChatOption {
	return func(c *ChatCompleter) { c.httpClient = client }
}

// WithSystemPrompt sets the system prompt sent ahead of the conversation.
func WithSystemPrompt(prompt string) ChatOption {
	return func(c *ChatCompleter) { c.system = prompt }
}

// NewChatCompleter creates a completer for an OpenAI-compatible endpoint.
func NewChatCompleter(name, baseURL, apiKey, model string, opts ...ChatOption) *ChatCompleter {
	c := &ChatCompleter{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the backend identifier.
func (c *ChatCompleter) Name() string { return c.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *ChatCompleter) messages(history []Exchange, userText string) []chatMessage {
	msgs := make([]chatMessage, 0, 2*len(history)+2)
	if c.system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.system})
	}
	for _, ex := range history {
		msgs = append(msgs, chatMessage{Role: "user", Content: ex.User})
		if ex.Assistant != "" {
			msgs = append(msgs, chatMessage{Role: "assistant", Content: ex.Assistant})
		}
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: userText})
	return msgs
}

// Complete requests a full reply for the given transcript.
func (c *ChatCompleter) Complete(ctx context.Context, history []Exchange, userText string) (string, error) {
	body, err := c.doRequest(ctx, &chatRequest{
		Model:    c.model,
		Messages: c.messages(history, userText),
	})
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", core.NewProtocolError(c.name, fmt.Sprintf("malformed completion response: %v", err))
	}
	if len(resp.Choices) == 0 {
		return "", core.NewProtocolError(c.name, "completion response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStream requests a streamed reply; tokens arrive on the returned
// channel, which is closed when the reply finishes.
func (c *ChatCompleter) CompleteStream(ctx context.Context, history []Exchange, userText string) (<-chan string, error) {
	stream, err := c.doStreamRequest(ctx, &chatRequest{
		Model:    c.model,
		Messages: c.messages(history, userText),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				if data == "[DONE]" {
					return
				}
				continue
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					select {
					case out <- choice.Delta.Content:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Probe checks that the endpoint is configured and reachable.
func (c *ChatCompleter) Probe(ctx context.Context) error {
	if c.baseURL == "" {
		return core.NewUnavailableError(c.name, errors.New("no endpoint configured"))
	}
	return probeHTTP(ctx, c.httpClient, c.baseURL+"/models", c.authHeader())
}

func (c *ChatCompleter) authHeader() string {
	if c.apiKey == "" {
		return ""
	}
	return "Bearer " + c.apiKey
}

func (c *ChatCompleter) doRequest(ctx context.Context, req *chatRequest) ([]byte, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.statusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewBackendError(c.name, fmt.Errorf("read response: %w", err))
	}
	return body, nil
}

func (c *ChatCompleter) doStreamRequest(ctx context.Context, req *chatRequest) (io.ReadCloser, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}
	return resp.Body, nil
}

func (c *ChatCompleter) send(ctx context.Context, req *chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("marshal chat request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("create chat request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h := c.authHeader(); h != "" {
		httpReq.Header.Set("Authorization", h)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, callError(c.name, err)
	}
	return resp, nil
}

func (c *ChatCompleter) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return statusError(c.name, resp.StatusCode, body)
}

// callError maps transport-level failures of a backend call onto the core
// taxonomy: deadline hits become timeouts, everything else a backend error
// tagged unreachable so the session can confirm with a probe.
func callError(name string, err error) *core.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTimeoutError(name)
	}
	ce := core.NewBackendError(name, err)
	ce.Code = "unreachable"
	return ce
}

// statusError maps an HTTP error status onto the core taxonomy.
func statusError(name string, status int, body []byte) *core.Error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e := core.NewAuthenticationError(fmt.Sprintf("%s rejected credentials: %s", name, msg))
		e.Backend = name
		return e
	case status == http.StatusTooManyRequests:
		e := core.NewBackendError(name, fmt.Errorf("rate limited: %s", msg))
		e.Code = "rate_limited"
		return e
	default:
		e := core.NewBackendError(name, fmt.Errorf("status %d: %s", status, msg))
		e.Code = fmt.Sprintf("http_%d", status)
		return e
	}
}

// IsConnectivity reports whether err looks like the backend endpoint is
// down rather than a bad individual call. Used to decide when a failed
// stage warrants a health re-probe.
func IsConnectivity(err error) bool {
	ce := core.AsError(err)
	if ce == nil {
		return false
	}
	return (ce.Type == core.ErrBackend && ce.Code == "unreachable") || ce.Type == core.ErrUnavailable
}

// probeTimeout bounds a single availability probe.
const probeTimeout = 2 * time.Second

// probeHTTP performs a short GET against url and reports unavailability.
func probeHTTP(ctx context.Context, client *http.Client, url, auth string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.NewInternalError(fmt.Sprintf("create probe request: %v", err))
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := client.Do(req)
	if err != nil {
		return core.NewUnavailableError(probeName(url), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return core.NewUnavailableError(probeName(url), fmt.Errorf("health status %d", resp.StatusCode))
	}
	return nil
}

func probeName(url string) string {
	url = strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if i := strings.IndexByte(url, '/'); i > 0 {
		return url[:i]
	}
	return url
}
