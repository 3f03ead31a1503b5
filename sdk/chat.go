package voiceagent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/core/backends"
)

// Exchange is one completed user/assistant round, oldest first in a
// history slice.
type Exchange = backends.Exchange

// ChatRequest is a single text turn against the gateway's text surface.
type ChatRequest struct {
	Text    string     `json:"text"`
	History []Exchange `json:"history,omitempty"`

	// Mode pins a specific backend mode instead of letting the gateway
	// walk its priority order. "text_only" always works.
	Mode string `json:"-"`
}

// ChatResponse is the gateway's reply to a chat turn.
type ChatResponse struct {
	Reply string `json:"reply"`
	Mode  string `json:"mode"`
}

// Chat runs one text turn and returns the full reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var out ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chat", chatHeader(req), chatBody(req, false), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream runs one text turn and streams reply deltas as they are
// generated. The caller must Close the stream.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	resp, err := c.openStream(ctx, "/v1/chat", chatHeader(req), chatBody(req, true))
	if err != nil {
		return nil, err
	}
	return &ChatStream{sse: newSSEReader(resp.Body)}, nil
}

func chatBody(req ChatRequest, stream bool) map[string]any {
	body := map[string]any{"text": req.Text}
	if len(req.History) > 0 {
		body["history"] = req.History
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func chatHeader(req ChatRequest) http.Header {
	if req.Mode == "" {
		return nil
	}
	return http.Header{"X-Mode": []string{req.Mode}}
}

// ChatDelta is one streamed chunk of reply text.
type ChatDelta struct {
	Text string `json:"text"`
}

// ChatStream reads reply deltas from an in-flight streamed chat turn.
type ChatStream struct {
	sse      *sseReader
	response *ChatResponse
	err      error
	done     bool
}

// Recv returns the next delta. io.EOF signals a clean end of stream;
// Response then carries the assembled reply.
func (s *ChatStream) Recv() (ChatDelta, error) {
	if s.done {
		if s.err != nil {
			return ChatDelta{}, s.err
		}
		return ChatDelta{}, io.EOF
	}

	for {
		event, data, err := s.sse.Next()
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				// Stream ended without a completed event: the server gave
				// up mid-turn without saying why.
				s.err = &core.Error{Type: core.ErrTransport, Message: "stream ended unexpectedly"}
			} else {
				s.err = err
			}
			return ChatDelta{}, s.err
		}

		switch event {
		case "reply.delta":
			var delta ChatDelta
			if err := json.Unmarshal(data, &delta); err != nil {
				s.done = true
				s.err = err
				return ChatDelta{}, err
			}
			return delta, nil
		case "reply.completed":
			var resp ChatResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				s.done = true
				s.err = err
				return ChatDelta{}, err
			}
			s.response = &resp
			s.done = true
			return ChatDelta{}, io.EOF
		case "error":
			s.done = true
			var envelope struct {
				Error *core.Error `json:"error"`
			}
			if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
				s.err = envelope.Error
			} else {
				s.err = &core.Error{Type: core.ErrInternal, Message: "malformed error event"}
			}
			return ChatDelta{}, s.err
		default:
			// Unknown event names are skipped so the server can grow the
			// stream vocabulary without breaking old clients.
		}
	}
}

// Response returns the completed turn, or nil until Recv has returned
// io.EOF.
func (s *ChatStream) Response() *ChatResponse {
	return s.response
}

// Close releases the underlying connection.
func (s *ChatStream) Close() error {
	return s.sse.Close()
}
