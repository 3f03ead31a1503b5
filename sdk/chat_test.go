package voiceagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core"
)

// --- harness ---

type chatServer struct {
	t      *testing.T
	srv    *httptest.Server
	calls  atomic.Int64
	handle func(w http.ResponseWriter, r *http.Request, call int64)
}

func newChatServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, call int64)) *chatServer {
	t.Helper()
	cs := &chatServer{t: t, handle: handle}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := cs.calls.Add(1)
		if r.URL.Path != "/v1/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		cs.handle(w, r, call)
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func writeErrorEnvelope(w http.ResponseWriter, status int, e *core.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": e})
}

func decodeChatRequest(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

// --- tests ---

func TestChatPostsTurn(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization header = %q", got)
		}
		body := decodeChatRequest(t, r)
		if body["text"] != "hello there" {
			t.Errorf("text = %v", body["text"])
		}
		history, ok := body["history"].([]any)
		if !ok || len(history) != 1 {
			t.Fatalf("history = %v", body["history"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ChatResponse{Reply: "hi!", Mode: "chat"})
	})

	client := NewClient(cs.srv.URL, WithAPIKey("sk-test"))
	resp, err := client.Chat(context.Background(), ChatRequest{
		Text:    "hello there",
		History: []Exchange{{User: "earlier", Assistant: "noted"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Reply != "hi!" || resp.Mode != "chat" {
		t.Errorf("response = %+v", resp)
	}
}

func TestChatSendsForcedModeHeader(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		if got := r.Header.Get("X-Mode"); got != "text_only" {
			t.Errorf("X-Mode = %q, want text_only", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ChatResponse{Reply: "I heard you say: hi", Mode: "text_only"})
	})

	client := NewClient(cs.srv.URL)
	resp, err := client.Chat(context.Background(), ChatRequest{Text: "hi", Mode: "text_only"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Mode != "text_only" {
		t.Errorf("mode = %q", resp.Mode)
	}
}

func TestChatDecodesGatewayError(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		writeErrorEnvelope(w, http.StatusBadRequest, &core.Error{
			Type:    core.ErrInvalidRequest,
			Message: "text must not be empty",
			Param:   "text",
		})
	})

	client := NewClient(cs.srv.URL, WithRetries(0))
	_, err := client.Chat(context.Background(), ChatRequest{Text: "   "})
	var ce *core.Error
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T), want *core.Error", err, err)
	}
	if ce.Type != core.ErrInvalidRequest || ce.Param != "text" {
		t.Errorf("error = %+v", ce)
	}
}

func TestChatRetriesRetryableErrors(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, call int64) {
		if call == 1 {
			writeErrorEnvelope(w, http.StatusBadGateway, &core.Error{
				Type:    core.ErrBackend,
				Message: "upstream hiccup",
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ChatResponse{Reply: "recovered", Mode: "chat"})
	})

	client := NewClient(cs.srv.URL, WithRetries(2), WithRetryBackoff(time.Millisecond))
	resp, err := client.Chat(context.Background(), ChatRequest{Text: "ping"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Reply != "recovered" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if got := cs.calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestChatDoesNotRetryPermanentErrors(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		writeErrorEnvelope(w, http.StatusUnauthorized, &core.Error{
			Type:    core.ErrAuthentication,
			Message: "invalid api key",
		})
	})

	client := NewClient(cs.srv.URL, WithRetries(3), WithRetryBackoff(time.Millisecond))
	_, err := client.Chat(context.Background(), ChatRequest{Text: "ping"})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrAuthentication {
		t.Fatalf("error = %v", err)
	}
	if got := cs.calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

func TestChatStreamDeliversDeltas(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		body := decodeChatRequest(t, r)
		if body["stream"] != true {
			t.Errorf("stream = %v, want true", body["stream"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: reply.delta\ndata: %s\n\n", `{"text":"one "}`)
		fmt.Fprintf(w, "event: reply.delta\ndata: %s\n\n", `{"text":"two"}`)
		fmt.Fprintf(w, "event: reply.completed\ndata: %s\n\n", `{"reply":"one two","mode":"chat"}`)
	})

	client := NewClient(cs.srv.URL)
	stream, err := client.ChatStream(context.Background(), ChatRequest{Text: "count"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer stream.Close()

	var got string
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got += delta.Text
	}
	if got != "one two" {
		t.Errorf("assembled deltas = %q", got)
	}
	resp := stream.Response()
	if resp == nil || resp.Reply != "one two" || resp.Mode != "chat" {
		t.Errorf("response = %+v", resp)
	}
}

func TestChatStreamSurfacesErrorEvents(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: reply.delta\ndata: %s\n\n", `{"text":"half an ans"}`)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", `{"error":{"type":"timeout_error","message":"stage timed out"}}`)
	})

	client := NewClient(cs.srv.URL)
	stream, err := client.ChatStream(context.Background(), ChatRequest{Text: "slow"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	_, err = stream.Recv()
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrTimeout {
		t.Fatalf("error = %v", err)
	}
	// The error is sticky.
	if _, again := stream.Recv(); !errors.As(again, &ce) {
		t.Errorf("repeat Recv = %v", again)
	}
}

func TestChatStreamTruncationIsAnError(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: reply.delta\ndata: %s\n\n", `{"text":"cut off"}`)
	})

	client := NewClient(cs.srv.URL)
	stream, err := client.ChatStream(context.Background(), ChatRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	_, err = stream.Recv()
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrTransport {
		t.Fatalf("error after truncation = %v, want transport error", err)
	}
}

func TestChatStreamRejectionDecodesEnvelope(t *testing.T) {
	cs := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		writeErrorEnvelope(w, http.StatusServiceUnavailable, &core.Error{
			Type:    core.ErrUnavailable,
			Message: "no responder available",
		})
	})

	client := NewClient(cs.srv.URL, WithRetries(0))
	_, err := client.ChatStream(context.Background(), ChatRequest{Text: "hi"})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrUnavailable {
		t.Fatalf("error = %v", err)
	}
}
