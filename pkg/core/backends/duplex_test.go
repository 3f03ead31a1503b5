package backends

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rapheal7/My-Agent/pkg/core"
)

// newDuplexServer runs handler for each websocket connection and returns
// the ws:// URL to dial.
func newDuplexServer(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

// scriptedDuplex speaks the duplex backend protocol: buffers utterance
// audio, answers generate with a canned reply, streams two audio frames
// for speak.
func scriptedDuplex(conn *websocket.Conn) {
	var utteranceBytes int
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			utteranceBytes += len(data)
			continue
		}
		var msg duplexMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "utterance_end":
			conn.WriteJSON(duplexMessage{Type: "transcript", Text: "heard " + strconv.Itoa(utteranceBytes) + " bytes"})
			utteranceBytes = 0
		case "generate":
			conn.WriteJSON(duplexMessage{Type: "reply", Text: "re: " + msg.Text})
		case "speak":
			conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
			conn.WriteMessage(websocket.BinaryMessage, []byte{3, 4})
			conn.WriteJSON(duplexMessage{Type: "audio_end"})
		}
	}
}

func TestDuplexClient_FullTurn(t *testing.T) {
	server, url := newDuplexServer(t, scriptedDuplex)
	defer server.Close()

	c := NewDuplexClient("duplex", url, "key")
	defer c.Close()

	// Utterance larger than one write chunk to exercise framing.
	pcm := make([]byte, duplexWriteChunk+100)
	text, err := c.Transcribe(t.Context(), pcm)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "heard "+strconv.Itoa(len(pcm))+" bytes" {
		t.Fatalf("transcript = %q, want heard %d bytes", text, len(pcm))
	}

	reply, err := c.Complete(t.Context(), []Exchange{{User: "a", Assistant: "b"}}, "hello")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if reply != "re: hello" {
		t.Fatalf("reply = %q, want re: hello", reply)
	}

	chunks, err := c.Synthesize(t.Context(), reply)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	var audio []byte
	for chunk := range chunks {
		audio = append(audio, chunk...)
	}
	if string(audio) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("audio = %v, want [1 2 3 4]", audio)
	}
}

func TestDuplexClient_SynthesizeCancelKeepsStreamUsable(t *testing.T) {
	server, url := newDuplexServer(t, func(conn *websocket.Conn) {
		sawCancel := false
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var msg duplexMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "speak":
				if sawCancel {
					// second request completes normally
					conn.WriteMessage(websocket.BinaryMessage, []byte{9})
					conn.WriteJSON(duplexMessage{Type: "audio_end"})
					continue
				}
				// first request: one frame, then wait for cancel
				conn.WriteMessage(websocket.BinaryMessage, []byte{5})
			case "cancel":
				sawCancel = true
				conn.WriteJSON(duplexMessage{Type: "audio_end"})
			}
		}
	})
	defer server.Close()

	c := NewDuplexClient("duplex", url, "")
	defer c.Close()

	ctx, cancel := context.WithCancel(t.Context())
	chunks, err := c.Synthesize(ctx, "long reply")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	first, ok := <-chunks
	if !ok || len(first) != 1 || first[0] != 5 {
		t.Fatalf("first chunk = %v ok=%v, want [5]", first, ok)
	}
	cancel()

	// Channel must close after the cancel handshake.
	deadline := time.After(3 * time.Second)
drain:
	for {
		select {
		case _, open := <-chunks:
			if !open {
				break drain
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}

	// The connection survives; a new synthesis works.
	chunks2, err := c.Synthesize(t.Context(), "next")
	if err != nil {
		t.Fatalf("second Synthesize() error = %v", err)
	}
	var audio []byte
	for chunk := range chunks2 {
		audio = append(audio, chunk...)
	}
	if len(audio) != 1 || audio[0] != 9 {
		t.Fatalf("second audio = %v, want [9]", audio)
	}
}

func TestDuplexClient_ServerError(t *testing.T) {
	server, url := newDuplexServer(t, func(conn *websocket.Conn) {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var msg duplexMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "generate" {
				conn.WriteJSON(duplexMessage{Type: "error", Code: "overloaded", Message: "try later"})
			}
		}
	})
	defer server.Close()

	c := NewDuplexClient("duplex", url, "")
	defer c.Close()

	_, err := c.Complete(t.Context(), nil, "hello")
	ce := core.AsError(err)
	if ce == nil {
		t.Fatalf("Complete() error = %v, want *core.Error", err)
	}
	if ce.Type != core.ErrBackend || ce.Code != "overloaded" {
		t.Fatalf("type/code = %q/%q, want backend_error/overloaded", ce.Type, ce.Code)
	}
}

func TestDuplexClient_RedialAfterDrop(t *testing.T) {
	var conns atomic.Int32
	server, url := newDuplexServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			return // first connection drops immediately
		}
		scriptedDuplex(conn)
	})
	defer server.Close()

	c := NewDuplexClient("duplex", url, "")
	defer c.Close()

	_, err := c.Transcribe(t.Context(), []byte{1})
	ce := core.AsError(err)
	if ce == nil || ce.Type != core.ErrTransport {
		t.Fatalf("first Transcribe() error = %v, want transport_error", err)
	}

	text, err := c.Transcribe(t.Context(), []byte{1, 2})
	if err != nil {
		t.Fatalf("second Transcribe() error = %v", err)
	}
	if text != "heard 2 bytes" {
		t.Fatalf("transcript = %q, want heard 2 bytes", text)
	}
	if got := conns.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}
}

func TestDuplexClient_Probe(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server, url := newDuplexServer(t, func(conn *websocket.Conn) {
			conn.ReadMessage()
		})
		defer server.Close()

		c := NewDuplexClient("duplex", url, "")
		if err := c.Probe(t.Context()); err != nil {
			t.Fatalf("Probe() error = %v", err)
		}
	})

	t.Run("down", func(t *testing.T) {
		server, url := newDuplexServer(t, func(conn *websocket.Conn) {})
		server.Close()

		c := NewDuplexClient("duplex", url, "")
		err := c.Probe(t.Context())
		ce := core.AsError(err)
		if ce == nil || ce.Type != core.ErrUnavailable {
			t.Fatalf("Probe() error = %v, want unavailable", err)
		}
	})

	t.Run("rejected credentials", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no", http.StatusUnauthorized)
		}))
		defer server.Close()
		url := "ws" + strings.TrimPrefix(server.URL, "http")

		c := NewDuplexClient("duplex", url, "bad-key")
		err := c.Probe(t.Context())
		ce := core.AsError(err)
		if ce == nil || ce.Type != core.ErrAuthentication {
			t.Fatalf("Probe() error = %v, want authentication_error", err)
		}
	})
}

func TestDuplexClient_CloseIdempotent(t *testing.T) {
	server, url := newDuplexServer(t, scriptedDuplex)
	defer server.Close()

	c := NewDuplexClient("duplex", url, "")
	if _, err := c.Transcribe(t.Context(), []byte{1}); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	_, err := c.Transcribe(t.Context(), []byte{1})
	ce := core.AsError(err)
	if ce == nil || ce.Type != core.ErrTransport {
		t.Fatalf("Transcribe() after close error = %v, want transport_error", err)
	}
}
