package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rapheal7/My-Agent/pkg/core/backends"
	"github.com/Rapheal7/My-Agent/pkg/core/modes"
	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	"github.com/Rapheal7/My-Agent/pkg/gateway/lifecycle"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/protocol"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/sessions"
	"github.com/Rapheal7/My-Agent/pkg/gateway/metrics"
	"github.com/Rapheal7/My-Agent/pkg/gateway/ratelimit"
)

// --- harness ---------------------------------------------------------------

type voiceGateway struct {
	srv     *httptest.Server
	tracker *sessions.Tracker
	store   *sessions.MemoryStore
	handler VoiceHandler
}

func newVoiceGateway(t *testing.T, mutate func(*VoiceHandler)) *voiceGateway {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.AuthMode = config.AuthModeDisabled

	tracker := sessions.NewTracker(logger)
	store := sessions.NewMemoryStore(nil)

	h := VoiceHandler{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.NewMetrics("test"),
		Lifecycle: &lifecycle.Lifecycle{},
		Tracker:   tracker,
		Resume:    store,
		SelectMode: func(context.Context, bool) modes.Selection {
			return modes.Selection{
				Mode:      modes.ModeTextOnly,
				TextInput: true,
				Chain:     backends.Chain{LLM: backends.NewOfflineResponder()},
			}
		},
	}
	if mutate != nil {
		mutate(&h)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		tracker.CloseAll("test cleanup")
		deadline := time.Now().Add(2 * time.Second)
		for tracker.Count() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if n := tracker.Count(); n > 0 {
			t.Errorf("%d sessions still tracked after cleanup", n)
		}
	})

	return &voiceGateway{srv: srv, tracker: tracker, store: store, handler: h}
}

func (g *voiceGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func textOnlyHello() protocol.ClientHello {
	return protocol.ClientHello{
		Type:            "hello",
		ProtocolVersion: protocol.ProtocolVersion1,
		Features:        protocol.HelloFeatures{TextOnly: true},
	}
}

func audioHello() protocol.ClientHello {
	return protocol.ClientHello{
		Type:            "hello",
		ProtocolVersion: protocol.ProtocolVersion1,
		Audio: protocol.AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: 16000,
			Channels:     1,
		},
	}
}

func writeHello(t *testing.T, conn *websocket.Conn, hello protocol.ClientHello) {
	t.Helper()
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

// readUntil reads frames until one carries the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		var ev map[string]any
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		if ev["type"] == wantType {
			return ev
		}
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- HTTP-level rejections -------------------------------------------------

func TestVoiceHandlerMethodNotAllowed(t *testing.T) {
	g := newVoiceGateway(t, nil)

	resp, err := http.Post(g.srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestVoiceHandlerRefusesWhileDraining(t *testing.T) {
	g := newVoiceGateway(t, nil)
	g.handler.Lifecycle.BeginDrain()

	resp, err := http.Get(g.srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envelope.Error.Code != "draining" {
		t.Fatalf("error code = %q, want draining", envelope.Error.Code)
	}
}

func TestVoiceHandlerRejectsUnknownOrigin(t *testing.T) {
	g := newVoiceGateway(t, func(h *VoiceHandler) {
		h.Config.CORSOrigins = []string{"https://app.example.com"}
	})

	req, _ := http.NewRequest(http.MethodGet, g.srv.URL, nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

// --- handshake -------------------------------------------------------------

func TestVoiceHandlerFirstFrameMustBeHello(t *testing.T) {
	g := newVoiceGateway(t, nil)
	conn := g.dial(t)

	if err := conn.WriteJSON(map[string]any{"type": "text", "text": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame := readMessage(t, conn)
	if errFrame["type"] != "error" {
		t.Fatalf("frame type = %v, want error", errFrame["type"])
	}
	if errFrame["code"] != "bad_request" {
		t.Fatalf("error code = %v, want bad_request", errFrame["code"])
	}
	if errFrame["close"] != true {
		t.Fatalf("error close = %v, want true", errFrame["close"])
	}
}

func TestVoiceHandlerRejectsWrongProtocolVersion(t *testing.T) {
	g := newVoiceGateway(t, nil)
	conn := g.dial(t)

	hello := textOnlyHello()
	hello.ProtocolVersion = "2"
	writeHello(t, conn, hello)

	errFrame := readMessage(t, conn)
	if errFrame["code"] != "unsupported" {
		t.Fatalf("error code = %v, want unsupported", errFrame["code"])
	}
	if errFrame["param"] != "protocol_version" {
		t.Fatalf("error param = %v, want protocol_version", errFrame["param"])
	}
}

func TestVoiceHandlerAuthRequired(t *testing.T) {
	g := newVoiceGateway(t, func(h *VoiceHandler) {
		h.Config.AuthMode = config.AuthModeRequired
		h.Config.APIKeys = []string{"sk-good"}
	})

	t.Run("missing key", func(t *testing.T) {
		conn := g.dial(t)
		writeHello(t, conn, textOnlyHello())
		errFrame := readMessage(t, conn)
		if errFrame["code"] != "unauthorized" {
			t.Fatalf("error code = %v, want unauthorized", errFrame["code"])
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		conn := g.dial(t)
		hello := textOnlyHello()
		hello.APIKey = "sk-wrong"
		writeHello(t, conn, hello)
		errFrame := readMessage(t, conn)
		if errFrame["code"] != "unauthorized" {
			t.Fatalf("error code = %v, want unauthorized", errFrame["code"])
		}
	})

	t.Run("valid key", func(t *testing.T) {
		conn := g.dial(t)
		hello := textOnlyHello()
		hello.APIKey = "sk-good"
		writeHello(t, conn, hello)
		ack := readMessage(t, conn)
		if ack["type"] != "hello_ack" {
			t.Fatalf("frame type = %v, want hello_ack", ack["type"])
		}
	})
}

// --- new sessions ----------------------------------------------------------

func TestVoiceHandlerAcceptsNewSession(t *testing.T) {
	g := newVoiceGateway(t, nil)
	conn := g.dial(t)
	writeHello(t, conn, audioHello())

	ack := readMessage(t, conn)
	if ack["type"] != "hello_ack" {
		t.Fatalf("frame type = %v, want hello_ack", ack["type"])
	}
	sid, _ := ack["session_id"].(string)
	if sid == "" {
		t.Fatalf("ack has no session_id: %v", ack)
	}
	if ack["mode"] != string(modes.ModeTextOnly) {
		t.Fatalf("ack mode = %v, want %s", ack["mode"], modes.ModeTextOnly)
	}

	resume, _ := ack["resume"].(map[string]any)
	if resume == nil || resume["supported"] != true {
		t.Fatalf("ack resume = %v, want supported", ack["resume"])
	}
	if resume["accepted"] == true {
		t.Fatalf("new session must not report an accepted resume")
	}
	token, _ := ack["resume_token"].(string)
	if !strings.HasPrefix(token, "rs_") {
		t.Fatalf("resume_token = %q, want rs_ prefix", token)
	}

	limits, _ := ack["limits"].(map[string]any)
	if limits == nil {
		t.Fatalf("ack has no limits block")
	}
	if got := limits["max_audio_frame_bytes"]; got != float64(8192) {
		t.Fatalf("limits.max_audio_frame_bytes = %v, want 8192", got)
	}

	if g.tracker.Get(sid) == nil {
		t.Fatalf("session %s not registered in tracker", sid)
	}
}

func TestVoiceHandlerServesTextTurn(t *testing.T) {
	g := newVoiceGateway(t, nil)
	conn := g.dial(t)
	writeHello(t, conn, textOnlyHello())

	ack := readMessage(t, conn)
	if ack["type"] != "hello_ack" {
		t.Fatalf("frame type = %v, want hello_ack", ack["type"])
	}
	readUntil(t, conn, "session.started")

	if err := conn.WriteJSON(map[string]any{"type": "text", "text": "hello there"}); err != nil {
		t.Fatalf("write text: %v", err)
	}
	reply := readUntil(t, conn, "turn.reply")
	if text, _ := reply["text"].(string); text == "" {
		t.Fatalf("turn.reply has empty text: %v", reply)
	}
	readUntil(t, conn, "turn.completed")
}

func TestVoiceHandlerThrottlesConcurrentSessions(t *testing.T) {
	g := newVoiceGateway(t, func(h *VoiceHandler) {
		h.Limiter = ratelimit.New(ratelimit.Config{MaxConcurrentSessions: 1})
	})

	first := g.dial(t)
	writeHello(t, first, textOnlyHello())
	if ack := readMessage(t, first); ack["type"] != "hello_ack" {
		t.Fatalf("first session: frame type = %v, want hello_ack", ack["type"])
	}

	second := g.dial(t)
	writeHello(t, second, textOnlyHello())
	errFrame := readMessage(t, second)
	if errFrame["code"] != "throttled" {
		t.Fatalf("error code = %v, want throttled", errFrame["code"])
	}
}

// --- resume ----------------------------------------------------------------

func TestVoiceHandlerRejectsUnknownResumeToken(t *testing.T) {
	g := newVoiceGateway(t, nil)
	conn := g.dial(t)

	hello := textOnlyHello()
	hello.ResumeToken = "rs_no_such_token"
	writeHello(t, conn, hello)

	errFrame := readMessage(t, conn)
	if errFrame["code"] != "resume_expired" {
		t.Fatalf("error code = %v, want resume_expired", errFrame["code"])
	}
}

func TestVoiceHandlerResumeRotatesToken(t *testing.T) {
	g := newVoiceGateway(t, nil)

	first := g.dial(t)
	writeHello(t, first, textOnlyHello())
	ack := readMessage(t, first)
	sid, _ := ack["session_id"].(string)
	token, _ := ack["resume_token"].(string)
	if sid == "" || token == "" {
		t.Fatalf("incomplete ack: %v", ack)
	}
	readUntil(t, first, "session.started")

	first.Close()
	waitFor(t, 2*time.Second, "runtime suspend", func() bool {
		rt := g.tracker.Get(sid)
		return rt != nil && !rt.Attached()
	})

	second := g.dial(t)
	hello := textOnlyHello()
	hello.ResumeToken = token
	writeHello(t, second, hello)

	ack2 := readMessage(t, second)
	if ack2["type"] != "hello_ack" {
		t.Fatalf("frame type = %v, want hello_ack", ack2["type"])
	}
	if ack2["session_id"] != sid {
		t.Fatalf("resumed session_id = %v, want %s", ack2["session_id"], sid)
	}
	resume, _ := ack2["resume"].(map[string]any)
	if resume == nil || resume["accepted"] != true {
		t.Fatalf("resume not accepted: %v", ack2["resume"])
	}
	token2, _ := ack2["resume_token"].(string)
	if token2 == "" || token2 == token {
		t.Fatalf("resume must rotate the token, got %q", token2)
	}

	// The consumed token is gone for good.
	third := g.dial(t)
	hello3 := textOnlyHello()
	hello3.ResumeToken = token
	writeHello(t, third, hello3)
	errFrame := readMessage(t, third)
	if errFrame["code"] != "resume_expired" {
		t.Fatalf("error code = %v, want resume_expired", errFrame["code"])
	}
}

func TestVoiceHandlerResumePrincipalMismatch(t *testing.T) {
	g := newVoiceGateway(t, func(h *VoiceHandler) {
		h.Config.AuthMode = config.AuthModeOptional
		h.Config.APIKeys = []string{"sk-alice", "sk-bob"}
	})

	first := g.dial(t)
	hello := textOnlyHello()
	hello.APIKey = "sk-alice"
	writeHello(t, first, hello)
	ack := readMessage(t, first)
	token, _ := ack["resume_token"].(string)
	if token == "" {
		t.Fatalf("incomplete ack: %v", ack)
	}
	readUntil(t, first, "session.started")
	first.Close()

	second := g.dial(t)
	hello2 := textOnlyHello()
	hello2.APIKey = "sk-bob"
	hello2.ResumeToken = token
	writeHello(t, second, hello2)
	errFrame := readMessage(t, second)
	if errFrame["code"] != "unauthorized" {
		t.Fatalf("error code = %v, want unauthorized", errFrame["code"])
	}
}
