package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rapheal7/My-Agent/pkg/core/backends"
	"github.com/Rapheal7/My-Agent/pkg/core/live"
	"github.com/Rapheal7/My-Agent/pkg/core/modes"
)

// --- fakes -----------------------------------------------------------------

type fakeCompleter struct {
	fn func(ctx context.Context, history []backends.Exchange, userText string) (string, error)
}

func (f *fakeCompleter) Name() string { return "fake-llm" }
func (f *fakeCompleter) Complete(ctx context.Context, history []backends.Exchange, userText string) (string, error) {
	return f.fn(ctx, history, userText)
}

func chatSelection() modes.Selection {
	return modes.Selection{
		Mode:      modes.ModeChat,
		TextInput: true,
		Chain: backends.Chain{
			LLM: &fakeCompleter{fn: func(_ context.Context, _ []backends.Exchange, text string) (string, error) {
				return "re: " + text, nil
			}},
		},
	}
}

// --- harness ---------------------------------------------------------------

// wsPair is an in-process websocket connection: the server side goes to
// the runtime, the client side plays the user.
type wsPair struct {
	server *websocket.Conn
	client *websocket.Conn
}

func newWSPair(t *testing.T) *wsPair {
	t.Helper()

	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-serverConns:
		return &wsPair{server: server, client: client}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server side of the websocket")
		return nil
	}
}

func defaultTestConfig() Config {
	return Config{
		MaxAudioFrameBytes:  1 << 16,
		MaxJSONMessageBytes: 1 << 20,
		PingInterval:        time.Hour,
		WriteTimeout:        time.Second,
	}
}

func newTestRuntime(t *testing.T, cfg Config, sel modes.Selection) (*Runtime, chan Summary) {
	t.Helper()

	sessCfg := live.DefaultSessionConfig()
	sessCfg.MaxSessionMs = 0
	sess := live.NewSession(sessCfg, sel)

	summaries := make(chan Summary, 1)
	rt := New(context.Background(), Dependencies{
		Session:    sess,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Principal:  "k_test",
		Config:     cfg,
		OnTerminal: func(s Summary) { summaries <- s },
	})
	t.Cleanup(func() {
		rt.Close("test cleanup")
		select {
		case <-rt.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("runtime did not finish on cleanup")
		}
	})
	return rt, summaries
}

// readUntilType reads client messages until one decodes to a JSON
// envelope of the wanted type. Binary payloads are skipped.
func readUntilType(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
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

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitSummary(t *testing.T, summaries chan Summary) Summary {
	t.Helper()
	select {
	case s := <-summaries:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for terminal summary")
		return Summary{}
	}
}

// --- tests -----------------------------------------------------------------

func TestRuntime_TextTurnRelayedToClient(t *testing.T) {
	rt, _ := newTestRuntime(t, defaultTestConfig(), chatSelection())
	pair := newWSPair(t)
	go func() { _ = rt.Attach(pair.server, AttachOptions{}) }()

	readUntilType(t, pair.client, "session.started")

	sendJSON(t, pair.client, map[string]any{"type": "text", "text": "hi"})

	reply := readUntilType(t, pair.client, "turn.reply")
	if got := reply["text"]; got != "re: hi" {
		t.Fatalf("reply text = %v, want %q", got, "re: hi")
	}
	readUntilType(t, pair.client, "turn.completed")
}

func TestRuntime_EndSessionControl(t *testing.T) {
	rt, summaries := newTestRuntime(t, defaultTestConfig(), chatSelection())
	pair := newWSPair(t)
	go func() { _ = rt.Attach(pair.server, AttachOptions{}) }()

	readUntilType(t, pair.client, "session.started")
	sendJSON(t, pair.client, map[string]any{"type": "control", "op": "end_session"})

	closed := readUntilType(t, pair.client, "session.closed")
	if got := closed["reason"]; got != "client_request" {
		t.Fatalf("close reason = %v, want client_request", got)
	}

	summary := waitSummary(t, summaries)
	if summary.State != live.StateClosed {
		t.Fatalf("summary state = %v, want CLOSED", summary.State)
	}
	if summary.Principal != "k_test" {
		t.Fatalf("summary principal = %q", summary.Principal)
	}
	if summary.SessionID == "" {
		t.Fatalf("summary missing session id")
	}
}

func TestRuntime_ProtocolViolationFailsSession(t *testing.T) {
	rt, summaries := newTestRuntime(t, defaultTestConfig(), chatSelection())
	pair := newWSPair(t)
	go func() { _ = rt.Attach(pair.server, AttachOptions{}) }()

	readUntilType(t, pair.client, "session.started")
	sendJSON(t, pair.client, map[string]any{"type": "wat"})

	errFrame := readUntilType(t, pair.client, "error")
	if got := errFrame["code"]; got != "bad_request" {
		t.Fatalf("error code = %v, want bad_request", got)
	}
	if closeFlag, _ := errFrame["close"].(bool); !closeFlag {
		t.Fatalf("protocol error should carry close=true: %v", errFrame)
	}

	failed := readUntilType(t, pair.client, "session.failed")
	if got := failed["code"]; got != "protocol_error" {
		t.Fatalf("session.failed code = %v, want protocol_error", got)
	}

	summary := waitSummary(t, summaries)
	if summary.State != live.StateFailed {
		t.Fatalf("summary state = %v, want FAILED", summary.State)
	}
}

func TestRuntime_DuplicateHelloIsFatal(t *testing.T) {
	rt, _ := newTestRuntime(t, defaultTestConfig(), chatSelection())
	pair := newWSPair(t)
	go func() { _ = rt.Attach(pair.server, AttachOptions{}) }()

	readUntilType(t, pair.client, "session.started")
	sendJSON(t, pair.client, map[string]any{
		"type":             "hello",
		"protocol_version": "1",
		"audio":            map[string]any{"encoding": "pcm_s16le", "sample_rate_hz": 16000, "channels": 1},
	})

	errFrame := readUntilType(t, pair.client, "error")
	if msg, _ := errFrame["message"].(string); !strings.Contains(msg, "hello") {
		t.Fatalf("expected hello rejection, got %v", errFrame)
	}
	readUntilType(t, pair.client, "session.failed")
}

func TestRuntime_ConnDropSuspendsSession(t *testing.T) {
	rt, summaries := newTestRuntime(t, defaultTestConfig(), chatSelection())
	pair := newWSPair(t)
	go func() { _ = rt.Attach(pair.server, AttachOptions{}) }()

	readUntilType(t, pair.client, "session.started")
	pair.client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for rt.Attached() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rt.Attached() {
		t.Fatalf("runtime still attached after the connection died")
	}
	if rt.SuspendedFor(time.Now().Add(time.Second)) <= 0 {
		t.Fatalf("expected a positive suspended duration")
	}
	if got := rt.State(); got != live.StateListening {
		t.Fatalf("session state after suspend = %v, want LISTENING", got)
	}

	rt.Close("idle_timeout")
	summary := waitSummary(t, summaries)
	if summary.State != live.StateClosed {
		t.Fatalf("summary state = %v, want CLOSED", summary.State)
	}
}

func TestRuntime_ResumeTakeoverSupersedesOldConnection(t *testing.T) {
	rt, _ := newTestRuntime(t, defaultTestConfig(), chatSelection())

	first := newWSPair(t)
	go func() { _ = rt.Attach(first.server, AttachOptions{}) }()
	readUntilType(t, first.client, "session.started")

	second := newWSPair(t)
	go func() { _ = rt.Attach(second.server, AttachOptions{}) }()

	errFrame := readUntilType(t, first.client, "error")
	if got := errFrame["code"]; got != "superseded_connection" {
		t.Fatalf("first connection error code = %v, want superseded_connection", got)
	}

	// The session carries on over the new connection.
	sendJSON(t, second.client, map[string]any{"type": "text", "text": "still here?"})
	reply := readUntilType(t, second.client, "turn.reply")
	if got := reply["text"]; got != "re: still here?" {
		t.Fatalf("reply over resumed connection = %v", got)
	}
}

func TestRuntime_BinaryFrameWithoutNegotiationIsFatal(t *testing.T) {
	rt, summaries := newTestRuntime(t, defaultTestConfig(), chatSelection())
	pair := newWSPair(t)
	go func() { _ = rt.Attach(pair.server, AttachOptions{}) }()

	readUntilType(t, pair.client, "session.started")

	frame := make([]byte, 16)
	binary.BigEndian.PutUint64(frame[:8], 1)
	if err := pair.client.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	errFrame := readUntilType(t, pair.client, "error")
	if got := errFrame["code"]; got != "bad_request" {
		t.Fatalf("error code = %v, want bad_request", got)
	}
	summary := waitSummary(t, summaries)
	if summary.State != live.StateFailed {
		t.Fatalf("summary state = %v, want FAILED", summary.State)
	}
}

func TestRuntime_OversizeAudioFrameIsFatal(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxAudioFrameBytes = 16
	rt, summaries := newTestRuntime(t, cfg, chatSelection())
	pair := newWSPair(t)
	go func() { _ = rt.Attach(pair.server, AttachOptions{BinaryAudio: true}) }()

	readUntilType(t, pair.client, "session.started")

	frame := make([]byte, 8+32)
	binary.BigEndian.PutUint64(frame[:8], 1)
	if err := pair.client.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	errFrame := readUntilType(t, pair.client, "error")
	if got := errFrame["code"]; got != "frame_too_large" {
		t.Fatalf("error code = %v, want frame_too_large", got)
	}
	summary := waitSummary(t, summaries)
	if summary.State != live.StateFailed {
		t.Fatalf("summary state = %v, want FAILED", summary.State)
	}
}

func TestRuntime_AudioFloodDropsAndWarnsOnce(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxAudioFPS = 1
	cfg.InboundBurstSeconds = 1
	rt, summaries := newTestRuntime(t, cfg, chatSelection())
	pair := newWSPair(t)
	go func() { _ = rt.Attach(pair.server, AttachOptions{}) }()

	readUntilType(t, pair.client, "session.started")

	// Burst of one: the second frame exceeds the rate and is dropped.
	sendJSON(t, pair.client, map[string]any{"type": "audio_frame", "seq": 1, "data_b64": "AAAA"})
	sendJSON(t, pair.client, map[string]any{"type": "audio_frame", "seq": 2, "data_b64": "AAAA"})

	warning := readUntilType(t, pair.client, "warning")
	if got := warning["code"]; got != "throttled" {
		t.Fatalf("warning code = %v, want throttled", got)
	}

	sendJSON(t, pair.client, map[string]any{"type": "control", "op": "end_session"})
	summary := waitSummary(t, summaries)
	if summary.State != live.StateClosed {
		t.Fatalf("flood must not end the session: state = %v", summary.State)
	}
	if summary.AudioIn != 3 {
		t.Fatalf("summary audio in = %d bytes, want 3 (one admitted frame)", summary.AudioIn)
	}
}

func TestRuntime_AttachAfterTerminalRejected(t *testing.T) {
	rt, summaries := newTestRuntime(t, defaultTestConfig(), chatSelection())
	rt.Close("done")
	waitSummary(t, summaries)

	pair := newWSPair(t)
	if err := rt.Attach(pair.server, AttachOptions{}); err != ErrSessionEnded {
		t.Fatalf("Attach after terminal = %v, want ErrSessionEnded", err)
	}
}

func TestRuntime_CanceledTurnSetEvictsOldest(t *testing.T) {
	rt, _ := newTestRuntime(t, defaultTestConfig(), chatSelection())

	for i := 0; i < canceledTurnCap+1; i++ {
		rt.markTurnCanceled(fmt.Sprintf("t_%03d", i))
	}
	if rt.isTurnCanceled("t_000") {
		t.Fatalf("oldest turn should have been evicted")
	}
	if !rt.isTurnCanceled(fmt.Sprintf("t_%03d", canceledTurnCap)) {
		t.Fatalf("newest turn should be canceled")
	}
	if rt.isTurnCanceled("") {
		t.Fatalf("empty id is never canceled")
	}
}
