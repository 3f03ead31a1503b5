package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core/backends"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := NewMetrics("test")

	m.RecordRequest("/v1/chat", "200", 150*time.Millisecond)
	m.RecordSessionStart()
	m.RecordSessionEnd("local_stt", "closed", time.Minute)
	m.RecordTurn("completed")
	m.RecordTurn("superseded")
	m.RecordAudio("in", 3200)
	m.RecordAudio("out", 6400)
	m.RecordAudio("out", 0) // no-op
	m.RecordThrottle("session_rate")
	m.RecordResume("accepted")
	m.RecordBackendCall("whisper", "stt", 80*time.Millisecond, nil)
	m.RecordBackendCall("chat", "llm", time.Second, errors.New("boom"))
	m.RecordError("backend")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	wanted := []string{
		`test_sessions_total{mode="local_stt",status="closed"} 1`,
		`test_turns_total{outcome="completed"} 1`,
		`test_audio_bytes_total{direction="out"} 6400`,
		`test_throttle_hits_total{scope="session_rate"} 1`,
		`test_resumes_total{outcome="accepted"} 1`,
		`test_errors_total{type="backend"} 1`,
	}
	for _, want := range wanted {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	if !strings.Contains(body, `stage="llm",status="error"`) {
		t.Errorf("backend call error status not exposed:\n%s", body)
	}
}

type streamFake struct{}

func (streamFake) Name() string { return "stream-llm" }
func (streamFake) Complete(ctx context.Context, history []backends.Exchange, userText string) (string, error) {
	return "ok", nil
}
func (streamFake) CompleteStream(ctx context.Context, history []backends.Exchange, userText string) (<-chan string, error) {
	ch := make(chan string, 1)
	ch <- "ok"
	close(ch)
	return ch, nil
}

type plainSynth struct{}

func (plainSynth) Name() string { return "piper" }
func (plainSynth) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func TestInstrumentChain_PreservesStreaming(t *testing.T) {
	m := NewMetrics("test")
	chain := m.InstrumentChain(backends.Chain{LLM: streamFake{}, TTS: plainSynth{}})

	if chain.STT != nil {
		t.Fatalf("nil stage should stay nil")
	}
	sc, ok := chain.LLM.(backends.StreamingCompleter)
	if !ok {
		t.Fatalf("wrapper lost the streaming capability")
	}
	if _, err := sc.CompleteStream(context.Background(), nil, "hi"); err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if _, err := chain.LLM.Complete(context.Background(), nil, "hi"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := chain.TTS.Synthesize(context.Background(), "hi"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `backend="stream-llm",stage="llm",status="ok"`) {
		t.Errorf("llm calls not recorded:\n%s", body)
	}
	if !strings.Contains(body, `backend="piper",stage="tts",status="ok"`) {
		t.Errorf("tts call not recorded")
	}
}

