package live

import (
	"context"
	"errors"
	"testing"
)

func testBackchannelConfig() BackchannelConfig {
	return BackchannelConfig{
		Enabled:     true,
		Phrases:     []string{"mhm", "right", "I see"},
		PauseMs:     400,
		MinSpeechMs: 1000,
		CooldownMs:  4000,
	}
}

func TestBackchannelerGating(t *testing.T) {
	b := NewBackchanneler(testBackchannelConfig())

	if ev := b.Maybe(500, 400); ev != nil {
		t.Error("should stay quiet before the speech minimum")
	}
	if ev := b.Maybe(1000, 100); ev != nil {
		t.Error("should stay quiet before the pause threshold")
	}

	ev := b.Maybe(1000, 400)
	if ev == nil {
		t.Fatal("first eligible pause should produce an acknowledgment")
	}
	if ev.Text != "mhm" {
		t.Errorf("phrase = %q, want %q", ev.Text, "mhm")
	}

	if ev := b.Maybe(1500, 400); ev != nil {
		t.Error("cooldown should block back-to-back acknowledgments")
	}
}

func TestBackchannelerRoundRobin(t *testing.T) {
	config := testBackchannelConfig()
	config.CooldownMs = 0
	b := NewBackchanneler(config)

	want := []string{"mhm", "right", "I see", "mhm"}
	for i, phrase := range want {
		ev := b.Maybe(2000, 500)
		if ev == nil {
			t.Fatalf("call %d returned nil", i)
		}
		if ev.Text != phrase {
			t.Errorf("call %d phrase = %q, want %q", i, ev.Text, phrase)
		}
	}
}

func TestBackchannelerDisabled(t *testing.T) {
	config := testBackchannelConfig()
	config.Enabled = false
	b := NewBackchanneler(config)
	if ev := b.Maybe(5000, 1000); ev != nil {
		t.Error("disabled backchanneler must stay quiet")
	}

	config = testBackchannelConfig()
	config.Phrases = nil
	b = NewBackchanneler(config)
	if ev := b.Maybe(5000, 1000); ev != nil {
		t.Error("no phrases means no acknowledgments")
	}
}

func TestBackchannelerPrefill(t *testing.T) {
	audio := DefaultAudioConfig()
	config := BackchannelConfig{
		Enabled:     true,
		Phrases:     []string{"mhm", "right"},
		PauseMs:     400,
		MinSpeechMs: 1000,
	}
	b := NewBackchanneler(config)

	var requested []string
	tts := &fakeSynthesizer{fn: func(_ context.Context, text string) (<-chan []byte, error) {
		requested = append(requested, text)
		if text == "right" {
			return nil, errors.New("synth down")
		}
		out := make(chan []byte, 2)
		out <- tone(audio, 50, 4000)
		out <- tone(audio, 50, 4000)
		close(out)
		return out, nil
	}}

	b.Prefill(context.Background(), tts, nil)

	if len(requested) != 2 {
		t.Fatalf("synthesized %d phrases, want 2", len(requested))
	}

	// Cached clip rides along with the phrase.
	ev := b.Maybe(2000, 500)
	if ev == nil || ev.Text != "mhm" {
		t.Fatalf("first acknowledgment = %+v", ev)
	}
	if len(ev.Audio) != audio.BytesForDurationMs(100) {
		t.Errorf("clip = %d bytes, want %d", len(ev.Audio), audio.BytesForDurationMs(100))
	}

	// A phrase whose synthesis failed still goes out as text.
	ev = b.Maybe(2000, 500)
	if ev == nil || ev.Text != "right" {
		t.Fatalf("second acknowledgment = %+v", ev)
	}
	if ev.Audio != nil {
		t.Errorf("failed clip should have no audio, got %d bytes", len(ev.Audio))
	}
}

func TestBackchannelerPrefillDisabled(t *testing.T) {
	config := testBackchannelConfig()
	config.Enabled = false
	b := NewBackchanneler(config)

	called := false
	tts := &fakeSynthesizer{fn: func(context.Context, string) (<-chan []byte, error) {
		called = true
		return nil, errors.New("unreachable")
	}}
	b.Prefill(context.Background(), tts, nil)
	if called {
		t.Error("disabled prefill must not synthesize")
	}

	// Nil synthesizer is tolerated.
	config.Enabled = true
	NewBackchanneler(config).Prefill(context.Background(), nil, nil)
}
