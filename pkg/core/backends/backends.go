// Package backends defines the contracts between the session orchestrator
// and the speech/language services it drives, plus plain HTTP/WebSocket
// clients for each contract. The orchestrator only ever sees these
// interfaces; everything vendor-shaped stays behind them.
package backends

import (
	"context"
)

// Kind identifies a backend's role in the pipeline.
type Kind string

const (
	KindSTT    Kind = "stt"
	KindLLM    Kind = "llm"
	KindTTS    Kind = "tts"
	KindDuplex Kind = "duplex"
)

// Transcriber converts one buffered utterance into text.
// An utterance with no recognizable speech returns ("", nil); callers
// decide how to route an empty transcript.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Exchange is one completed user/assistant pair of a conversation.
type Exchange struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Completer produces the assistant reply for a transcript, given the
// conversation so far.
type Completer interface {
	Name() string
	Complete(ctx context.Context, history []Exchange, userText string) (string, error)
}

// StreamingCompleter is implemented by completers that can stream the
// reply incrementally. Used by the text chat surface; the voice pipeline
// waits for the full reply before synthesis begins.
type StreamingCompleter interface {
	Completer
	CompleteStream(ctx context.Context, history []Exchange, userText string) (<-chan string, error)
}

// Synthesizer converts reply text into a stream of audio chunks. The
// returned channel is closed when synthesis completes; consumers that
// stop reading must cancel ctx.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// Prober reports whether a backend is configured and reachable right now.
// A nil return means available.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// ProbeAll combines probes for modes composed from several backends.
// The first failure wins; nil probers are skipped.
func ProbeAll(probers ...Prober) Prober {
	return ProbeFunc(func(ctx context.Context) error {
		for _, p := range probers {
			if p == nil {
				continue
			}
			if err := p.Probe(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Chain bundles the stage backends selected for one session. TTS is nil
// for text-response modes; STT is nil for text-input modes.
type Chain struct {
	STT Transcriber
	LLM Completer
	TTS Synthesizer
}
