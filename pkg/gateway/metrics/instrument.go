package metrics

import (
	"context"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core/backends"
)

// InstrumentChain wraps every stage of a chain so call durations land in
// BackendCallDuration. Nil stages stay nil; a completer that can stream
// keeps that capability through the wrapper.
func (m *Metrics) InstrumentChain(chain backends.Chain) backends.Chain {
	if m == nil {
		return chain
	}
	out := chain
	if chain.STT != nil {
		out.STT = &timedTranscriber{inner: chain.STT, m: m}
	}
	if chain.LLM != nil {
		if sc, ok := chain.LLM.(backends.StreamingCompleter); ok {
			out.LLM = &timedStreamingCompleter{timedCompleter{inner: sc, m: m}, sc}
		} else {
			out.LLM = &timedCompleter{inner: chain.LLM, m: m}
		}
	}
	if chain.TTS != nil {
		out.TTS = &timedSynthesizer{inner: chain.TTS, m: m}
	}
	return out
}

type timedTranscriber struct {
	inner backends.Transcriber
	m     *Metrics
}

func (t *timedTranscriber) Name() string { return t.inner.Name() }

func (t *timedTranscriber) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	start := time.Now()
	text, err := t.inner.Transcribe(ctx, pcm)
	t.m.RecordBackendCall(t.inner.Name(), string(backends.KindSTT), time.Since(start), err)
	return text, err
}

type timedCompleter struct {
	inner backends.Completer
	m     *Metrics
}

func (t *timedCompleter) Name() string { return t.inner.Name() }

func (t *timedCompleter) Complete(ctx context.Context, history []backends.Exchange, userText string) (string, error) {
	start := time.Now()
	reply, err := t.inner.Complete(ctx, history, userText)
	t.m.RecordBackendCall(t.inner.Name(), string(backends.KindLLM), time.Since(start), err)
	return reply, err
}

type timedStreamingCompleter struct {
	timedCompleter
	streamer backends.StreamingCompleter
}

// CompleteStream times only the call that opens the stream; the tail of
// the stream is the caller's to drain.
func (t *timedStreamingCompleter) CompleteStream(ctx context.Context, history []backends.Exchange, userText string) (<-chan string, error) {
	start := time.Now()
	ch, err := t.streamer.CompleteStream(ctx, history, userText)
	t.m.RecordBackendCall(t.streamer.Name(), string(backends.KindLLM), time.Since(start), err)
	return ch, err
}

type timedSynthesizer struct {
	inner backends.Synthesizer
	m     *Metrics
}

func (t *timedSynthesizer) Name() string { return t.inner.Name() }

func (t *timedSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	start := time.Now()
	ch, err := t.inner.Synthesize(ctx, text)
	t.m.RecordBackendCall(t.inner.Name(), string(backends.KindTTS), time.Since(start), err)
	return ch, err
}
