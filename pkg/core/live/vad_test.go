package live

import (
	"testing"
)

// vadTestConfig returns thresholds small enough that tests stay fast:
// all durations are derived from chunk byte counts, not wall time.
func vadTestConfig() VADConfig {
	return VADConfig{
		EnergyThreshold:   0.02,
		OnsetMs:           40,
		SilenceDurationMs: 200,
		MinUtteranceMs:    100,
		MaxUtteranceMs:    2000,
		PrefixPaddingMs:   100,
	}
}

// tone builds ms of constant-amplitude little-endian PCM. A constant
// amplitude A has RMS A/32768.
func tone(cfg AudioConfig, ms int, amp int16) []byte {
	n := cfg.BytesForDurationMs(ms) / 2
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		pcm[i*2] = byte(amp & 0xFF)
		pcm[i*2+1] = byte((amp >> 8) & 0xFF)
	}
	return pcm
}

type vadCapture struct {
	utterances []capturedUtterance
	discards   []int
}

type capturedUtterance struct {
	pcm      []byte
	spokenMs int
	forced   bool
}

func newCapturedVAD(cfg VADConfig, audio AudioConfig) (*EnergyVAD, *vadCapture) {
	vad := NewEnergyVAD(cfg, audio)
	rec := &vadCapture{}
	vad.SetCallbacks(
		func(pcm []byte, spokenMs int, forced bool) {
			rec.utterances = append(rec.utterances, capturedUtterance{pcm: pcm, spokenMs: spokenMs, forced: forced})
		},
		func(spokenMs int) {
			rec.discards = append(rec.discards, spokenMs)
		},
		nil,
	)
	return vad, rec
}

func TestEnergyVADCommitsAfterSilence(t *testing.T) {
	audio := DefaultAudioConfig()
	vad, got := newCapturedVAD(vadTestConfig(), audio)

	speech := tone(audio, 20, 8000)
	silence := tone(audio, 20, 0)

	for i := 0; i < 15; i++ { // 300ms of speech
		vad.Process(speech)
	}
	for i := 0; i < 10; i++ { // 200ms of silence ends the utterance
		vad.Process(silence)
	}

	if len(got.utterances) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(got.utterances))
	}
	u := got.utterances[0]
	if u.spokenMs != 300 {
		t.Errorf("expected 300ms of speech, got %d", u.spokenMs)
	}
	if u.forced {
		t.Error("silence-terminated utterance should not be forced")
	}
	if len(u.pcm) < audio.BytesForDurationMs(300) {
		t.Errorf("capture too short: %d bytes", len(u.pcm))
	}
	if vad.Speaking() {
		t.Error("VAD should be idle after commit")
	}
}

func TestEnergyVADSingleSilenceGapYieldsOneUtterance(t *testing.T) {
	audio := DefaultAudioConfig()
	vad, got := newCapturedVAD(vadTestConfig(), audio)

	speech := tone(audio, 20, 8000)
	silence := tone(audio, 20, 0)

	for i := 0; i < 10; i++ {
		vad.Process(speech)
	}
	// Keep feeding silence well past the gap threshold: the single gap
	// must produce exactly one commit, never a second.
	for i := 0; i < 100; i++ {
		vad.Process(silence)
	}

	if len(got.utterances) != 1 {
		t.Fatalf("single silence gap should yield exactly 1 utterance, got %d", len(got.utterances))
	}
}

func TestEnergyVADOnsetDebounceFiltersClick(t *testing.T) {
	audio := DefaultAudioConfig()
	vad, got := newCapturedVAD(vadTestConfig(), audio)

	speech := tone(audio, 20, 8000)
	silence := tone(audio, 20, 0)

	// A lone 20ms spike never reaches the 40ms onset window.
	if vad.Process(speech) {
		t.Error("single chunk should not confirm onset")
	}
	for i := 0; i < 50; i++ {
		vad.Process(silence)
	}

	if len(got.utterances) != 0 || len(got.discards) != 0 {
		t.Errorf("click should produce nothing, got %d utterances %d discards",
			len(got.utterances), len(got.discards))
	}
}

func TestEnergyVADOnsetReturnedExactlyOnce(t *testing.T) {
	audio := DefaultAudioConfig()
	vad, _ := newCapturedVAD(vadTestConfig(), audio)

	speech := tone(audio, 20, 8000)
	onsets := 0
	for i := 0; i < 10; i++ {
		if vad.Process(speech) {
			onsets++
		}
	}
	if onsets != 1 {
		t.Errorf("expected exactly 1 onset signal, got %d", onsets)
	}
}

func TestEnergyVADDiscardsBelowMinUtterance(t *testing.T) {
	audio := DefaultAudioConfig()
	vad, got := newCapturedVAD(vadTestConfig(), audio)

	speech := tone(audio, 20, 8000)
	silence := tone(audio, 20, 0)

	// 40ms of speech confirms onset but stays under the 100ms floor.
	vad.Process(speech)
	vad.Process(speech)
	for i := 0; i < 10; i++ {
		vad.Process(silence)
	}

	if len(got.utterances) != 0 {
		t.Fatalf("sub-floor capture should not commit, got %d utterances", len(got.utterances))
	}
	if len(got.discards) != 1 {
		t.Fatalf("expected 1 discard, got %d", len(got.discards))
	}
	if got.discards[0] != 40 {
		t.Errorf("discarded spokenMs = %d, want 40", got.discards[0])
	}
}

func TestEnergyVADForcedCommitAtMaxUtterance(t *testing.T) {
	audio := DefaultAudioConfig()
	vad, got := newCapturedVAD(vadTestConfig(), audio)

	speech := tone(audio, 20, 8000)
	for i := 0; i < 110 && len(got.utterances) == 0; i++ { // up to 2200ms
		vad.Process(speech)
	}

	if len(got.utterances) != 1 {
		t.Fatalf("continuous speech should force-commit once, got %d", len(got.utterances))
	}
	if !got.utterances[0].forced {
		t.Error("max-duration commit should be marked forced")
	}
	if vad.Speaking() {
		t.Error("VAD should reset after forced commit")
	}
}

func TestEnergyVADPrefixPaddingIncluded(t *testing.T) {
	audio := DefaultAudioConfig()
	vad, got := newCapturedVAD(vadTestConfig(), audio)

	quiet := tone(audio, 20, 100) // RMS ~0.003, below threshold
	speech := tone(audio, 20, 8000)
	silence := tone(audio, 20, 0)

	for i := 0; i < 5; i++ { // fill the 100ms prefix ring
		vad.Process(quiet)
	}
	for i := 0; i < 10; i++ {
		vad.Process(speech)
	}
	for i := 0; i < 10; i++ {
		vad.Process(silence)
	}

	if len(got.utterances) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(got.utterances))
	}
	pcm := got.utterances[0].pcm
	// The capture must start with the quiet lead-in, not the first
	// loud chunk.
	if pcm[0] != 100 || pcm[1] != 0 {
		t.Errorf("capture should start with prefix padding, got bytes %d,%d", pcm[0], pcm[1])
	}
}

func TestEnergyVADProcessWithStricterThreshold(t *testing.T) {
	audio := DefaultAudioConfig()
	cfg := vadTestConfig()

	// Amplitude 1000 has RMS ~0.03: speech for the 0.02 listening
	// threshold, noise for the 0.05 barge-in threshold.
	murmur := tone(audio, 20, 1000)

	strict, _ := newCapturedVAD(cfg, audio)
	for i := 0; i < 20; i++ {
		if strict.ProcessWith(murmur, 0.05, 40) {
			t.Fatal("murmur below the strict threshold should never confirm onset")
		}
	}

	lax, _ := newCapturedVAD(cfg, audio)
	onset := false
	for i := 0; i < 20; i++ {
		if lax.Process(murmur) {
			onset = true
		}
	}
	if !onset {
		t.Error("murmur above the listening threshold should confirm onset")
	}
}

func TestEnergyVADProgressAndReset(t *testing.T) {
	audio := DefaultAudioConfig()
	vad, got := newCapturedVAD(vadTestConfig(), audio)

	speech := tone(audio, 20, 8000)
	silence := tone(audio, 20, 0)

	for i := 0; i < 5; i++ {
		vad.Process(speech)
	}
	spoken, silenceMs, speaking := vad.Progress()
	if !speaking {
		t.Fatal("expected capture in progress")
	}
	if spoken != 100 || silenceMs != 0 {
		t.Errorf("progress = (%d, %d), want (100, 0)", spoken, silenceMs)
	}

	vad.Process(silence)
	if _, silenceMs, _ = vad.Progress(); silenceMs != 20 {
		t.Errorf("silence progress = %d, want 20", silenceMs)
	}

	vad.Reset()
	if vad.Speaking() {
		t.Error("reset should drop the capture")
	}
	for i := 0; i < 20; i++ {
		vad.Process(silence)
	}
	if len(got.utterances) != 0 || len(got.discards) != 0 {
		t.Error("reset capture should never commit or discard")
	}
}
