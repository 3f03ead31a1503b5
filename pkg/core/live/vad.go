package live

import (
	"fmt"
	"sync"
)

// EnergyVAD implements energy-based voice activity detection:
//  1. RMS energy above the threshold counts as speech.
//  2. Speech must persist for OnsetMs before an utterance starts,
//     which filters out clicks and single noisy chunks.
//  3. SilenceDurationMs of trailing silence ends the utterance.
//  4. Utterances shorter than MinUtteranceMs are discarded;
//     utterances longer than MaxUtteranceMs are force-committed.
//
// A prefix ring keeps PrefixPaddingMs of audio from before onset so
// leading syllables clipped by the threshold survive into the capture.
type EnergyVAD struct {
	config      VADConfig
	audioConfig AudioConfig

	mu        sync.Mutex
	prefix    *RingBuffer
	utterance *AudioBuffer
	speaking  bool
	onsetMs   int // consecutive speech while waiting for onset
	spokenMs  int // speech accumulated in the current utterance
	silenceMs int // trailing silence in the current utterance

	// Callbacks for events
	onUtterance func(pcm []byte, spokenMs int, forced bool)
	onDiscard   func(spokenMs int)
	onDebug     func(category, message string)
}

// NewEnergyVAD creates a new energy VAD with the given configuration.
func NewEnergyVAD(config VADConfig, audioConfig AudioConfig) *EnergyVAD {
	// The utterance buffer never fills in practice: the max utterance
	// cap commits long before the slack runs out.
	slackMs := config.MaxUtteranceMs + config.SilenceDurationMs + config.PrefixPaddingMs + 1000
	return &EnergyVAD{
		config:      config,
		audioConfig: audioConfig,
		prefix:      NewRingBuffer(audioConfig, config.PrefixPaddingMs),
		utterance:   NewAudioBuffer(audioConfig, slackMs),
	}
}

// SetCallbacks sets the event callbacks for the VAD. Callbacks are
// invoked synchronously from Process, without the internal lock held.
func (v *EnergyVAD) SetCallbacks(
	onUtterance func(pcm []byte, spokenMs int, forced bool),
	onDiscard func(spokenMs int),
	onDebug func(category, message string),
) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onUtterance = onUtterance
	v.onDiscard = onDiscard
	v.onDebug = onDebug
}

// Process feeds one PCM chunk through the detector using the configured
// listening threshold. It returns true exactly when speech onset is
// confirmed and an utterance capture begins.
func (v *EnergyVAD) Process(chunk []byte) bool {
	return v.ProcessWith(chunk, v.config.EnergyThreshold, v.config.OnsetMs)
}

// ProcessWith is Process with an explicit threshold and onset window.
// Sessions use it to require louder, more sustained speech before
// treating audio as a barge-in while the agent is mid-turn.
func (v *EnergyVAD) ProcessWith(chunk []byte, threshold float64, onsetMs int) bool {
	if len(chunk) == 0 {
		return false
	}

	v.mu.Lock()
	dur := v.audioConfig.DurationMs(len(chunk))
	speech := CalculateRMSEnergy(chunk) > threshold

	if !v.speaking {
		v.prefix.Write(chunk)
		if !speech {
			v.onsetMs = 0
			v.mu.Unlock()
			return false
		}
		v.onsetMs += dur
		if v.onsetMs < onsetMs {
			v.mu.Unlock()
			return false
		}

		// Onset confirmed. Seed the capture with the prefix ring so
		// the padded lead-in and the onset chunks are included.
		v.speaking = true
		v.spokenMs = v.onsetMs
		v.silenceMs = 0
		v.onsetMs = 0
		v.utterance.Clear()
		v.utterance.Write(v.prefix.Read())
		v.prefix.Clear()
		debugFn := v.onDebug
		spoken := v.spokenMs
		v.mu.Unlock()

		if debugFn != nil {
			debugFn("VAD", fmt.Sprintf("Speech onset after %dms", spoken))
		}
		return true
	}

	v.utterance.Write(chunk)
	if speech {
		v.spokenMs += dur
		v.silenceMs = 0
	} else {
		v.silenceMs += dur
	}

	if v.silenceMs >= v.config.SilenceDurationMs {
		v.finishLocked(false)
		return false
	}
	if v.config.MaxUtteranceMs > 0 && v.utterance.DurationMs() >= v.config.MaxUtteranceMs {
		v.finishLocked(true)
		return false
	}
	v.mu.Unlock()
	return false
}

// finishLocked ends the current capture and dispatches the commit or
// discard callback. Called with the lock held; releases it.
func (v *EnergyVAD) finishLocked(forced bool) {
	pcm := v.utterance.Read()
	spoken := v.spokenMs

	v.speaking = false
	v.onsetMs = 0
	v.spokenMs = 0
	v.silenceMs = 0
	v.utterance.Clear()
	v.prefix.Clear()

	onUtterance := v.onUtterance
	onDiscard := v.onDiscard
	debugFn := v.onDebug
	v.mu.Unlock()

	if spoken < v.config.MinUtteranceMs {
		if debugFn != nil {
			debugFn("VAD", fmt.Sprintf("Discarding %dms capture below %dms floor", spoken, v.config.MinUtteranceMs))
		}
		if onDiscard != nil {
			onDiscard(spoken)
		}
		return
	}

	if debugFn != nil {
		debugFn("VAD", fmt.Sprintf("Utterance committed: %dms speech, %d bytes, forced=%v", spoken, len(pcm), forced))
	}
	if onUtterance != nil {
		onUtterance(pcm, spoken, forced)
	}
}

// Speaking reports whether an utterance capture is in progress.
func (v *EnergyVAD) Speaking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speaking
}

// Progress returns the accumulated speech and trailing silence of the
// capture in progress. Both are zero when not speaking.
func (v *EnergyVAD) Progress() (spokenMs, silenceMs int, speaking bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.speaking {
		return 0, 0, false
	}
	return v.spokenMs, v.silenceMs, true
}

// Reset discards any capture in progress and clears the prefix ring.
func (v *EnergyVAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.speaking = false
	v.onsetMs = 0
	v.spokenMs = 0
	v.silenceMs = 0
	v.utterance.Clear()
	v.prefix.Clear()
}
