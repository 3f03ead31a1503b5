package live

import (
	"encoding/json"
	"fmt"
)

// SessionState represents the current state of a live session.
type SessionState int

const (
	// StateIdle is the initial state before the session is started.
	StateIdle SessionState = iota
	// StateListening is when VAD is active and capturing user speech.
	StateListening
	// StateTranscribing is when a captured utterance is being converted to text.
	StateTranscribing
	// StateGenerating is when the language model is producing a reply.
	StateGenerating
	// StateSpeaking is when synthesized reply audio is streaming out.
	StateSpeaking
	// StateInterrupted is the transient state entered when the user speaks
	// over an in-flight turn. The turn is superseded and the session
	// returns to StateListening within the same frame.
	StateInterrupted
	// StateClosed is the terminal state after a clean shutdown.
	StateClosed
	// StateFailed is the terminal state after an unrecoverable backend error.
	StateFailed
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateGenerating:
		return "GENERATING"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further state transitions can occur.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// MarshalJSON encodes the state by name, so events and archived
// records stay readable across state renumbering.
func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, candidate := range []SessionState{
		StateIdle, StateListening, StateTranscribing, StateGenerating,
		StateSpeaking, StateInterrupted, StateClosed, StateFailed,
	} {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", name)
}

// VADConfig configures energy-based utterance detection.
type VADConfig struct {
	// EnergyThreshold is the RMS energy level above which a chunk counts
	// as speech. Range: 0.0 to 1.0. Default: 0.02
	EnergyThreshold float64 `json:"energy_threshold"`

	// OnsetMs is how much consecutive speech must accumulate before an
	// utterance is considered started. Filters out clicks and single
	// noisy chunks. Default: 60
	OnsetMs int `json:"onset_ms"`

	// SilenceDurationMs is the trailing silence that ends an utterance.
	// Default: 700
	SilenceDurationMs int `json:"silence_duration_ms"`

	// MinUtteranceMs is the minimum spoken duration for an utterance to
	// be kept. Shorter captures are discarded without starting a turn.
	// Default: 250
	MinUtteranceMs int `json:"min_utterance_ms"`

	// MaxUtteranceMs force-commits an utterance that never goes silent,
	// so a noisy line cannot hold the session open forever.
	// Default: 30000
	MaxUtteranceMs int `json:"max_utterance_ms"`

	// PrefixPaddingMs is audio to keep from before speech onset, so
	// leading syllables clipped by the threshold are not lost.
	// Default: 300
	PrefixPaddingMs int `json:"prefix_padding_ms"`
}

// DefaultVADConfig returns a VADConfig with sensible defaults for
// 16kHz mono speech.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold:   0.02,
		OnsetMs:           60,
		SilenceDurationMs: 700,
		MinUtteranceMs:    250,
		MaxUtteranceMs:    30000,
		PrefixPaddingMs:   300,
	}
}

// InterruptConfig configures barge-in detection while a turn is in flight.
type InterruptConfig struct {
	// EnergyThreshold is the RMS energy level to trigger interrupt
	// detection. This is typically higher than the VAD threshold so the
	// agent's own audio bleeding into the microphone does not trigger a
	// spurious interruption. Default: 0.05
	EnergyThreshold float64 `json:"energy_threshold"`

	// OnsetMs is how much consecutive speech must accumulate before the
	// in-flight turn is superseded. Default: 100
	OnsetMs int `json:"onset_ms"`
}

// DefaultInterruptConfig returns an InterruptConfig with sensible defaults.
func DefaultInterruptConfig() InterruptConfig {
	return InterruptConfig{
		EnergyThreshold: 0.05,
		OnsetMs:         100,
	}
}

// BackchannelConfig configures short acknowledgment phrases ("mhm",
// "right") played during natural pauses in the user's speech.
type BackchannelConfig struct {
	// Enabled turns the feature on. Only duplex-capable modes enable
	// this; request/response modes cannot speak while listening.
	Enabled bool `json:"enabled"`

	// Phrases are cycled round-robin. Clips are synthesized once at
	// session start and cached.
	Phrases []string `json:"phrases,omitempty"`

	// PauseMs is the mid-speech pause that triggers an acknowledgment.
	// Default: 400
	PauseMs int `json:"pause_ms"`

	// MinSpeechMs is how long the user must have been speaking before
	// the first acknowledgment is allowed. Default: 1000
	MinSpeechMs int `json:"min_speech_ms"`

	// CooldownMs is the minimum gap between acknowledgments.
	// Default: 4000
	CooldownMs int `json:"cooldown_ms"`
}

// DefaultBackchannelConfig returns the stock phrase set, disabled.
func DefaultBackchannelConfig() BackchannelConfig {
	return BackchannelConfig{
		Enabled:     false,
		Phrases:     []string{"mhm", "right", "I see", "okay", "yeah"},
		PauseMs:     400,
		MinSpeechMs: 1000,
		CooldownMs:  4000,
	}
}

// SessionConfig holds all configuration for a live session.
type SessionConfig struct {
	// Audio is the PCM format the session consumes and emits.
	Audio AudioConfig `json:"audio"`

	// VAD configures voice activity detection.
	VAD VADConfig `json:"vad"`

	// Interrupt configures barge-in detection during agent speech.
	Interrupt InterruptConfig `json:"interrupt"`

	// Backchannel configures mid-speech acknowledgments.
	Backchannel BackchannelConfig `json:"backchannel"`

	// StageTimeoutMs bounds each transcription and generation call.
	// Synthesis is bounded by the turn itself, since reply audio can
	// legitimately stream for longer than any fixed stage deadline.
	// Default: 20000
	StageTimeoutMs int `json:"stage_timeout_ms"`

	// MaxSessionMs closes the session after a total wall-clock duration.
	// Zero disables the cap. Default: 600000 (10 minutes)
	MaxSessionMs int `json:"max_session_ms"`

	// RepeatPrompt is spoken when an utterance transcribes to nothing
	// intelligible.
	RepeatPrompt string `json:"repeat_prompt"`

	// Apology is spoken when a turn fails mid-pipeline but the session
	// itself is still healthy.
	Apology string `json:"apology"`

	// Debug mirrors internal decisions onto the event stream as
	// DebugEvents.
	Debug bool `json:"debug"`
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults
// for a 10 minute voice call.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Audio:          DefaultAudioConfig(),
		VAD:            DefaultVADConfig(),
		Interrupt:      DefaultInterruptConfig(),
		Backchannel:    DefaultBackchannelConfig(),
		StageTimeoutMs: 20000,
		MaxSessionMs:   600000,
		RepeatPrompt:   "I didn't catch that. Could you speak again?",
		Apology:        "Sorry, I had trouble thinking. Could you try that again?",
	}
}

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultAudioConfig returns the standard audio configuration.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}
