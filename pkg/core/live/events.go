package live

// Event is the interface for all live session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// SessionStartedEvent is emitted once when the session begins listening.
type SessionStartedEvent struct {
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func (e *SessionStartedEvent) EventType() string { return "session.started" }

// SessionClosedEvent is emitted when the session ends cleanly.
type SessionClosedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *SessionClosedEvent) EventType() string { return "session.closed" }

// SessionFailedEvent is emitted exactly once when the session hits an
// unrecoverable error and transitions to StateFailed.
type SessionFailedEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SessionFailedEvent) EventType() string { return "session.failed" }

// StateChangedEvent is emitted when the session state changes.
type StateChangedEvent struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// UtteranceCapturedEvent is emitted when VAD commits an utterance.
type UtteranceCapturedEvent struct {
	DurationMs int  `json:"duration_ms"`
	Forced     bool `json:"forced,omitempty"` // True if the max utterance cap forced the commit
}

func (e *UtteranceCapturedEvent) EventType() string { return "utterance.captured" }

// TurnStartedEvent is emitted when a new turn enters the pipeline.
type TurnStartedEvent struct {
	TurnID string `json:"turn_id"`
	Seq    int    `json:"seq"`
}

func (e *TurnStartedEvent) EventType() string { return "turn.started" }

// TranscriptEvent carries the final transcript for a turn.
type TranscriptEvent struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

func (e *TranscriptEvent) EventType() string { return "turn.transcript" }

// NoSpeechEvent is emitted when an utterance transcribes to nothing
// intelligible. The turn completes with a canned repeat prompt instead
// of an error.
type NoSpeechEvent struct {
	TurnID string `json:"turn_id"`
}

func (e *NoSpeechEvent) EventType() string { return "turn.no_speech" }

// ReplyEvent carries the agent's reply text for a turn.
type ReplyEvent struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
	Canned bool   `json:"canned,omitempty"` // True for repeat prompts and apologies
}

func (e *ReplyEvent) EventType() string { return "turn.reply" }

// TurnCompletedEvent is emitted when a turn finishes its full pipeline.
type TurnCompletedEvent struct {
	TurnID string `json:"turn_id"`
}

func (e *TurnCompletedEvent) EventType() string { return "turn.completed" }

// TurnSupersededEvent is emitted when a newer utterance cancels an
// in-flight turn.
type TurnSupersededEvent struct {
	TurnID string `json:"turn_id"`
}

func (e *TurnSupersededEvent) EventType() string { return "turn.superseded" }

// TurnFailedEvent is emitted exactly once when a turn's pipeline fails.
type TurnFailedEvent struct {
	TurnID  string `json:"turn_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TurnFailedEvent) EventType() string { return "turn.failed" }

// AudioDeltaEvent is emitted for synthesized audio chunks.
type AudioDeltaEvent struct {
	TurnID string `json:"turn_id,omitempty"`
	Data   []byte `json:"data"`
	Format string `json:"format,omitempty"` // e.g., "pcm_s16le"
}

func (e *AudioDeltaEvent) EventType() string { return "audio_delta" }

// AudioCommittedEvent is emitted when all reply audio for a turn has
// been delivered.
type AudioCommittedEvent struct {
	TurnID     string `json:"turn_id"`
	DurationMs int    `json:"duration_ms"`
}

func (e *AudioCommittedEvent) EventType() string { return "audio.committed" }

// AudioFlushEvent signals that all pending/buffered audio should be
// discarded immediately. Emitted when the user barges in over agent
// speech. Clients should clear their playback buffers.
type AudioFlushEvent struct{}

func (e *AudioFlushEvent) EventType() string { return "audio.flush" }

// BackchannelEvent carries a short acknowledgment played during a pause
// in the user's speech. Audio is nil if the clip was not synthesized.
type BackchannelEvent struct {
	Text  string `json:"text"`
	Audio []byte `json:"audio,omitempty"`
}

func (e *BackchannelEvent) EventType() string { return "backchannel" }

// DebugEvent is emitted for debugging information when enabled.
type DebugEvent struct {
	Category string `json:"category"` // AUDIO, VAD, TURN, STT, LLM, TTS, SESSION
	Message  string `json:"message"`
}

func (e *DebugEvent) EventType() string { return "debug" }
