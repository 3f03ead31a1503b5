package voiceagent

// Event type names delivered by VoiceSession.Events. Most mirror the
// server's session event vocabulary; "reconnecting" and "resumed" are
// synthesized client-side around transport drops.
const (
	EventSessionStarted    = "session.started"
	EventSessionClosed     = "session.closed"
	EventSessionFailed     = "session.failed"
	EventStateChanged      = "state.changed"
	EventUtteranceCaptured = "utterance.captured"
	EventTurnStarted       = "turn.started"
	EventTranscript        = "turn.transcript"
	EventNoSpeech          = "turn.no_speech"
	EventReply             = "turn.reply"
	EventTurnCompleted     = "turn.completed"
	EventTurnSuperseded    = "turn.superseded"
	EventTurnFailed        = "turn.failed"
	EventAudioDelta        = "audio_delta"
	EventAudioCommitted    = "audio.committed"
	EventAudioFlush        = "audio.flush"
	EventBackchannel       = "backchannel"
	EventDebug             = "debug"
	EventWarning           = "warning"
	EventError             = "error"
	EventReconnecting      = "reconnecting"
	EventResumed           = "resumed"
)

// Event is a single notification from a live voice session. Type says
// which of the optional fields are meaningful.
type Event struct {
	Type string `json:"type"`

	SessionID  string `json:"session_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Reason     string `json:"reason,omitempty"`

	TurnID string `json:"turn_id,omitempty"`
	Seq    int    `json:"seq,omitempty"`
	Text   string `json:"text,omitempty"`
	Canned bool   `json:"canned,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	DurationMs int  `json:"duration_ms,omitempty"`
	Forced     bool `json:"forced,omitempty"`

	// Audio carries reply PCM for audio_delta and backchannel events,
	// already decoded from the wire transport in use.
	Audio  []byte `json:"data,omitempty"`
	Format string `json:"format,omitempty"`

	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Param      string `json:"param,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	// Closing marks an error event after which the server hangs up;
	// the session handle ends without a session.closed event.
	Closing bool `json:"close,omitempty"`

	Category string `json:"category,omitempty"`

	// Attempt counts reconnection tries for reconnecting/resumed events.
	Attempt int `json:"-"`
}

// Terminal reports whether this event ends the session. No further
// events follow a terminal one.
func (e Event) Terminal() bool {
	return e.Type == EventSessionClosed || e.Type == EventSessionFailed
}
