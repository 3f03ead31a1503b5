// Package modes decides how a session will run a conversation: which
// backends serve the pipeline stages and how audio flows. Candidate
// modes are registered in preference order and probed once at session
// start; the highest-priority mode whose probe passes wins. When every
// probe fails the selector falls back to text-only, which needs no
// backend at all.
package modes

// Mode identifies one way of running a conversation.
type Mode string

const (
	// ModeRelayDuplex is a hosted full-duplex relay that handles
	// speech in and out on one connection and supports back-channel
	// acknowledgements while the user is speaking.
	ModeRelayDuplex Mode = "relay_duplex"

	// ModeLocalDuplex is a full-duplex speech service on the local
	// network, same wire contract as the relay without back-channels.
	ModeLocalDuplex Mode = "local_duplex"

	// ModeSpeechAPI is a remote speech-to-speech API.
	ModeSpeechAPI Mode = "speech_api"

	// ModeLocalSTT transcribes locally and answers with text from the
	// chat backend; replies are synthesized when a voice is available.
	ModeLocalSTT Mode = "local_stt"

	// ModeLocalModel runs a model from a local file behind an
	// OpenAI-compatible server; input is typed text.
	ModeLocalModel Mode = "local_model"

	// ModeChat is plain text chat against the remote chat backend.
	ModeChat Mode = "chat"

	// ModeTextOnly is the floor: no backend, canned echo responses.
	// It is never probed and never registered; the selector returns it
	// when everything else is down.
	ModeTextOnly Mode = "text_only"
)

// PriorityOrder is the fixed preference order for the probeable modes.
var PriorityOrder = []Mode{
	ModeRelayDuplex,
	ModeLocalDuplex,
	ModeSpeechAPI,
	ModeLocalSTT,
	ModeLocalModel,
	ModeChat,
}
