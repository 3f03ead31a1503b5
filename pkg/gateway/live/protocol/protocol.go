// Package protocol defines the JSON envelope protocol spoken over the
// voice WebSocket. Client messages are strictly decoded; malformed or
// unknown frames yield a typed DecodeError that maps to a protocol
// rejection rather than a silent drop.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Rapheal7/My-Agent/pkg/core/live"
)

const (
	ProtocolVersion1 = "1"

	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"

	// Binary audio frames carry the client's frame sequence number in an
	// 8-byte big-endian prefix ahead of the raw PCM payload.
	BinarySeqHeaderLen = 8
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes the negotiated capture audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloFeatures struct {
	AudioTransport string `json:"audio_transport,omitempty"`
	TextOnly       bool   `json:"text_only,omitempty"`
	WantDebug      bool   `json:"want_debug,omitempty"`
}

type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Client          HelloClient   `json:"client,omitempty"`
	APIKey          string        `json:"api_key,omitempty"`
	Audio           AudioFormat   `json:"audio"`
	Features        HelloFeatures `json:"features,omitempty"`
	ResumeToken     string        `json:"resume_token,omitempty"`
	LastAudioSeq    *uint64       `json:"last_audio_seq,omitempty"`
}

// RedactedForLog returns a loggable view of the hello. The API key and
// resume token never appear; only their presence does.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"client":           h.Client,
		"audio":            h.Audio,
		"features":         h.Features,
		"has_api_key":      strings.TrimSpace(h.APIKey) != "",
		"has_resume_token": strings.TrimSpace(h.ResumeToken) != "",
	}
}

type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	DataB64 string `json:"data_b64"`
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := strictUnmarshal(data, &msg, "hello"); err != nil {
			return nil, err
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := strictUnmarshal(data, &msg, "audio_frame"); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		if msg.Seq == 0 {
			return nil, badRequest("audio_frame.seq must be >= 1", "seq")
		}
		return msg, nil
	case "text":
		var msg ClientText
		if err := strictUnmarshal(data, &msg, "text"); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := strictUnmarshal(data, &msg, "control"); err != nil {
			return nil, err
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case "interrupt", "cancel_turn", "end_session":
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// strictUnmarshal rejects unknown fields so protocol typos fail loudly
// at the handshake instead of as mysteriously dead sessions.
func strictUnmarshal(data []byte, v any, what string) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := err.Error()
		if idx := strings.Index(msg, `unknown field "`); idx >= 0 {
			field := msg[idx+len(`unknown field "`):]
			if end := strings.Index(field, `"`); end >= 0 {
				field = field[:end]
			}
			return badRequest(fmt.Sprintf("unknown field %q", field), what+"."+field)
		}
		return badRequest("invalid "+what+" frame", "")
	}
	return nil
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	if msg.LastAudioSeq != nil && strings.TrimSpace(msg.ResumeToken) == "" {
		return badRequest("hello.last_audio_seq requires a resume_token", "last_audio_seq")
	}

	if !msg.Features.TextOnly {
		if strings.TrimSpace(msg.Audio.Encoding) == "" {
			return badRequest("hello.audio.encoding is required", "audio.encoding")
		}
		if !strings.EqualFold(msg.Audio.Encoding, "pcm_s16le") {
			return unsupported("unsupported audio encoding", "audio.encoding")
		}
		if msg.Audio.SampleRateHz <= 0 {
			return badRequest("hello.audio.sample_rate_hz must be > 0", "audio.sample_rate_hz")
		}
		if msg.Audio.Channels != 1 {
			return unsupported("only mono capture is supported", "audio.channels")
		}
	}

	transport := strings.TrimSpace(msg.Features.AudioTransport)
	switch transport {
	case "", AudioTransportBinary, AudioTransportBase64JSON:
		return nil
	default:
		return unsupported("unsupported audio transport", "features.audio_transport")
	}
}

// EncodeBinaryFrame prefixes pcm with the frame seq for the binary
// audio transport.
func EncodeBinaryFrame(seq uint64, pcm []byte) []byte {
	out := make([]byte, BinarySeqHeaderLen+len(pcm))
	binary.BigEndian.PutUint64(out[:BinarySeqHeaderLen], seq)
	copy(out[BinarySeqHeaderLen:], pcm)
	return out
}

// DecodeBinaryFrame splits a binary WS message into seq and PCM payload.
// The payload aliases the input slice.
func DecodeBinaryFrame(data []byte) (seq uint64, pcm []byte, err error) {
	if len(data) < BinarySeqHeaderLen {
		return 0, nil, badRequest("binary frame shorter than seq header", "")
	}
	seq = binary.BigEndian.Uint64(data[:BinarySeqHeaderLen])
	if seq == 0 {
		return 0, nil, badRequest("binary frame seq must be >= 1", "seq")
	}
	return seq, data[BinarySeqHeaderLen:], nil
}

type HelloAckResume struct {
	Supported bool   `json:"supported"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

type HelloAckLimits struct {
	MaxAudioFrameBytes  int   `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int   `json:"max_json_message_bytes"`
	MaxAudioFPS         int   `json:"max_audio_fps,omitempty"`
	MaxAudioBPS         int64 `json:"max_audio_bps,omitempty"`
	SilenceCommitMS     int   `json:"silence_commit_ms"`
	MinUtteranceMS      int   `json:"min_utterance_ms"`
	IdleTimeoutMS       int64 `json:"idle_timeout_ms,omitempty"`
	MaxSessionMS        int64 `json:"max_session_ms,omitempty"`
}

type ServerHelloAck struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	RequestID       string          `json:"request_id,omitempty"`
	Mode            string          `json:"mode"`
	Audio           AudioFormat     `json:"audio"`
	Resume          HelloAckResume  `json:"resume"`
	ResumeToken     string          `json:"resume_token,omitempty"`
	// LastAudioSeq is the server's audio high-water mark. After a resume
	// the client restarts its frame counter above this value.
	LastAudioSeq uint64          `json:"last_audio_seq,omitempty"`
	Limits       *HelloAckLimits `json:"limits,omitempty"`
}

// ServerError is a protocol-scope failure: handshake rejections, guard
// throttles, decode errors. Session and turn failures travel as relayed
// session events instead.
type ServerError struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Close      bool   `json:"close,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BinaryAudioHeader announces a binary audio message on the binary
// transport. The raw PCM follows as the next binary WS message.
type BinaryAudioHeader struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	Bytes  int    `json:"bytes"`
	Format string `json:"format,omitempty"`
}

// EncodeEvent serializes a session event with its type spliced into the
// envelope, so clients can dispatch on a single "type" field.
func EncodeEvent(ev live.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("event %s did not marshal to an object", ev.EventType())
	}
	out := make([]byte, 0, len(body)+len(head)+8)
	out = append(out, `{"type":`...)
	out = append(out, head...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:len(body)-1]...)
	}
	out = append(out, '}')
	return out, nil
}
