package live

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TurnStatus is the lifecycle state of a single conversational turn.
type TurnStatus int

const (
	// TurnPending means the turn's pipeline is still running.
	TurnPending TurnStatus = iota
	// TurnCompleted means the full pipeline finished and any reply
	// audio was delivered.
	TurnCompleted
	// TurnSuperseded means a newer utterance cancelled this turn
	// before it completed. Its in-flight results were discarded.
	TurnSuperseded
	// TurnFailed means a pipeline stage failed. The session may still
	// be healthy.
	TurnFailed
)

// String returns a human-readable status name.
func (s TurnStatus) String() string {
	switch s {
	case TurnPending:
		return "PENDING"
	case TurnCompleted:
		return "COMPLETED"
	case TurnSuperseded:
		return "SUPERSEDED"
	case TurnFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is final.
func (s TurnStatus) Terminal() bool {
	return s != TurnPending
}

// MarshalJSON encodes the status by name.
func (s TurnStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *TurnStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, candidate := range []TurnStatus{TurnPending, TurnCompleted, TurnSuperseded, TurnFailed} {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown turn status %q", name)
}

// Turn records one user-input-to-agent-reply exchange. A session holds
// at most one turn in TurnPending at any moment; starting a new turn
// supersedes the previous one first.
type Turn struct {
	// ID is a ULID, unique within the process and sortable by start
	// time.
	ID string `json:"id"`

	// Seq is the 1-based position of this turn within its session.
	Seq int `json:"seq"`

	Status TurnStatus `json:"status"`

	// UserText is the transcript (or typed text) that started the
	// turn. Empty for utterances that transcribed to nothing.
	UserText string `json:"user_text,omitempty"`

	// ReplyText is the agent's reply, canned or generated.
	ReplyText string `json:"reply_text,omitempty"`

	// ErrCode is set when Status is TurnFailed.
	ErrCode string `json:"err_code,omitempty"`

	// StartSeq and EndSeq span the audio frames of the utterance, from
	// the frame that confirmed speech onset to the frame whose silence
	// committed it. Both are zero for typed input.
	StartSeq uint64 `json:"start_seq,omitempty"`
	EndSeq   uint64 `json:"end_seq,omitempty"`

	// AudioBytes counts the synthesized reply audio delivered for this
	// turn, canned lines included.
	AudioBytes int `json:"audio_bytes,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// cancel tears down the turn's pipeline context. Stages observe
	// it at their boundaries; an in-flight network call runs to
	// completion and its result is discarded.
	cancel context.CancelFunc
}

func newTurnID() string {
	return "t_" + strings.ToLower(ulid.Make().String())
}

func newLiveSessionID() string {
	return "live_" + strings.ToLower(ulid.Make().String())
}
