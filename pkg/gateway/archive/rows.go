package archive

import (
	"encoding/json"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core/backends"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/session"
)

const insertSessionSQL = `
INSERT INTO live_sessions
  (id, principal, mode, status, started_at, ended_at,
   turn_count, last_seq, audio_in_bytes, audio_out_bytes, history)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

const insertTurnSQL = `
INSERT INTO live_turns
  (session_id, turn_id, seq, status, user_text, reply_text,
   err_code, audio_bytes, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (session_id, turn_id) DO NOTHING`

type sessionRow struct {
	ID        string
	Principal string
	Mode      string
	Status    string
	StartedAt time.Time
	EndedAt   time.Time
	TurnCount int
	LastSeq   int64
	AudioIn   int64
	AudioOut  int64
	// History is the exchange list pre-marshaled for the jsonb column.
	History []byte
}

type turnRow struct {
	SessionID  string
	TurnID     string
	Seq        int
	Status     string
	UserText   string
	ReplyText  string
	ErrCode    string
	AudioBytes int
	StartedAt  time.Time
	EndedAt    time.Time
}

func buildSessionRow(s session.Summary) (sessionRow, error) {
	history := s.History
	if history == nil {
		history = []backends.Exchange{}
	}
	payload, err := json.Marshal(history)
	if err != nil {
		return sessionRow{}, err
	}
	return sessionRow{
		ID:        s.SessionID,
		Principal: s.Principal,
		Mode:      s.Mode,
		Status:    s.State.String(),
		StartedAt: s.StartedAt.UTC(),
		EndedAt:   s.EndedAt.UTC(),
		TurnCount: len(s.Turns),
		LastSeq:   int64(s.LastSeq),
		AudioIn:   s.AudioIn,
		AudioOut:  s.AudioOut,
		History:   payload,
	}, nil
}

func buildTurnRows(s session.Summary) []turnRow {
	rows := make([]turnRow, 0, len(s.Turns))
	for _, t := range s.Turns {
		rows = append(rows, turnRow{
			SessionID:  s.SessionID,
			TurnID:     t.ID,
			Seq:        t.Seq,
			Status:     t.Status.String(),
			UserText:   t.UserText,
			ReplyText:  t.ReplyText,
			ErrCode:    t.ErrCode,
			AudioBytes: t.AudioBytes,
			StartedAt:  t.StartedAt.UTC(),
			EndedAt:    t.EndedAt.UTC(),
		})
	}
	return rows
}
