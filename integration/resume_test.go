package integration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core/modes"
	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	voiceagent "github.com/Rapheal7/My-Agent/sdk"
)

// Dropping the websocket without an end_session control suspends the
// session server-side; the rotated resume token then rebinds a new
// connection to it. These tests drive that path over real sockets.

func TestResumeRebindsSuspendedSession(t *testing.T) {
	reg := voiceRegistry(
		staticTranscriber("hello agent"),
		staticCompleter("hello caller"),
		staticSynth(silence(80)),
	)
	gw := newGateway(t, reg, nil)

	vs1 := gw.dial(t, voiceagent.VoiceOptions{})
	waitType(t, vs1, voiceagent.EventSessionStarted)
	sessionID := vs1.SessionID()
	token1 := vs1.ResumeToken()
	if token1 == "" {
		t.Fatal("hello ack carried no resume token")
	}

	// Two frames short of an utterance, then drop the connection.
	sendPCM(t, vs1, speech(40))
	if got := vs1.LastAudioSeq(); got != 2 {
		t.Fatalf("client high-water seq = %d, want 2", got)
	}
	vs1.Close()

	vs2 := gw.dial(t, voiceagent.VoiceOptions{
		ResumeToken:  token1,
		LastAudioSeq: 2,
	})
	if vs2.SessionID() != sessionID {
		t.Fatalf("resumed session id = %q, want %q", vs2.SessionID(), sessionID)
	}
	if vs2.ResumeToken() == token1 {
		t.Fatal("resume did not rotate the token")
	}
	if got := vs2.LastAudioSeq(); got != 2 {
		t.Fatalf("ack high-water seq = %d, want 2", got)
	}

	// The conversation picks up where it left off, with the audio
	// sequence continuing past the pre-drop frames.
	speakUtterance(t, vs2, 100)
	transcript := waitType(t, vs2, voiceagent.EventTranscript)
	if transcript.Text != "hello agent" {
		t.Fatalf("post-resume transcript = %q", transcript.Text)
	}
	reply := waitType(t, vs2, voiceagent.EventReply)
	if reply.Text != "hello caller" {
		t.Fatalf("post-resume reply = %q", reply.Text)
	}
	waitType(t, vs2, voiceagent.EventTurnCompleted)

	vs2.EndSession()
	closed := waitType(t, vs2, voiceagent.EventSessionClosed)
	if closed.Reason != "client_request" {
		t.Fatalf("session.closed reason = %q", closed.Reason)
	}
	waitClosed(t, vs2)
}

func TestResumeTokenIsSingleUse(t *testing.T) {
	gw := newGateway(t, modes.NewRegistry(), nil)

	vs1 := gw.dial(t, voiceagent.VoiceOptions{})
	waitType(t, vs1, voiceagent.EventSessionStarted)
	token1 := vs1.ResumeToken()
	vs1.Close()

	vs2 := gw.dial(t, voiceagent.VoiceOptions{ResumeToken: token1})
	if vs2.ResumeToken() == token1 {
		t.Fatal("resume did not rotate the token")
	}

	// The consumed token is dead, and presenting it again does not
	// disturb the live rebound session.
	err := gw.dialErr(voiceagent.VoiceOptions{ResumeToken: token1})
	var ce *voiceagent.Error
	if !errors.As(err, &ce) || ce.Type != voiceagent.ErrResumeExpired {
		t.Fatalf("reused token dial = %v, want a resume-expired error", err)
	}

	if err := vs2.SendText("still here"); err != nil {
		t.Fatalf("SendText on rebound session: %v", err)
	}
	waitType(t, vs2, voiceagent.EventTurnCompleted)
}

func TestResumeExpiresAfterIdleTimeout(t *testing.T) {
	gw := newGateway(t, modes.NewRegistry(), nil)

	vs1 := gw.dial(t, voiceagent.VoiceOptions{})
	waitType(t, vs1, voiceagent.EventSessionStarted)
	token1 := vs1.ResumeToken()
	vs1.Close()

	gw.clock.Advance(config.Default().Session.IdleTimeout + time.Minute)

	err := gw.dialErr(voiceagent.VoiceOptions{ResumeToken: token1})
	var ce *voiceagent.Error
	if !errors.As(err, &ce) || ce.Type != voiceagent.ErrResumeExpired {
		t.Fatalf("expired token dial = %v, want a resume-expired error", err)
	}
}

func TestResumeSupersedesLiveConnection(t *testing.T) {
	gw := newGateway(t, modes.NewRegistry(), nil)

	vs1 := gw.dial(t, voiceagent.VoiceOptions{})
	waitType(t, vs1, voiceagent.EventSessionStarted)
	token1 := vs1.ResumeToken()

	// Resume while the first connection is still attached: the old
	// transport is told and cut off, the session carries on.
	vs2 := gw.dial(t, voiceagent.VoiceOptions{ResumeToken: token1})

	kicked := waitType(t, vs1, voiceagent.EventError)
	if kicked.Code != "superseded_connection" || !kicked.Closing {
		t.Fatalf("old connection got %+v, want a closing superseded_connection error", kicked)
	}
	waitClosed(t, vs1)

	if err := vs2.SendText("new connection speaking"); err != nil {
		t.Fatalf("SendText on superseding connection: %v", err)
	}
	waitType(t, vs2, voiceagent.EventTurnCompleted)
}

func TestResumeRejectsDifferentCaller(t *testing.T) {
	const otherKey = "sk-e2e-0002"
	gw := newGateway(t, modes.NewRegistry(), func(cfg *config.Config) {
		cfg.APIKeys = []string{testAPIKey, otherKey}
	})

	vs1 := gw.dial(t, voiceagent.VoiceOptions{})
	waitType(t, vs1, voiceagent.EventSessionStarted)
	token1 := vs1.ResumeToken()
	vs1.Close()

	other := voiceagent.NewClient(gw.ts.URL, voiceagent.WithAPIKey(otherKey))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := other.DialVoice(ctx, voiceagent.VoiceOptions{
		ResumeToken: token1,
		Reconnect:   voiceagent.ReconnectPolicy{Disabled: true},
	})
	var ce *voiceagent.Error
	if !errors.As(err, &ce) || ce.Type != voiceagent.ErrAuthentication {
		t.Fatalf("cross-caller resume = %v, want an authentication error", err)
	}

	// The token is single-use: the failed attempt consumed it, so even
	// the rightful owner cannot use it again.
	err = gw.dialErr(voiceagent.VoiceOptions{ResumeToken: token1})
	if !errors.As(err, &ce) || ce.Type != voiceagent.ErrResumeExpired {
		t.Fatalf("owner retry after hijack attempt = %v, want a resume-expired error", err)
	}
}
