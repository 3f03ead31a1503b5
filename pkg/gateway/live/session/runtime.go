// Package session runs the gateway side of one live voice session. A
// Runtime relays core session events onto a websocket, feeds client
// audio and control operations back into the session, and survives its
// websocket dying: the session stays warm while detached so a client
// holding a valid resume token can bind a new connection.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/core/backends"
	"github.com/Rapheal7/My-Agent/pkg/core/live"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/protocol"
	"github.com/Rapheal7/My-Agent/pkg/gateway/metrics"
)

// ErrSessionEnded is returned by Attach when the underlying session
// already reached a terminal state. Resume callers translate it into a
// resume rejection.
var ErrSessionEnded = errors.New("session already ended")

// canceledTurnCap bounds the remembered set of superseded turns. Only
// the most recent cancellations matter: older turns have no audio left
// in flight.
const canceledTurnCap = 32

// Config bounds one websocket attachment.
type Config struct {
	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64

	// Inbound audio flood limits. Zero disables the corresponding limit.
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int

	PingInterval time.Duration
	// PongTimeout is the read deadline; any inbound traffic or pong
	// extends it.
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// OutboundQueueSize is the per-channel depth of the outbound writer.
	// Default 256.
	OutboundQueueSize int
}

// Summary is the terminal record of a session, handed to OnTerminal
// exactly once after the event stream has drained.
type Summary struct {
	SessionID string
	Principal string
	Mode      string
	State     live.SessionState
	StartedAt time.Time
	EndedAt   time.Time
	Turns     []live.Turn
	History   []backends.Exchange
	LastSeq   uint64
	AudioIn   int64
	AudioOut  int64
}

// Dependencies wires a Runtime.
type Dependencies struct {
	// Session is the orchestration core for this conversation. It must
	// not be started; the runtime starts it when the first connection
	// attaches, so the client never misses the opening events.
	Session *live.Session

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Principal identifies who opened the session, for the terminal
	// summary and the archive.
	Principal string

	Config Config

	// Now is the clock, overridable in tests.
	Now func() time.Time

	// OnTerminal receives the session summary after the last event has
	// been relayed. Callers release admission permits, unregister from
	// the tracker, and archive from here.
	OnTerminal func(Summary)
}

// AttachOptions carries the per-connection choices from the client's
// hello.
type AttachOptions struct {
	// BinaryAudio switches reply audio to header-plus-binary message
	// pairs and permits raw binary capture frames.
	BinaryAudio bool

	// Debug forwards the session's debug events to this client.
	Debug bool
}

// attachment is one live websocket bound to the runtime, together with
// its outbound queues and writer lifetime.
type attachment struct {
	conn        *websocket.Conn
	binaryAudio bool
	debug       bool

	priority chan outboundFrame
	normal   chan outboundFrame

	ctx    context.Context
	cancel context.CancelFunc

	limiter          *inboundAudioLimiter
	lastThrottleWarn time.Time
}

// canceledTurnSet is a copy-on-write set of superseded turn IDs. The
// relay goroutine is the only writer; the websocket writer reads it on
// every audio frame.
type canceledTurnSet struct {
	set   map[string]struct{}
	order []string
}

// Runtime binds one live session to at most one websocket at a time.
type Runtime struct {
	sess       *live.Session
	logger     *slog.Logger
	metrics    *metrics.Metrics
	principal  string
	cfg        Config
	now        func() time.Time
	onTerminal func(Summary)

	// ctx is the session's lifetime context, independent of any one
	// connection.
	ctx       context.Context
	startOnce sync.Once
	startedAt time.Time

	mu         sync.Mutex
	att        *attachment
	detachedAt time.Time
	terminal   bool

	canceledTurns atomic.Value // *canceledTurnSet
	noSpeechTurn  string       // relay goroutine only

	audioIn  atomic.Int64
	audioOut atomic.Int64

	done chan struct{}
}

// New creates a Runtime and starts relaying session events. The relay
// runs whether or not a connection ever attaches, so metrics and the
// terminal summary are recorded even for sessions that die unattached.
func New(ctx context.Context, deps Dependencies) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := &Runtime{
		sess:       deps.Session,
		logger:     logger,
		metrics:    deps.Metrics,
		principal:  deps.Principal,
		cfg:        deps.Config,
		now:        now,
		onTerminal: deps.OnTerminal,
		ctx:        ctx,
		done:       make(chan struct{}),
	}
	r.startedAt = now()
	// Unattached from birth: if no client ever binds, the janitor
	// reclaims the session after the idle timeout.
	r.detachedAt = r.startedAt
	r.canceledTurns.Store(&canceledTurnSet{set: map[string]struct{}{}})

	go r.relay()
	return r
}

// SessionID returns the session identifier shared with the client.
func (r *Runtime) SessionID() string { return r.sess.SessionID() }

// Principal returns who opened the session.
func (r *Runtime) Principal() string { return r.principal }

// Mode returns the session's conversation mode.
func (r *Runtime) Mode() string { return string(r.sess.Mode()) }

// State returns the session state.
func (r *Runtime) State() live.SessionState { return r.sess.State() }

// LastSeq returns the highest accepted audio frame sequence, reported
// to resuming clients in the hello ack.
func (r *Runtime) LastSeq() uint64 { return r.sess.LastSeq() }

// Done is closed after the terminal summary has been delivered.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Attached reports whether a websocket is currently bound.
func (r *Runtime) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.att != nil
}

// SuspendedFor returns how long the runtime has been waiting for a
// client to come back, or zero when attached or already over.
func (r *Runtime) SuspendedFor(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.att != nil || r.terminal || r.detachedAt.IsZero() {
		return 0
	}
	d := now.Sub(r.detachedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Close ends the underlying session. The relay drains remaining events
// and delivers the terminal summary.
func (r *Runtime) Close(reason string) {
	_ = r.sess.CloseWithReason(reason)
}

// Warn pushes an advisory warning to the connected client, if any.
// Used for drain notices ahead of a shutdown.
func (r *Runtime) Warn(code, message string) {
	att := r.currentAttachment()
	if att == nil {
		return
	}
	payload, err := json.Marshal(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
	if err != nil {
		return
	}
	r.enqueuePriority(att, outboundFrame{textPayload: payload})
}

// Attach binds conn as the session's transport and serves it until the
// connection dies or the session ends. The first attachment also
// starts the session, so the opening events reach the client in order
// behind the hello ack the caller has already written.
//
// Attaching over a live connection supersedes it: the previous client
// is told and cut off. Attach never returns a transport error; a dying
// websocket suspends the runtime and returns nil.
func (r *Runtime) Attach(conn *websocket.Conn, opts AttachOptions) error {
	queueSize := r.cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	att := &attachment{
		conn:        conn,
		binaryAudio: opts.BinaryAudio,
		debug:       opts.Debug,
		priority:    make(chan outboundFrame, queueSize),
		normal:      make(chan outboundFrame, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		limiter:     newInboundAudioLimiter(r.now, r.cfg.MaxAudioFPS, r.cfg.MaxAudioBPS, r.cfg.InboundBurstSeconds),
	}

	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		cancel()
		return ErrSessionEnded
	}
	prev := r.att
	r.att = att
	r.detachedAt = time.Time{}
	r.mu.Unlock()

	if prev != nil {
		if payload, err := json.Marshal(protocol.ServerError{
			Type:    "error",
			Code:    "superseded_connection",
			Message: "another connection resumed this session",
			Close:   true,
		}); err == nil {
			r.enqueuePriority(prev, outboundFrame{textPayload: payload})
		}
		prev.cancel()
		r.logger.Info("connection superseded", "session_id", r.SessionID())
	}

	if limit := r.readLimit(); limit > 0 {
		conn.SetReadLimit(limit)
	}
	if r.cfg.PongTimeout > 0 {
		_ = conn.SetReadDeadline(r.now().Add(r.cfg.PongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(r.now().Add(r.cfg.PongTimeout))
		})
	}

	w := &outboundWriter{
		ws:         conn,
		ctx:        att.ctx,
		cfg:        r.cfg,
		priority:   att.priority,
		normal:     att.normal,
		isCanceled: r.isTurnCanceled,
	}
	go func() {
		if err := w.Run(); err != nil {
			r.logger.Debug("outbound writer stopped", "session_id", r.SessionID(), "error", err)
		}
		// Whatever ended the writer, the reader must unblock too.
		_ = conn.Close()
	}()

	r.startOnce.Do(func() {
		if err := r.sess.Start(r.ctx); err != nil {
			r.logger.Error("session start failed", "session_id", r.SessionID(), "error", err)
		}
	})

	return r.readLoop(att)
}

// readLimit is the largest message the peer may send: the JSON cap or
// one maximal binary audio frame, whichever is bigger.
func (r *Runtime) readLimit() int64 {
	limit := r.cfg.MaxJSONMessageBytes
	if r.cfg.MaxAudioFrameBytes > 0 {
		if binary := int64(r.cfg.MaxAudioFrameBytes + protocol.BinarySeqHeaderLen); binary > limit {
			limit = binary
		}
	}
	return limit
}

func (r *Runtime) currentAttachment() *attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.att
}

// readLoop consumes client messages until the connection dies or a
// protocol violation fails the session.
func (r *Runtime) readLoop(att *attachment) error {
	for {
		messageType, data, err := att.conn.ReadMessage()
		if err != nil {
			r.suspend(att)
			return nil
		}
		if r.cfg.PongTimeout > 0 {
			_ = att.conn.SetReadDeadline(r.now().Add(r.cfg.PongTimeout))
		}

		switch messageType {
		case websocket.BinaryMessage:
			if !att.binaryAudio {
				return r.protocolViolation(att, "bad_request", "binary audio frames were not negotiated", "features.audio_transport")
			}
			seq, pcm, derr := protocol.DecodeBinaryFrame(data)
			if derr != nil {
				return r.rejectDecode(att, derr)
			}
			if !r.admitAudio(att, seq, pcm) {
				return nil
			}

		case websocket.TextMessage:
			msg, derr := protocol.DecodeClientMessage(data)
			if derr != nil {
				return r.rejectDecode(att, derr)
			}
			switch m := msg.(type) {
			case protocol.ClientHello:
				return r.protocolViolation(att, "bad_request", "hello is only valid as the first message", "type")
			case protocol.ClientAudioFrame:
				pcm, decErr := base64.StdEncoding.DecodeString(m.DataB64)
				if decErr != nil {
					return r.protocolViolation(att, "bad_request", "audio_frame.data_b64 is not valid base64", "data_b64")
				}
				if !r.admitAudio(att, m.Seq, pcm) {
					return nil
				}
			case protocol.ClientText:
				_ = r.sess.PushText(m.Text)
			case protocol.ClientControl:
				switch m.Op {
				case "interrupt":
					_ = r.sess.Interrupt()
				case "cancel_turn":
					_ = r.sess.CancelTurn()
				case "end_session":
					_ = r.sess.CloseWithReason("client_request")
				}
			}
		}
	}
}

// admitAudio enforces the frame size and flood limits, then hands the
// frame to the session. Returns false when the violation was fatal and
// the read loop must stop.
func (r *Runtime) admitAudio(att *attachment, seq uint64, pcm []byte) bool {
	if limit := r.cfg.MaxAudioFrameBytes; limit > 0 && len(pcm) > limit {
		_ = r.protocolViolation(att, "frame_too_large",
			fmt.Sprintf("audio frame of %d bytes exceeds the %d byte limit", len(pcm), limit),
			"max_audio_frame_bytes")
		return false
	}

	if !att.limiter.Allow(len(pcm)) {
		// Flooding drops frames, not the session. Warn at most once a
		// second so the warning itself cannot flood.
		if r.metrics != nil {
			r.metrics.RecordThrottle("audio_flood")
		}
		now := r.now()
		if now.Sub(att.lastThrottleWarn) >= time.Second {
			att.lastThrottleWarn = now
			if payload, err := json.Marshal(protocol.ServerWarning{
				Type:    "warning",
				Code:    "throttled",
				Message: "inbound audio rate exceeded, dropping frames",
			}); err == nil {
				r.enqueuePriority(att, outboundFrame{textPayload: payload})
			}
		}
		return true
	}

	r.audioIn.Add(int64(len(pcm)))
	if r.metrics != nil {
		r.metrics.RecordAudio("in", len(pcm))
	}
	_ = r.sess.PushFrame(seq, pcm)
	return true
}

// rejectDecode reports a client frame the protocol package refused.
func (r *Runtime) rejectDecode(att *attachment, err error) error {
	var de *protocol.DecodeError
	if !errors.As(err, &de) {
		de = &protocol.DecodeError{Code: "bad_request", Message: "malformed frame"}
	}
	return r.protocolViolation(att, de.Code, de.Message, de.Param)
}

// protocolViolation is fatal: the client gets one error frame ahead of
// the terminal session events, and the session fails. Callers return
// out of the read loop immediately after; the writer delivers the
// queued frames and closes the connection when the relay finishes.
func (r *Runtime) protocolViolation(att *attachment, code, message, param string) error {
	if payload, err := json.Marshal(protocol.ServerError{
		Type:    "error",
		Code:    code,
		Message: message,
		Param:   param,
		Close:   true,
	}); err == nil {
		r.enqueuePriority(att, outboundFrame{textPayload: payload})
	}
	r.sess.Fail(&core.Error{Type: core.ErrProtocol, Message: message, Param: param})
	return nil
}

// suspend detaches a dead connection, leaving the session running for
// a possible resume.
func (r *Runtime) suspend(att *attachment) {
	r.mu.Lock()
	current := r.att == att
	if current {
		r.att = nil
		r.detachedAt = r.now()
	}
	terminal := r.terminal
	r.mu.Unlock()

	att.cancel()
	if current && !terminal {
		r.logger.Info("connection lost, session suspended",
			"session_id", r.SessionID(), "last_seq", r.LastSeq())
	}
}

// relay is the single consumer of the session's event stream. It
// records per-event metrics, maintains the canceled-turn set, and
// forwards events to whichever connection is bound. It exits when the
// session closes its stream, then delivers the terminal summary.
func (r *Runtime) relay() {
	for ev := range r.sess.Events() {
		r.observe(ev)
		r.forward(ev)
	}
	r.finish()
}

func (r *Runtime) observe(ev live.Event) {
	switch e := ev.(type) {
	case *live.NoSpeechEvent:
		r.noSpeechTurn = e.TurnID
	case *live.TurnCompletedEvent:
		outcome := "completed"
		if e.TurnID != "" && e.TurnID == r.noSpeechTurn {
			outcome = "no_speech"
			r.noSpeechTurn = ""
		}
		if r.metrics != nil {
			r.metrics.RecordTurn(outcome)
		}
	case *live.TurnSupersededEvent:
		r.markTurnCanceled(e.TurnID)
		if r.metrics != nil {
			r.metrics.RecordTurn("superseded")
		}
	case *live.TurnFailedEvent:
		r.markTurnCanceled(e.TurnID)
		if r.metrics != nil {
			r.metrics.RecordTurn("failed")
		}
	case *live.AudioDeltaEvent:
		r.audioOut.Add(int64(len(e.Data)))
		if r.metrics != nil {
			r.metrics.RecordAudio("out", len(e.Data))
		}
	case *live.SessionFailedEvent:
		if r.metrics != nil {
			r.metrics.RecordError(e.Code)
		}
		// Failing leaves the event stream open; Close drains and closes
		// it so the relay can finish.
		go func() { _ = r.sess.Close() }()
	}
}

// forward encodes an event for the bound connection. Detached runtimes
// drop events: a resuming client re-syncs from its hello ack snapshot,
// not from replay.
func (r *Runtime) forward(ev live.Event) {
	att := r.currentAttachment()
	if att == nil {
		return
	}
	if _, ok := ev.(*live.DebugEvent); ok && !att.debug {
		return
	}

	if delta, ok := ev.(*live.AudioDeltaEvent); ok && att.binaryAudio {
		header, err := json.Marshal(protocol.BinaryAudioHeader{
			Type:   "binary_audio",
			TurnID: delta.TurnID,
			Bytes:  len(delta.Data),
			Format: delta.Format,
		})
		if err != nil {
			r.logger.Warn("encode audio header failed", "session_id", r.SessionID(), "error", err)
			return
		}
		r.enqueueNormal(att, outboundFrame{
			isTurnAudio: true,
			turnID:      delta.TurnID,
			binaryPair:  &binaryPair{header: header, data: delta.Data},
		})
		return
	}

	payload, err := protocol.EncodeEvent(ev)
	if err != nil {
		r.logger.Warn("encode event failed", "session_id", r.SessionID(), "type", ev.EventType(), "error", err)
		return
	}
	frame := outboundFrame{textPayload: payload}
	if delta, ok := ev.(*live.AudioDeltaEvent); ok {
		frame.isTurnAudio = true
		frame.turnID = delta.TurnID
	}
	if isPriorityEvent(ev) {
		r.enqueuePriority(att, frame)
	} else {
		r.enqueueNormal(att, frame)
	}
}

// isPriorityEvent routes control-plane events onto the priority queue
// so they overtake queued audio. Everything ordered relative to audio
// delivery (committed markers, turn completion) shares the audio queue
// instead.
func isPriorityEvent(ev live.Event) bool {
	switch ev.(type) {
	case *live.SessionStartedEvent, *live.SessionClosedEvent, *live.SessionFailedEvent,
		*live.StateChangedEvent, *live.TurnSupersededEvent, *live.TurnFailedEvent,
		*live.AudioFlushEvent:
		return true
	default:
		return false
	}
}

// finish runs once, after the event stream closes: terminal metrics,
// the summary handoff, then teardown of whatever connection is still
// bound.
func (r *Runtime) finish() {
	endedAt := r.now()
	state := r.sess.State()

	r.mu.Lock()
	att := r.att
	r.att = nil
	r.terminal = true
	r.mu.Unlock()

	status := "closed"
	if state == live.StateFailed {
		status = "failed"
	}
	if r.metrics != nil {
		r.metrics.RecordSessionEnd(string(r.sess.Mode()), status, endedAt.Sub(r.startedAt))
	}

	if att != nil {
		// The terminal events are already queued; the writer flushes
		// them before closing the connection.
		att.cancel()
	}

	summary := Summary{
		SessionID: r.sess.SessionID(),
		Principal: r.principal,
		Mode:      string(r.sess.Mode()),
		State:     state,
		StartedAt: r.startedAt,
		EndedAt:   endedAt,
		Turns:     r.sess.Turns(),
		History:   r.sess.History(),
		LastSeq:   r.sess.LastSeq(),
		AudioIn:   r.audioIn.Load(),
		AudioOut:  r.audioOut.Load(),
	}
	if r.onTerminal != nil {
		r.onTerminal(summary)
	}

	r.logger.Info("session ended",
		"session_id", summary.SessionID,
		"mode", summary.Mode,
		"status", status,
		"turns", len(summary.Turns),
		"duration_ms", endedAt.Sub(r.startedAt).Milliseconds())

	close(r.done)
}

// enqueueNormal queues a frame, dropping it when the queue is full.
// Audio is lossy: a slow reader loses frames, not the session.
func (r *Runtime) enqueueNormal(att *attachment, frame outboundFrame) {
	select {
	case att.normal <- frame:
	default:
	}
}

// enqueuePriority queues a control frame, evicting the oldest queued
// priority frames to make room. Control frames carry state the client
// cannot reconstruct, so eviction of stale ones beats dropping the new
// one.
func (r *Runtime) enqueuePriority(att *attachment, frame outboundFrame) {
	for i := 0; i < 4; i++ {
		select {
		case att.priority <- frame:
			return
		default:
		}
		select {
		case <-att.priority:
		default:
		}
	}
	select {
	case att.priority <- frame:
	default:
	}
}

// markTurnCanceled records that a turn's audio must no longer reach
// the client. Copy-on-write so the writer's per-frame lookup never
// takes a lock.
func (r *Runtime) markTurnCanceled(turnID string) {
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return
	}
	old := r.canceledTurns.Load().(*canceledTurnSet)
	if _, ok := old.set[turnID]; ok {
		return
	}

	next := &canceledTurnSet{
		set:   make(map[string]struct{}, len(old.set)+1),
		order: make([]string, 0, len(old.order)+1),
	}
	for _, id := range old.order {
		next.set[id] = struct{}{}
		next.order = append(next.order, id)
	}
	next.set[turnID] = struct{}{}
	next.order = append(next.order, turnID)
	for len(next.order) > canceledTurnCap {
		drop := next.order[0]
		next.order = next.order[1:]
		delete(next.set, drop)
	}
	r.canceledTurns.Store(next)
}

func (r *Runtime) isTurnCanceled(turnID string) bool {
	if turnID == "" {
		return false
	}
	s := r.canceledTurns.Load().(*canceledTurnSet)
	_, ok := s.set[turnID]
	return ok
}
