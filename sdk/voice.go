package voiceagent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/protocol"
)

// ReconnectPolicy bounds the resume loop that runs after an unexpected
// transport drop.
type ReconnectPolicy struct {
	// Disabled turns automatic resume off; the first drop is terminal.
	Disabled bool
	// MaxAttempts caps redials per outage. 0 means the default (8).
	MaxAttempts uint64
	// BaseDelay is the first backoff step. 0 means 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth. 0 means 10s.
	MaxDelay time.Duration
	// JitterPercent spreads thundering herds. 0 means 20.
	JitterPercent uint64
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 8
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.JitterPercent == 0 {
		p.JitterPercent = 20
	}
	return p
}

// backoff builds the redial schedule: exponential growth from BaseDelay
// capped at MaxDelay, jittered, stopping after MaxAttempts.
func (p ReconnectPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	b = retry.WithJitterPercent(p.JitterPercent, b)
	return retry.WithMaxRetries(p.MaxAttempts, b)
}

// VoiceOptions configures a live voice session.
type VoiceOptions struct {
	// APIKey overrides the client's key for this session.
	APIKey string

	// TextOnly opens a session without audio capture; input arrives via
	// SendText.
	TextOnly bool
	// SampleRateHz is the capture rate for pcm_s16le mono audio.
	// 0 means 16000.
	SampleRateHz int
	// BinaryAudio uses raw binary WebSocket frames for audio in both
	// directions instead of base64 JSON.
	BinaryAudio bool
	// WantDebug asks the server to relay debug events.
	WantDebug bool

	// ResumeToken resumes a previous session instead of opening a new
	// one. LastAudioSeq tells the server the client's send high-water.
	ResumeToken  string
	LastAudioSeq uint64

	ClientName    string
	ClientVersion string

	// HandshakeTimeout bounds dial plus hello/ack. 0 means 5s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds individual frame writes. 0 means 5s.
	WriteTimeout time.Duration
	// EventBuffer sizes the Events channel. 0 means 64.
	EventBuffer int

	Reconnect ReconnectPolicy

	// Dialer overrides the WebSocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

func (o VoiceOptions) withDefaults() VoiceOptions {
	if o.SampleRateHz <= 0 {
		o.SampleRateHz = 16000
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.ClientName == "" {
		o.ClientName = "voiceagent-go"
	}
	o.Reconnect = o.Reconnect.withDefaults()
	return o
}

// VoiceSession is a live voice conversation with the gateway. Events
// must be drained; sends are safe from any goroutine.
//
// When the transport drops unexpectedly the session redials with its
// resume token, surfacing "reconnecting" and "resumed" events around
// the outage. Exhausted attempts or a rejected resume surface a
// terminal "session.failed" event. The Events channel closes after the
// last event.
type VoiceSession struct {
	client *Client
	opts   VoiceOptions
	wsURL  string

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	sessionID   string
	mode        string
	resumeToken string
	limits      *protocol.HelloAckLimits
	seq         uint64
	closed      bool
	terminal    bool

	finishOnce sync.Once
}

// DialVoice opens a live voice session. ctx bounds the initial dial and
// handshake only; the session's lifetime is governed by Close and the
// server.
func (c *Client) DialVoice(ctx context.Context, opts VoiceOptions) (*VoiceSession, error) {
	opts = opts.withDefaults()
	wsURL, err := voiceWSURL(c.baseURL)
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &VoiceSession{
		client: c,
		opts:   opts,
		wsURL:  wsURL,
		ctx:    sessCtx,
		cancel: cancel,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
		seq:    opts.LastAudioSeq,
	}

	conn, err := s.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	ack, err := s.handshake(ctx, conn, opts.ResumeToken, opts.LastAudioSeq)
	if err != nil {
		conn.Close()
		cancel()
		return nil, err
	}
	s.applyAck(conn, ack)

	go s.run(conn)
	return s, nil
}

// voiceWSURL maps the HTTP base URL onto the voice WebSocket endpoint.
func voiceWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice"
	return u.String(), nil
}

func (s *VoiceSession) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := s.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}
	}
	conn, resp, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		if resp != nil {
			// The gateway rejected the upgrade with an HTTP status
			// (draining, bad origin); its body is an error envelope.
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			resp.Body.Close()
			return nil, parseGatewayError(resp.StatusCode, body)
		}
		return nil, &TransportError{Op: "dial", URL: s.wsURL, Err: err}
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}

// handshake runs the hello/ack exchange on a fresh connection.
func (s *VoiceSession) handshake(ctx context.Context, conn *websocket.Conn, resumeToken string, lastSeq uint64) (*protocol.ServerHelloAck, error) {
	apiKey := s.opts.APIKey
	if apiKey == "" {
		apiKey = s.client.apiKey
	}
	transport := protocol.AudioTransportBase64JSON
	if s.opts.BinaryAudio {
		transport = protocol.AudioTransportBinary
	}
	hello := protocol.ClientHello{
		Type:            "hello",
		ProtocolVersion: protocol.ProtocolVersion1,
		Client: protocol.HelloClient{
			Name:    s.opts.ClientName,
			Version: s.opts.ClientVersion,
		},
		APIKey: apiKey,
		Audio: protocol.AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: s.opts.SampleRateHz,
			Channels:     1,
		},
		Features: protocol.HelloFeatures{
			AudioTransport: transport,
			TextOnly:       s.opts.TextOnly,
			WantDebug:      s.opts.WantDebug,
		},
	}
	if resumeToken != "" {
		hello.ResumeToken = resumeToken
		seq := lastSeq
		hello.LastAudioSeq = &seq
	}

	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(hello); err != nil {
		return nil, &TransportError{Op: "hello", URL: s.wsURL, Err: err}
	}
	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, &TransportError{Op: "hello", URL: s.wsURL, Err: err}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &core.Error{Type: core.ErrProtocol, Message: "malformed handshake reply"}
	}
	switch head.Type {
	case "error":
		var se protocol.ServerError
		if err := json.Unmarshal(data, &se); err != nil {
			return nil, &core.Error{Type: core.ErrProtocol, Message: "malformed handshake rejection"}
		}
		return nil, rejectToError(se)
	case "hello_ack":
		var ack protocol.ServerHelloAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, &core.Error{Type: core.ErrProtocol, Message: "malformed hello ack"}
		}
		return &ack, nil
	default:
		return nil, &core.Error{Type: core.ErrProtocol, Message: "unexpected handshake reply " + head.Type}
	}
}

// rejectToError maps a handshake rejection onto the error taxonomy so
// callers (and the resume loop) can tell permanent failures from
// transient ones.
func rejectToError(se protocol.ServerError) *core.Error {
	e := &core.Error{Message: se.Message, Code: se.Code, Param: se.Param}
	switch se.Code {
	case "unauthorized":
		e.Type = core.ErrAuthentication
	case "throttled":
		e.Type = core.ErrThrottled
		if se.RetryAfter > 0 {
			ra := se.RetryAfter
			e.RetryAfter = &ra
		}
	case "resume_expired":
		e.Type = core.ErrResumeExpired
	case "unavailable", "resume_unsupported", "session_ended":
		e.Type = core.ErrUnavailable
	case "bad_request", "unsupported":
		e.Type = core.ErrInvalidRequest
	default:
		e.Type = core.ErrInternal
	}
	return e
}

func (s *VoiceSession) applyAck(conn *websocket.Conn, ack *protocol.ServerHelloAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.sessionID = ack.SessionID
	s.mode = ack.Mode
	if ack.ResumeToken != "" {
		s.resumeToken = ack.ResumeToken
	}
	if ack.Limits != nil {
		limits := *ack.Limits
		s.limits = &limits
	}
	if ack.LastAudioSeq > s.seq {
		s.seq = ack.LastAudioSeq
	}
}

// run owns the connection: it reads frames until the conn dies, then
// either finishes the session or resumes onto a fresh conn.
func (s *VoiceSession) run(conn *websocket.Conn) {
	for {
		s.readConn(conn)
		conn.Close()

		s.mu.Lock()
		stop := s.closed || s.terminal
		token := s.resumeToken
		s.conn = nil
		s.mu.Unlock()

		if stop {
			s.finish()
			return
		}
		if s.opts.Reconnect.Disabled || token == "" {
			s.emit(Event{
				Type:    EventSessionFailed,
				Code:    "connection_lost",
				Message: "transport dropped and resume is unavailable",
			})
			s.finish()
			return
		}

		next, err := s.resume()
		if err != nil {
			s.mu.Lock()
			wasClosed := s.closed
			s.mu.Unlock()
			if !wasClosed {
				s.emit(Event{
					Type:    EventSessionFailed,
					Code:    "reconnect_failed",
					Message: fmt.Sprintf("reconnect failed: %v", err),
				})
			}
			s.finish()
			return
		}
		conn = next
	}
}

// readConn pumps frames from one connection until it errors.
func (s *VoiceSession) readConn(conn *websocket.Conn) {
	var pendingAudio *Event
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			pendingAudio = s.handleFrame(data)
		case websocket.BinaryMessage:
			if pendingAudio == nil {
				continue
			}
			ev := *pendingAudio
			pendingAudio = nil
			ev.Audio = data
			s.emit(ev)
		}
	}
}

// handleFrame decodes one JSON frame. A binary_audio header returns the
// half-built event waiting for its payload.
func (s *VoiceSession) handleFrame(data []byte) *Event {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil
	}

	switch head.Type {
	case "", "hello_ack":
		return nil
	case "binary_audio":
		var h protocol.BinaryAudioHeader
		if err := json.Unmarshal(data, &h); err != nil {
			return nil
		}
		return &Event{Type: EventAudioDelta, TurnID: h.TurnID, Format: h.Format}
	case "error":
		var se protocol.ServerError
		if err := json.Unmarshal(data, &se); err != nil {
			return nil
		}
		if se.Close {
			// The server is hanging up on purpose (superseded connection,
			// protocol violation). Resuming would fight its decision.
			s.markTerminal()
		}
		s.emit(Event{
			Type:       EventError,
			Code:       se.Code,
			Message:    se.Message,
			Param:      se.Param,
			RetryAfter: se.RetryAfter,
			Closing:    se.Close,
		})
		return nil
	case "warning":
		var sw protocol.ServerWarning
		if err := json.Unmarshal(data, &sw); err != nil {
			return nil
		}
		s.emit(Event{Type: EventWarning, Code: sw.Code, Message: sw.Message})
		return nil
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	ev.Type = head.Type
	if head.Type == EventBackchannel {
		var clip struct {
			Audio []byte `json:"audio"`
		}
		if err := json.Unmarshal(data, &clip); err == nil {
			ev.Audio = clip.Audio
		}
	}
	if ev.Terminal() {
		s.markTerminal()
	}
	s.emit(ev)
	return nil
}

func (s *VoiceSession) markTerminal() {
	s.mu.Lock()
	s.terminal = true
	s.mu.Unlock()
}

// resume redials with the stored resume token, rotating it on every
// accepted handshake. Returns the new connection, or the permanent
// error that ended the line.
func (s *VoiceSession) resume() (*websocket.Conn, error) {
	b := s.opts.Reconnect.backoff()

	var (
		conn    *websocket.Conn
		attempt int
	)
	err := retry.Do(s.ctx, b, func(ctx context.Context) error {
		attempt++
		s.emit(Event{Type: EventReconnecting, Attempt: attempt})

		s.mu.Lock()
		token := s.resumeToken
		lastSeq := s.seq
		s.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()

		c, err := s.dial(dialCtx)
		if err != nil {
			if ce, ok := err.(*core.Error); ok && !ce.IsRetryable() {
				return err
			}
			return retry.RetryableError(err)
		}
		ack, err := s.handshake(dialCtx, c, token, lastSeq)
		if err != nil {
			c.Close()
			if ce, ok := err.(*core.Error); ok && !ce.IsRetryable() {
				return err
			}
			return retry.RetryableError(err)
		}
		s.applyAck(c, ack)
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(Event{Type: EventResumed, Attempt: attempt})
	return conn, nil
}

func (s *VoiceSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *VoiceSession) finish() {
	s.finishOnce.Do(func() {
		close(s.events)
		close(s.done)
		s.cancel()
	})
}

// Events delivers session events in order. The channel closes after the
// last event; callers must drain it.
func (s *VoiceSession) Events() <-chan Event {
	return s.events
}

// Done closes when the session has fully stopped.
func (s *VoiceSession) Done() <-chan struct{} {
	return s.done
}

// SessionID returns the server-assigned session id.
func (s *VoiceSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Mode returns the negotiated conversation mode.
func (s *VoiceSession) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ResumeToken returns the current single-use resume token. It rotates
// on every accepted handshake.
func (s *VoiceSession) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// Limits returns the server's negotiated transport limits, or nil.
func (s *VoiceSession) Limits() *protocol.HelloAckLimits {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits == nil {
		return nil
	}
	limits := *s.limits
	return &limits
}

// LastAudioSeq returns the highest audio frame sequence sent so far.
func (s *VoiceSession) LastAudioSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// sendConn fetches the live connection for a send.
func (s *VoiceSession) sendConn() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminal {
		return nil, ErrSessionClosed
	}
	if s.conn == nil {
		return nil, ErrReconnecting
	}
	return s.conn, nil
}

// SendAudio sends one frame of pcm_s16le mono audio. Frames carry a
// monotonic sequence number that survives resumes.
func (s *VoiceSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed || s.terminal {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrReconnecting
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if s.opts.BinaryAudio {
		return s.write(conn, websocket.BinaryMessage, protocol.EncodeBinaryFrame(seq, pcm))
	}
	return s.writeJSON(conn, protocol.ClientAudioFrame{
		Type:    "audio_frame",
		Seq:     seq,
		DataB64: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText submits a typed utterance, bypassing capture and transcription.
func (s *VoiceSession) SendText(text string) error {
	conn, err := s.sendConn()
	if err != nil {
		return err
	}
	return s.writeJSON(conn, protocol.ClientText{Type: "text", Text: text})
}

// Interrupt barges in over agent speech: playback flushes and the
// session returns to listening.
func (s *VoiceSession) Interrupt() error {
	return s.control("interrupt")
}

// CancelTurn abandons the in-flight turn without starting a new one.
func (s *VoiceSession) CancelTurn() error {
	return s.control("cancel_turn")
}

// EndSession asks the server to close cleanly. The terminal
// session.closed event arrives on Events.
func (s *VoiceSession) EndSession() error {
	return s.control("end_session")
}

func (s *VoiceSession) control(op string) error {
	conn, err := s.sendConn()
	if err != nil {
		return err
	}
	return s.writeJSON(conn, protocol.ClientControl{Type: "control", Op: op})
}

func (s *VoiceSession) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return &TransportError{Op: "write", URL: s.wsURL, Err: err}
	}
	return nil
}

func (s *VoiceSession) write(conn *websocket.Conn, msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(msgType, data); err != nil {
		return &TransportError{Op: "write", URL: s.wsURL, Err: err}
	}
	return nil
}

// Close tears the session down immediately. Prefer EndSession for a
// clean goodbye; Close after the terminal event is always safe.
func (s *VoiceSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		conn.Close()
	}
	return nil
}
