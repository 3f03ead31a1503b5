package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/core/live"
	"github.com/Rapheal7/My-Agent/pkg/core/modes"
	"github.com/Rapheal7/My-Agent/pkg/gateway/apierror"
	"github.com/Rapheal7/My-Agent/pkg/gateway/archive"
	"github.com/Rapheal7/My-Agent/pkg/gateway/auth"
	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	"github.com/Rapheal7/My-Agent/pkg/gateway/lifecycle"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/protocol"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/session"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/sessions"
	"github.com/Rapheal7/My-Agent/pkg/gateway/metrics"
	"github.com/Rapheal7/My-Agent/pkg/gateway/mw"
	"github.com/Rapheal7/My-Agent/pkg/gateway/principal"
	"github.com/Rapheal7/My-Agent/pkg/gateway/ratelimit"
)

// VoiceHandler serves GET /v1/voice: the WebSocket upgrade, the hello
// handshake, admission, mode selection, and then hands the connection to
// a session runtime. On a resume token it rebinds the connection to the
// suspended runtime instead of opening a new session.
type VoiceHandler struct {
	Config    config.Config
	Registry  *modes.Registry
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Tracker   *sessions.Tracker
	Resume    sessions.Store
	Archive   *archive.Archive

	// BaseContext outlives individual upgrade requests. Session runtimes
	// bind to it so a suspended session survives the request that opened
	// it. Nil means context.Background().
	BaseContext context.Context

	// SelectMode overrides mode selection in tests. textOnly restricts
	// the walk to text-input candidates.
	SelectMode func(ctx context.Context, textOnly bool) modes.Selection
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		apierror.WriteError(w, http.StatusMethodNotAllowed, &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   "method not allowed",
			Code:      "method_not_allowed",
			RequestID: reqID,
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.WriteError(w, http.StatusServiceUnavailable, &core.Error{
			Type:      core.ErrUnavailable,
			Message:   "gateway is draining",
			Code:      "draining",
			RequestID: reqID,
		})
		return
	}
	if !h.originAllowed(r) {
		apierror.WriteError(w, http.StatusForbidden, &core.Error{
			Type:      core.ErrAuthentication,
			Message:   "origin is not allowed",
			Param:     "Origin",
			RequestID: reqID,
		})
		return
	}

	// Origin was checked against the configured allowlist above.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	hello, ok := h.readHello(conn)
	if !ok {
		return
	}
	h.logger().Debug("hello received", "request_id", reqID, "hello", hello.RedactedForLog())

	principalKey, authErr := h.resolvePrincipal(r, hello)
	if authErr != nil {
		h.reject(conn, "unauthorized", authErr.Message, authErr.Param, 0)
		return
	}

	if strings.TrimSpace(hello.ResumeToken) != "" {
		h.serveResume(r, conn, hello, principalKey, reqID)
		return
	}
	h.serveNew(r, conn, hello, principalKey, reqID)
}

// readHello enforces the handshake: the first message must be a valid
// hello within the handshake timeout.
func (h VoiceHandler) readHello(conn *websocket.Conn) (protocol.ClientHello, bool) {
	t := h.Config.Transport
	if t.MaxJSONMessageBytes > 0 {
		conn.SetReadLimit(t.MaxJSONMessageBytes)
	}
	handshake := t.HandshakeTimeout
	if handshake <= 0 {
		handshake = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshake))

	messageType, frame, err := conn.ReadMessage()
	if err != nil {
		h.reject(conn, "bad_request", "failed to read hello", "", 0)
		return protocol.ClientHello{}, false
	}
	if messageType != websocket.TextMessage {
		h.reject(conn, "bad_request", "first message must be a hello text frame", "", 0)
		return protocol.ClientHello{}, false
	}

	decoded, err := protocol.DecodeClientMessage(frame)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			h.reject(conn, decodeErr.Code, decodeErr.Message, decodeErr.Param, 0)
		} else {
			h.reject(conn, "bad_request", "invalid hello frame", "", 0)
		}
		return protocol.ClientHello{}, false
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.reject(conn, "bad_request", "first message must be hello", "type", 0)
		return protocol.ClientHello{}, false
	}
	return hello, true
}

func (h VoiceHandler) serveNew(r *http.Request, conn *websocket.Conn, hello protocol.ClientHello, principalKey, reqID string) {
	var permit *ratelimit.Permit
	if h.Limiter != nil {
		dec := h.Limiter.AcquireSession(principalKey, time.Now())
		if !dec.Allowed {
			if h.Metrics != nil {
				h.Metrics.RecordThrottle("session")
			}
			h.reject(conn, "throttled", "too many session opens, slow down", "", dec.RetryAfter)
			return
		}
		permit = dec.Permit
	}

	sel := h.selectMode(r.Context(), hello.Features.TextOnly)

	sess := live.NewSession(h.Config.LiveSessionConfig(), sel)

	// OnTerminal fires on the relay goroutine after Register below has
	// run; the channel makes that ordering explicit.
	registered := make(chan struct{})
	var unregister func()
	rt := session.New(h.baseContext(), session.Dependencies{
		Session:   sess,
		Logger:    h.Logger,
		Metrics:   h.Metrics,
		Principal: principalKey,
		Config:    h.runtimeConfig(),
		OnTerminal: func(s session.Summary) {
			h.Archive.Enqueue(s)
			if h.Resume != nil {
				_ = h.Resume.Revoke(context.Background(), s.SessionID)
			}
			<-registered
			if unregister != nil {
				unregister()
			}
			permit.Release()
		},
	})
	if h.Tracker != nil {
		unregister = h.Tracker.Register(rt)
	}
	close(registered)
	if h.Metrics != nil {
		h.Metrics.RecordSessionStart()
	}

	resumeToken := ""
	if h.Resume != nil {
		token := sessions.NewToken()
		err := h.Resume.Issue(r.Context(), token, sessions.Resume{
			SessionID: rt.SessionID(),
			Principal: principalKey,
			IssuedAt:  time.Now(),
		}, h.Config.Session.IdleTimeout)
		if err != nil {
			// The session still works; it just cannot be resumed.
			h.logger().Warn("resume token issue failed", "session_id", rt.SessionID(), "error", err)
		} else {
			resumeToken = token
		}
	}

	ack := h.helloAck(hello, ackParams{
		SessionID:   rt.SessionID(),
		Mode:        string(sel.Mode),
		RequestID:   reqID,
		ResumeToken: resumeToken,
	})
	if err := conn.WriteJSON(ack); err != nil {
		rt.Close("transport_error")
		return
	}

	h.logger().Info("voice session opened",
		"session_id", rt.SessionID(),
		"request_id", reqID,
		"mode", sel.Mode,
		"skipped_modes", len(sel.Skipped),
	)

	if err := rt.Attach(conn, attachOptions(hello)); err != nil {
		h.reject(conn, "session_ended", "session already ended", "", 0)
	}
}

func (h VoiceHandler) serveResume(r *http.Request, conn *websocket.Conn, hello protocol.ClientHello, principalKey, reqID string) {
	if h.Resume == nil || h.Tracker == nil {
		h.reject(conn, "resume_unsupported", "session resume is not enabled", "resume_token", 0)
		return
	}
	ctx := r.Context()

	rec, ok, err := h.Resume.Consume(ctx, strings.TrimSpace(hello.ResumeToken))
	if err != nil {
		h.recordResume("error")
		h.logger().Error("resume token lookup failed", "request_id", reqID, "error", err)
		h.reject(conn, "unavailable", "resume is temporarily unavailable", "", 0)
		return
	}
	if !ok {
		h.recordResume("expired")
		h.reject(conn, "resume_expired", "resume token is expired or already used", "resume_token", 0)
		return
	}
	if rec.Principal != principalKey {
		h.recordResume("mismatch")
		h.reject(conn, "unauthorized", "resume token was issued to a different caller", "resume_token", 0)
		return
	}
	rt := h.Tracker.Get(rec.SessionID)
	if rt == nil {
		h.recordResume("gone")
		h.reject(conn, "resume_expired", "session no longer exists", "resume_token", 0)
		return
	}

	next := sessions.NewToken()
	if err := h.Resume.Issue(ctx, next, sessions.Resume{
		SessionID: rec.SessionID,
		Principal: principalKey,
		IssuedAt:  time.Now(),
	}, h.Config.Session.IdleTimeout); err != nil {
		h.recordResume("error")
		h.reject(conn, "unavailable", "resume is temporarily unavailable", "", 0)
		return
	}

	ack := h.helloAck(hello, ackParams{
		SessionID:      rt.SessionID(),
		Mode:           rt.Mode(),
		RequestID:      reqID,
		ResumeToken:    next,
		ResumeAccepted: true,
		LastAudioSeq:   rt.LastSeq(),
	})
	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	h.recordResume("resumed")
	h.logger().Info("voice session resumed",
		"session_id", rt.SessionID(), "request_id", reqID)

	if err := rt.Attach(conn, attachOptions(hello)); err != nil {
		if errors.Is(err, session.ErrSessionEnded) {
			h.recordResume("gone")
		}
		_ = h.Resume.Revoke(context.Background(), rec.SessionID)
		h.reject(conn, "session_ended", "session already ended", "", 0)
	}
}

// resolvePrincipal authenticates the voice handshake. WebSocket clients
// may carry the key in the hello payload instead of a header.
func (h VoiceHandler) resolvePrincipal(r *http.Request, hello protocol.ClientHello) (string, *core.Error) {
	key := strings.TrimSpace(hello.APIKey)
	if key == "" {
		if token, ok := auth.ParseBearer(r); ok {
			key = token
		}
	}
	keys := auth.NewKeySet(h.Config.APIKeys)

	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if key == "" {
			return "", &core.Error{Type: core.ErrAuthentication, Message: "missing api key", Param: "api_key"}
		}
		if !keys.Contains(key) {
			return "", &core.Error{Type: core.ErrAuthentication, Message: "invalid api key", Param: "api_key"}
		}
		return ratelimit.PrincipalKeyFromAPIKey(key), nil
	case config.AuthModeOptional:
		if key != "" {
			if !keys.Contains(key) {
				return "", &core.Error{Type: core.ErrAuthentication, Message: "invalid api key", Param: "api_key"}
			}
			return ratelimit.PrincipalKeyFromAPIKey(key), nil
		}
		return principal.Resolve(r, h.Config.TrustProxyHeaders).Key, nil
	case config.AuthModeDisabled:
		return principal.Resolve(r, h.Config.TrustProxyHeaders).Key, nil
	default:
		return "", &core.Error{Type: core.ErrAuthentication, Message: "invalid auth mode"}
	}
}

func (h VoiceHandler) selectMode(ctx context.Context, textOnly bool) modes.Selection {
	if h.SelectMode != nil {
		return h.SelectMode(ctx, textOnly)
	}
	reg := h.Registry
	if reg == nil {
		reg = modes.NewRegistry()
	}
	if textOnly {
		filtered := modes.NewRegistry()
		for _, d := range reg.Descriptors() {
			if d.TextInput {
				filtered.Register(d)
			}
		}
		reg = filtered
	}
	return modes.Select(ctx, reg, h.Config.Backends.ProbeTimeout)
}

type ackParams struct {
	SessionID      string
	Mode           string
	RequestID      string
	ResumeToken    string
	ResumeAccepted bool
	LastAudioSeq   uint64
}

func (h VoiceHandler) helloAck(hello protocol.ClientHello, p ackParams) protocol.ServerHelloAck {
	t := h.Config.Transport
	s := h.Config.Session
	return protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       p.SessionID,
		RequestID:       p.RequestID,
		Mode:            p.Mode,
		Audio:           hello.Audio,
		Resume: protocol.HelloAckResume{
			Supported: h.Resume != nil,
			Accepted:  p.ResumeAccepted,
		},
		ResumeToken:  p.ResumeToken,
		LastAudioSeq: p.LastAudioSeq,
		Limits: &protocol.HelloAckLimits{
			MaxAudioFrameBytes:  t.MaxAudioFrameBytes,
			MaxJSONMessageBytes: int(t.MaxJSONMessageBytes),
			MaxAudioFPS:         t.MaxAudioFPS,
			MaxAudioBPS:         t.MaxAudioBPS,
			SilenceCommitMS:     int(s.SilenceCommit / time.Millisecond),
			MinUtteranceMS:      int(s.MinUtterance / time.Millisecond),
			IdleTimeoutMS:       int64(s.IdleTimeout / time.Millisecond),
			MaxSessionMS:        int64(s.MaxSession / time.Millisecond),
		},
	}
}

func (h VoiceHandler) runtimeConfig() session.Config {
	t := h.Config.Transport
	return session.Config{
		MaxAudioFrameBytes:  t.MaxAudioFrameBytes,
		MaxJSONMessageBytes: t.MaxJSONMessageBytes,
		MaxAudioFPS:         t.MaxAudioFPS,
		MaxAudioBPS:         t.MaxAudioBPS,
		InboundBurstSeconds: t.InboundBurstSeconds,
		PingInterval:        t.PingInterval,
		PongTimeout:         t.PongTimeout,
		WriteTimeout:        t.WriteTimeout,
	}
}

func (h VoiceHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	allowed := h.Config.CORSOriginSet()
	if len(allowed) == 0 {
		return false
	}
	_, ok := allowed[origin]
	return ok
}

func (h VoiceHandler) baseContext() context.Context {
	if h.BaseContext != nil {
		return h.BaseContext
	}
	return context.Background()
}

func (h VoiceHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h VoiceHandler) recordResume(outcome string) {
	if h.Metrics != nil {
		h.Metrics.RecordResume(outcome)
	}
}

// reject writes a fatal protocol error and a close frame. Used only
// before a runtime owns the connection.
func (h VoiceHandler) reject(conn *websocket.Conn, code, message, param string, retryAfter int) {
	_ = conn.WriteJSON(protocol.ServerError{
		Type:       "error",
		Code:       code,
		Message:    message,
		Param:      param,
		RetryAfter: retryAfter,
		Close:      true,
	})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
		time.Now().Add(2*time.Second))
}

func attachOptions(hello protocol.ClientHello) session.AttachOptions {
	return session.AttachOptions{
		BinaryAudio: strings.TrimSpace(hello.Features.AudioTransport) == protocol.AudioTransportBinary,
		Debug:       hello.Features.WantDebug,
	}
}
