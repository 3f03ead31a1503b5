// Package server assembles the voice gateway: routes, middleware,
// session tracking, and the drain sequence.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core/modes"
	"github.com/Rapheal7/My-Agent/pkg/gateway/archive"
	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	"github.com/Rapheal7/My-Agent/pkg/gateway/handlers"
	"github.com/Rapheal7/My-Agent/pkg/gateway/lifecycle"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/sessions"
	"github.com/Rapheal7/My-Agent/pkg/gateway/metrics"
	"github.com/Rapheal7/My-Agent/pkg/gateway/mw"
	"github.com/Rapheal7/My-Agent/pkg/gateway/ratelimit"
)

// janitorInterval is how often suspended sessions are checked against
// the idle timeout.
const janitorInterval = 30 * time.Second

// Options carries externally-constructed dependencies. Zero values get
// in-process defaults: an in-memory resume store and no archive.
type Options struct {
	// Resume stores reconnect tokens. Nil selects the in-memory store;
	// pass a Redis-backed store when sessions must survive more than one
	// gateway process behind sticky routing.
	Resume sessions.Store

	// Archive persists finished sessions. Nil (or a nil *archive.Archive)
	// disables persistence.
	Archive *archive.Archive

	Metrics *metrics.Metrics

	// Registry overrides the mode registry built from config. Tests use
	// this to run the gateway against in-process backends.
	Registry *modes.Registry
}

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	mux     *http.ServeMux

	registry  *modes.Registry
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
	resume    sessions.Store
	archive   *archive.Archive

	// sessionCtx outlives individual requests: session runtimes bind to
	// it so a suspended session survives the connection that opened it.
	sessionCtx     context.Context
	cancelSessions context.CancelFunc
}

// New wires the gateway. It starts the suspended-session janitor, which
// runs until Shutdown.
func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics("voice_agent")
	}
	resume := opts.Resume
	if resume == nil {
		resume = sessions.NewMemoryStore(nil)
	}
	registry := opts.Registry
	if registry == nil {
		registry = cfg.BuildRegistry()
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		mux:            http.NewServeMux(),
		registry:       registry,
		limiter:        ratelimit.New(cfg.LimiterConfig()),
		lifecycle:      &lifecycle.Lifecycle{},
		tracker:        sessions.NewTracker(logger),
		resume:         resume,
		archive:        opts.Archive,
		sessionCtx:     sessionCtx,
		cancelSessions: cancel,
	}

	s.routes()
	go s.tracker.Janitor(sessionCtx, janitorInterval, cfg.Session.IdleTimeout)
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Tracker:   s.tracker,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Config:      s.cfg,
		Registry:    s.registry,
		Logger:      s.logger,
		Metrics:     s.metrics,
		Limiter:     s.limiter,
		Lifecycle:   s.lifecycle,
		Tracker:     s.tracker,
		Resume:      s.resume,
		Archive:     s.archive,
		BaseContext: s.sessionCtx,
	})
	s.mux.Handle("/v1/chat", handlers.ChatHandler{
		Config:   s.cfg,
		Registry: s.registry,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// Handler returns the mux wrapped in the middleware chain, outermost
// first: request IDs, access logging, panic recovery, CORS, auth, and
// the admission guard.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Guard(s.cfg, s.limiter, s.metrics, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return h
}

// Sessions reports how many session runtimes are being tracked,
// including suspended ones.
func (s *Server) Sessions() int { return s.tracker.Count() }

// BeginDrain flips readiness to not-ready, stops admitting new voice
// sessions, and warns connected clients. Idempotent.
func (s *Server) BeginDrain() {
	if !s.lifecycle.BeginDrain() {
		return
	}
	n := s.tracker.WarnAll("server_draining",
		"the server is shutting down; your session will end soon")
	s.logger.Info("drain started", "live_sessions", s.tracker.Count(), "warned", n)
}

// WaitSessions blocks until every tracked session has finished or ctx
// expires, reporting whether the tracker emptied.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CloseSessions force-closes every tracked session.
func (s *Server) CloseSessions(reason string) int {
	return s.tracker.CloseAll(reason)
}

// Shutdown finishes what the drain started: closes any session still
// alive, stops the janitor, and flushes the archive. The HTTP listener
// should already be stopped.
func (s *Server) Shutdown(ctx context.Context) error {
	s.tracker.CloseAll("server_shutdown")
	s.tracker.Wait(ctx)
	s.cancelSessions()
	return s.archive.Close(ctx)
}
