// Package mw holds the HTTP middleware chain: request IDs, bearer
// auth, panic recovery, access logging, CORS, and the admission guard
// for plain HTTP calls. Voice session admission lives in the voice
// handler because its permit must outlive the upgrade request.
package mw

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/gateway/apierror"
	"github.com/Rapheal7/My-Agent/pkg/gateway/auth"
	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	"github.com/Rapheal7/My-Agent/pkg/gateway/metrics"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + randHex(10)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// Auth enforces bearer keys on the plain HTTP surface. WebSocket
// upgrades pass through untouched: a voice client may carry its key in
// the hello payload instead of a header, so the voice handler owns that
// check.
func Auth(cfg config.Config, next http.Handler) http.Handler {
	keys := auth.NewKeySet(cfg.APIKeys)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		reqID, _ := RequestIDFrom(r.Context())

		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			next.ServeHTTP(w, r)
			return
		case config.AuthModeOptional, config.AuthModeRequired:
		default:
			apierror.WriteError(w, http.StatusInternalServerError, &core.Error{
				Type:      core.ErrInternal,
				Message:   "invalid auth_mode",
				RequestID: reqID,
			})
			return
		}

		token, ok := auth.ParseBearer(r)
		if !ok {
			if cfg.AuthMode == config.AuthModeRequired {
				apierror.WriteError(w, http.StatusUnauthorized, &core.Error{
					Type:      core.ErrAuthentication,
					Message:   "missing bearer token",
					Param:     "Authorization",
					RequestID: reqID,
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if !keys.Contains(token) {
			apierror.WriteError(w, http.StatusUnauthorized, &core.Error{
				Type:      core.ErrAuthentication,
				Message:   "invalid api key",
				RequestID: reqID,
			})
			return
		}
		p := &auth.Principal{APIKey: token}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// IsWebSocketUpgrade reports whether the request asks for a WebSocket
// handshake.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if logger != nil {
					logger.Error("panic", "panic", v, "path", r.URL.Path)
				}
				reqID, _ := RequestIDFrom(r.Context())
				apierror.WriteError(w, http.StatusInternalServerError, &core.Error{
					Type:      core.ErrInternal,
					Message:   "internal error",
					RequestID: reqID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// AccessLog logs one line per request and, when m is non-nil, feeds the
// request counters. The wrapped writer advertises Flusher/Hijacker only
// when the underlying writer supports them, so SSE streaming and the
// WebSocket upgrade keep working behind it.
func AccessLog(logger *slog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww, sw := wrapWriter(w)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		if m != nil {
			m.RecordRequest(endpointLabel(r.URL.Path), strconv.Itoa(sw.status), elapsed)
		}
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// endpointLabel keeps the metric label space bounded no matter what
// paths clients probe.
func endpointLabel(path string) string {
	switch path {
	case "/v1/voice", "/v1/chat", "/healthz", "/readyz", "/metrics":
		return path
	default:
		return "other"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type flushWriter struct {
	*statusWriter
	f http.Flusher
}

func (w *flushWriter) Flush() { w.f.Flush() }

type hijackWriter struct {
	*statusWriter
	hj http.Hijacker
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hj.Hijack() }

type flushHijackWriter struct {
	*statusWriter
	f  http.Flusher
	hj http.Hijacker
}

func (w *flushHijackWriter) Flush() { w.f.Flush() }

func (w *flushHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hj.Hijack() }

// wrapWriter records the status code while advertising exactly the
// optional interfaces the underlying writer implements.
func wrapWriter(w http.ResponseWriter) (http.ResponseWriter, *statusWriter) {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	f, canFlush := w.(http.Flusher)
	hj, canHijack := w.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return &flushHijackWriter{statusWriter: sw, f: f, hj: hj}, sw
	case canFlush:
		return &flushWriter{statusWriter: sw, f: f}, sw
	case canHijack:
		return &hijackWriter{statusWriter: sw, hj: hj}, sw
	default:
		return sw, sw
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand should not fail in practice; fall back to time-based entropy.
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}
