package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/Rapheal7/My-Agent/pkg/gateway/config"
	"github.com/Rapheal7/My-Agent/pkg/gateway/lifecycle"
	"github.com/Rapheal7/My-Agent/pkg/gateway/live/sessions"
)

// HealthHandler answers liveness probes. It says nothing about whether
// the gateway can actually serve sessions; that is readyz's job.
type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler answers readiness probes: config sanity plus drain state.
// A draining gateway reports 503 so load balancers stop routing new
// sessions to it while existing ones finish.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Tracker   *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		Draining       bool     `json:"draining"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}

	if h.Config.Transport.MaxAudioFrameBytes <= 0 {
		issues = append(issues, "max_audio_frame_bytes must be > 0")
	}
	if h.Config.Transport.MaxJSONMessageBytes <= 0 {
		issues = append(issues, "max_json_message_bytes must be > 0")
	}
	if h.Config.Session.SilenceCommit <= 0 {
		issues = append(issues, "silence_commit must be > 0")
	}
	if h.Config.Session.MinUtterance <= 0 {
		issues = append(issues, "min_utterance must be > 0")
	}
	if h.Config.Session.IdleTimeout <= 0 {
		issues = append(issues, "idle_timeout must be > 0")
	}
	if h.Config.Session.MaxSession <= 0 {
		issues = append(issues, "max_session must be > 0")
	}

	draining := h.Lifecycle.IsDraining()

	active := 0
	if h.Tracker != nil {
		active = h.Tracker.Count()
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
		issues = append(issues, "gateway is draining")
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		Draining:       draining,
		ActiveSessions: active,
		Issues:         issues,
	})
}
