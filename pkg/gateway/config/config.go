// Package config loads and validates the gateway configuration: an
// optional YAML/JSON file for the base layer, VOICE_AGENT_* environment
// overrides on top, then exhaustive validation. The loaded Config is
// immutable for the life of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string `yaml:"addr" json:"addr"`

	AuthMode AuthMode `yaml:"auth_mode" json:"auth_mode"`
	APIKeys  []string `yaml:"api_keys" json:"api_keys"`

	// If true, client identity may be derived from proxy headers like
	// X-Forwarded-For. Enable only behind a trusted proxy/LB.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`

	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	LogLevel  string `yaml:"log_level" json:"log_level"`   // debug|info|warn|error
	LogFormat string `yaml:"log_format" json:"log_format"` // json|text

	Backends  BackendsConfig  `yaml:"backends" json:"backends"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Guard     GuardConfig     `yaml:"guard" json:"guard"`
	Resume    ResumeConfig    `yaml:"resume" json:"resume"`
	Archive   ArchiveConfig   `yaml:"archive" json:"archive"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// DuplexBackendConfig points at a full-duplex voice service (relay,
// local duplex server, or remote speech API). An empty URL leaves the
// mode unregistered.
type DuplexBackendConfig struct {
	URL    string `yaml:"url" json:"url"`
	APIKey string `yaml:"api_key" json:"api_key"`
}

func (c DuplexBackendConfig) Configured() bool { return strings.TrimSpace(c.URL) != "" }

// HTTPBackendConfig points at an HTTP stage backend (STT server, chat
// completions endpoint, or local model server).
type HTTPBackendConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
}

func (c HTTPBackendConfig) Configured() bool { return strings.TrimSpace(c.BaseURL) != "" }

// TTSBackendConfig points at a synthesis endpoint.
type TTSBackendConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	Voice   string `yaml:"voice" json:"voice"`
}

func (c TTSBackendConfig) Configured() bool { return strings.TrimSpace(c.BaseURL) != "" }

// BackendsConfig holds one endpoint per candidate mode. Unconfigured
// entries are simply not registered; the selector works with whatever
// is present and always has the text-only floor.
type BackendsConfig struct {
	RelayDuplex DuplexBackendConfig `yaml:"relay_duplex" json:"relay_duplex"`
	LocalDuplex DuplexBackendConfig `yaml:"local_duplex" json:"local_duplex"`
	SpeechAPI   DuplexBackendConfig `yaml:"speech_api" json:"speech_api"`
	STT         HTTPBackendConfig   `yaml:"stt" json:"stt"`
	Chat        HTTPBackendConfig   `yaml:"chat" json:"chat"`
	LocalModel  HTTPBackendConfig   `yaml:"local_model" json:"local_model"`
	TTS         TTSBackendConfig    `yaml:"tts" json:"tts"`

	// SystemPrompt is sent ahead of the conversation on every
	// completer-backed mode.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// ProbeTimeout bounds each availability probe during mode selection.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// SessionConfig tunes the per-session orchestrator. Durations here are
// translated to the core engine's millisecond fields when a session is
// assembled.
type SessionConfig struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	EnergyThreshold    float64       `yaml:"energy_threshold" json:"energy_threshold"`
	SpeechOnset        time.Duration `yaml:"speech_onset" json:"speech_onset"`
	SilenceCommit      time.Duration `yaml:"silence_commit" json:"silence_commit"`
	MinUtterance       time.Duration `yaml:"min_utterance" json:"min_utterance"`
	MaxUtterance       time.Duration `yaml:"max_utterance" json:"max_utterance"`
	PrefixPadding      time.Duration `yaml:"prefix_padding" json:"prefix_padding"`
	InterruptThreshold float64       `yaml:"interrupt_threshold" json:"interrupt_threshold"`
	InterruptOnset     time.Duration `yaml:"interrupt_onset" json:"interrupt_onset"`

	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout"`

	// IdleTimeout reclaims sessions with no client activity, attached or
	// suspended. It is also the resume-token TTL.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// MaxSession caps total session wall-clock time. Zero disables.
	MaxSession time.Duration `yaml:"max_session" json:"max_session"`

	RepeatPrompt string `yaml:"repeat_prompt" json:"repeat_prompt"`
	Apology      string `yaml:"apology" json:"apology"`

	Backchannel BackchannelConfig `yaml:"backchannel" json:"backchannel"`

	Debug bool `yaml:"debug" json:"debug"`
}

type BackchannelConfig struct {
	Phrases   []string      `yaml:"phrases" json:"phrases"`
	Pause     time.Duration `yaml:"pause" json:"pause"`
	MinSpeech time.Duration `yaml:"min_speech" json:"min_speech"`
	Cooldown  time.Duration `yaml:"cooldown" json:"cooldown"`
}

// TransportConfig bounds the WebSocket transport itself.
type TransportConfig struct {
	MaxAudioFrameBytes  int   `yaml:"max_audio_frame_bytes" json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int64 `yaml:"max_json_message_bytes" json:"max_json_message_bytes"`

	// Inbound frame-flood limits, well above any real-time capture rate.
	MaxAudioFPS         int   `yaml:"max_audio_fps" json:"max_audio_fps"`
	MaxAudioBPS         int64 `yaml:"max_audio_bps" json:"max_audio_bps"`
	InboundBurstSeconds int   `yaml:"inbound_burst_seconds" json:"inbound_burst_seconds"`

	PingInterval     time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout" json:"pong_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// GuardConfig bounds session opens and chat requests per principal.
type GuardConfig struct {
	SessionRate  float64 `yaml:"session_rate" json:"session_rate"` // opens per second
	SessionBurst int     `yaml:"session_burst" json:"session_burst"`

	MaxConcurrentSessions int `yaml:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	MaxGlobalSessions     int `yaml:"max_global_sessions" json:"max_global_sessions"`

	RPS                   float64 `yaml:"rps" json:"rps"`
	Burst                 int     `yaml:"burst" json:"burst"`
	MaxConcurrentRequests int     `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`

	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	EntryTTL   time.Duration `yaml:"entry_ttl" json:"entry_ttl"`
}

// ResumeConfig selects the resume-token store driver. An empty Redis
// address keeps the in-memory store.
type ResumeConfig struct {
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// ArchiveConfig enables the Postgres transcript archive. An empty DSN
// disables archiving entirely.
type ArchiveConfig struct {
	DSN       string `yaml:"dsn" json:"dsn"`
	QueueSize int    `yaml:"queue_size" json:"queue_size"`
}

type ServerConfig struct {
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// Default returns the configuration used when no file and no overrides
// are present.
func Default() Config {
	return Config{
		Addr:      ":8080",
		AuthMode:  AuthModeRequired,
		LogLevel:  "info",
		LogFormat: "json",
		Backends: BackendsConfig{
			ProbeTimeout: 2 * time.Second,
		},
		Session: SessionConfig{
			SampleRate:         16000,
			EnergyThreshold:    0.02,
			SpeechOnset:        60 * time.Millisecond,
			SilenceCommit:      700 * time.Millisecond,
			MinUtterance:       250 * time.Millisecond,
			MaxUtterance:       30 * time.Second,
			PrefixPadding:      300 * time.Millisecond,
			InterruptThreshold: 0.05,
			InterruptOnset:     100 * time.Millisecond,
			StageTimeout:       20 * time.Second,
			IdleTimeout:        5 * time.Minute,
			MaxSession:         10 * time.Minute,
			RepeatPrompt:       "I didn't catch that. Could you speak again?",
			Apology:            "Sorry, I had trouble thinking. Could you try that again?",
			Backchannel: BackchannelConfig{
				Phrases:   []string{"mhm", "right", "I see", "okay", "yeah"},
				Pause:     400 * time.Millisecond,
				MinSpeech: time.Second,
				Cooldown:  4 * time.Second,
			},
		},
		Transport: TransportConfig{
			MaxAudioFrameBytes:  8192,
			MaxJSONMessageBytes: 64 * 1024,
			MaxAudioFPS:         120,
			MaxAudioBPS:         128 * 1024,
			InboundBurstSeconds: 2,
			PingInterval:        20 * time.Second,
			PongTimeout:         60 * time.Second,
			WriteTimeout:        5 * time.Second,
			HandshakeTimeout:    5 * time.Second,
		},
		Guard: GuardConfig{
			SessionRate:           0.5,
			SessionBurst:          3,
			MaxConcurrentSessions: 2,
			MaxGlobalSessions:     200,
			RPS:                   2.0,
			Burst:                 4,
			MaxConcurrentRequests: 20,
			MaxEntries:            10_000,
			EntryTTL:              30 * time.Minute,
		},
		Archive: ArchiveConfig{
			QueueSize: 256,
		},
		Server: ServerConfig{
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownGrace:     30 * time.Second,
		},
	}
}

// Load builds the configuration: Default(), then the optional file at
// path (or VOICE_AGENT_CONFIG when path is empty), then environment
// overrides, then validation.
func Load(path string) (Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOr("VOICE_AGENT_ADDR", cfg.Addr)
	cfg.AuthMode = AuthMode(envOr("VOICE_AGENT_AUTH_MODE", string(cfg.AuthMode)))
	if keys := splitCSV(os.Getenv("VOICE_AGENT_API_KEYS")); len(keys) > 0 {
		cfg.APIKeys = keys
	}
	cfg.TrustProxyHeaders = envBoolOr("VOICE_AGENT_TRUST_PROXY_HEADERS", cfg.TrustProxyHeaders)
	if origins := splitCSV(os.Getenv("VOICE_AGENT_CORS_ORIGINS")); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}
	cfg.LogLevel = envOr("VOICE_AGENT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("VOICE_AGENT_LOG_FORMAT", cfg.LogFormat)

	cfg.Backends.RelayDuplex.URL = envOr("VOICE_AGENT_RELAY_URL", cfg.Backends.RelayDuplex.URL)
	cfg.Backends.RelayDuplex.APIKey = envOr("VOICE_AGENT_RELAY_API_KEY", cfg.Backends.RelayDuplex.APIKey)
	cfg.Backends.LocalDuplex.URL = envOr("VOICE_AGENT_LOCAL_DUPLEX_URL", cfg.Backends.LocalDuplex.URL)
	cfg.Backends.SpeechAPI.URL = envOr("VOICE_AGENT_SPEECH_API_URL", cfg.Backends.SpeechAPI.URL)
	cfg.Backends.SpeechAPI.APIKey = envOr("VOICE_AGENT_SPEECH_API_KEY", cfg.Backends.SpeechAPI.APIKey)
	cfg.Backends.STT.BaseURL = envOr("VOICE_AGENT_STT_URL", cfg.Backends.STT.BaseURL)
	cfg.Backends.STT.Model = envOr("VOICE_AGENT_STT_MODEL", cfg.Backends.STT.Model)
	cfg.Backends.Chat.BaseURL = envOr("VOICE_AGENT_CHAT_URL", cfg.Backends.Chat.BaseURL)
	cfg.Backends.Chat.APIKey = envOr("VOICE_AGENT_CHAT_API_KEY", cfg.Backends.Chat.APIKey)
	cfg.Backends.Chat.Model = envOr("VOICE_AGENT_CHAT_MODEL", cfg.Backends.Chat.Model)
	cfg.Backends.LocalModel.BaseURL = envOr("VOICE_AGENT_LOCAL_MODEL_URL", cfg.Backends.LocalModel.BaseURL)
	cfg.Backends.LocalModel.Model = envOr("VOICE_AGENT_LOCAL_MODEL", cfg.Backends.LocalModel.Model)
	cfg.Backends.TTS.BaseURL = envOr("VOICE_AGENT_TTS_URL", cfg.Backends.TTS.BaseURL)
	cfg.Backends.TTS.APIKey = envOr("VOICE_AGENT_TTS_API_KEY", cfg.Backends.TTS.APIKey)
	cfg.Backends.TTS.Voice = envOr("VOICE_AGENT_TTS_VOICE", cfg.Backends.TTS.Voice)
	cfg.Backends.SystemPrompt = envOr("VOICE_AGENT_SYSTEM_PROMPT", cfg.Backends.SystemPrompt)
	cfg.Backends.ProbeTimeout = envDurationOr("VOICE_AGENT_PROBE_TIMEOUT", cfg.Backends.ProbeTimeout)

	cfg.Session.SampleRate = envIntOr("VOICE_AGENT_SAMPLE_RATE", cfg.Session.SampleRate)
	cfg.Session.SilenceCommit = envDurationOr("VOICE_AGENT_SILENCE_COMMIT", cfg.Session.SilenceCommit)
	cfg.Session.MinUtterance = envDurationOr("VOICE_AGENT_MIN_UTTERANCE", cfg.Session.MinUtterance)
	cfg.Session.StageTimeout = envDurationOr("VOICE_AGENT_STAGE_TIMEOUT", cfg.Session.StageTimeout)
	cfg.Session.IdleTimeout = envDurationOr("VOICE_AGENT_IDLE_TIMEOUT", cfg.Session.IdleTimeout)
	cfg.Session.MaxSession = envDurationOr("VOICE_AGENT_MAX_SESSION", cfg.Session.MaxSession)
	cfg.Session.Debug = envBoolOr("VOICE_AGENT_DEBUG", cfg.Session.Debug)

	cfg.Guard.SessionRate = envFloat64Or("VOICE_AGENT_SESSION_RATE", cfg.Guard.SessionRate)
	cfg.Guard.SessionBurst = envIntOr("VOICE_AGENT_SESSION_BURST", cfg.Guard.SessionBurst)
	cfg.Guard.MaxConcurrentSessions = envIntOr("VOICE_AGENT_MAX_SESSIONS_PER_PRINCIPAL", cfg.Guard.MaxConcurrentSessions)
	cfg.Guard.MaxGlobalSessions = envIntOr("VOICE_AGENT_MAX_GLOBAL_SESSIONS", cfg.Guard.MaxGlobalSessions)

	cfg.Resume.RedisAddr = envOr("VOICE_AGENT_REDIS_ADDR", cfg.Resume.RedisAddr)
	cfg.Resume.RedisPassword = envOr("VOICE_AGENT_REDIS_PASSWORD", cfg.Resume.RedisPassword)
	cfg.Resume.RedisDB = envIntOr("VOICE_AGENT_REDIS_DB", cfg.Resume.RedisDB)

	cfg.Archive.DSN = envOr("VOICE_AGENT_ARCHIVE_DSN", cfg.Archive.DSN)
	cfg.Archive.QueueSize = envIntOr("VOICE_AGENT_ARCHIVE_QUEUE_SIZE", cfg.Archive.QueueSize)

	cfg.Server.ShutdownGrace = envDurationOr("VOICE_AGENT_SHUTDOWN_GRACE", cfg.Server.ShutdownGrace)
}

// Validate checks every bound and enum. It returns the first violation.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("addr must not be empty")
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return fmt.Errorf("auth_mode must be one of required|optional|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("api_keys must be set when auth_mode=required")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be one of json|text")
	}

	if cfg.Backends.ProbeTimeout <= 0 {
		return fmt.Errorf("backends.probe_timeout must be > 0")
	}

	s := cfg.Session
	if s.SampleRate <= 0 {
		return fmt.Errorf("session.sample_rate must be > 0")
	}
	if s.EnergyThreshold <= 0 || s.EnergyThreshold >= 1 {
		return fmt.Errorf("session.energy_threshold must be in (0, 1)")
	}
	if s.InterruptThreshold <= 0 || s.InterruptThreshold >= 1 {
		return fmt.Errorf("session.interrupt_threshold must be in (0, 1)")
	}
	if s.InterruptThreshold < s.EnergyThreshold {
		return fmt.Errorf("session.interrupt_threshold must be >= session.energy_threshold")
	}
	if s.SpeechOnset <= 0 {
		return fmt.Errorf("session.speech_onset must be > 0")
	}
	if s.SilenceCommit <= 0 {
		return fmt.Errorf("session.silence_commit must be > 0")
	}
	if s.MinUtterance <= 0 {
		return fmt.Errorf("session.min_utterance must be > 0")
	}
	if s.MaxUtterance <= s.MinUtterance {
		return fmt.Errorf("session.max_utterance must be > session.min_utterance")
	}
	if s.PrefixPadding < 0 {
		return fmt.Errorf("session.prefix_padding must be >= 0")
	}
	if s.InterruptOnset <= 0 {
		return fmt.Errorf("session.interrupt_onset must be > 0")
	}
	if s.StageTimeout <= 0 {
		return fmt.Errorf("session.stage_timeout must be > 0")
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be > 0")
	}
	if s.MaxSession < 0 {
		return fmt.Errorf("session.max_session must be >= 0")
	}
	if strings.TrimSpace(s.RepeatPrompt) == "" {
		return fmt.Errorf("session.repeat_prompt must not be empty")
	}
	if strings.TrimSpace(s.Apology) == "" {
		return fmt.Errorf("session.apology must not be empty")
	}
	if s.Backchannel.Pause <= 0 {
		return fmt.Errorf("session.backchannel.pause must be > 0")
	}
	if s.Backchannel.MinSpeech <= 0 {
		return fmt.Errorf("session.backchannel.min_speech must be > 0")
	}
	if s.Backchannel.Cooldown < 0 {
		return fmt.Errorf("session.backchannel.cooldown must be >= 0")
	}

	t := cfg.Transport
	if t.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("transport.max_audio_frame_bytes must be > 0")
	}
	if t.MaxJSONMessageBytes <= 0 {
		return fmt.Errorf("transport.max_json_message_bytes must be > 0")
	}
	if t.MaxAudioFPS < 0 {
		return fmt.Errorf("transport.max_audio_fps must be >= 0")
	}
	if t.MaxAudioBPS < 0 {
		return fmt.Errorf("transport.max_audio_bps must be >= 0")
	}
	if t.InboundBurstSeconds < 0 {
		return fmt.Errorf("transport.inbound_burst_seconds must be >= 0")
	}
	if (t.MaxAudioFPS > 0 || t.MaxAudioBPS > 0) && t.InboundBurstSeconds < 1 {
		return fmt.Errorf("transport.inbound_burst_seconds must be >= 1 when inbound audio limits are enabled")
	}
	if t.PingInterval <= 0 {
		return fmt.Errorf("transport.ping_interval must be > 0")
	}
	if t.PongTimeout <= t.PingInterval {
		return fmt.Errorf("transport.pong_timeout must be > transport.ping_interval")
	}
	if t.WriteTimeout <= 0 {
		return fmt.Errorf("transport.write_timeout must be > 0")
	}
	if t.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport.handshake_timeout must be > 0")
	}

	g := cfg.Guard
	if g.SessionRate < 0 {
		return fmt.Errorf("guard.session_rate must be >= 0")
	}
	if g.SessionBurst < 0 {
		return fmt.Errorf("guard.session_burst must be >= 0")
	}
	if g.MaxConcurrentSessions < 0 {
		return fmt.Errorf("guard.max_concurrent_sessions must be >= 0")
	}
	if g.MaxGlobalSessions < 0 {
		return fmt.Errorf("guard.max_global_sessions must be >= 0")
	}
	if g.RPS < 0 {
		return fmt.Errorf("guard.rps must be >= 0")
	}
	if g.Burst < 0 {
		return fmt.Errorf("guard.burst must be >= 0")
	}
	if g.MaxConcurrentRequests < 0 {
		return fmt.Errorf("guard.max_concurrent_requests must be >= 0")
	}
	if g.MaxEntries <= 0 {
		return fmt.Errorf("guard.max_entries must be > 0")
	}
	if g.EntryTTL <= 0 {
		return fmt.Errorf("guard.entry_ttl must be > 0")
	}

	if cfg.Archive.QueueSize <= 0 {
		return fmt.Errorf("archive.queue_size must be > 0")
	}

	if cfg.Server.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("server.read_header_timeout must be > 0")
	}
	if cfg.Server.ShutdownGrace <= 0 {
		return fmt.Errorf("server.shutdown_grace must be > 0")
	}

	return nil
}

// APIKeySet returns the allowlist as a set.
func (cfg Config) APIKeySet() map[string]struct{} {
	set := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return set
}

// CORSOriginSet returns the allowed origins as a set; empty means CORS
// is disabled.
func (cfg Config) CORSOriginSet() map[string]struct{} {
	set := make(map[string]struct{}, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		set[o] = struct{}{}
	}
	return set
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
