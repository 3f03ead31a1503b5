package config

import (
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core/backends"
	"github.com/Rapheal7/My-Agent/pkg/core/live"
	"github.com/Rapheal7/My-Agent/pkg/core/modes"
	"github.com/Rapheal7/My-Agent/pkg/gateway/ratelimit"
)

// BuildRegistry assembles the mode candidate chain from the configured
// backends, in fixed priority order. Modes whose backends are not
// configured are left out; the selector's text-only floor needs no
// registration.
func (cfg Config) BuildRegistry() *modes.Registry {
	reg := modes.NewRegistry()
	b := cfg.Backends

	if b.RelayDuplex.Configured() {
		relay := backends.NewDuplexClient("relay", b.RelayDuplex.URL, b.RelayDuplex.APIKey)
		reg.Register(modes.Descriptor{
			Mode:        modes.ModeRelayDuplex,
			Chain:       backends.Chain{STT: relay, LLM: relay, TTS: relay},
			Prober:      relay,
			Backchannel: true,
		})
	}

	if b.LocalDuplex.Configured() {
		duplex := backends.NewDuplexClient("local-duplex", b.LocalDuplex.URL, b.LocalDuplex.APIKey)
		reg.Register(modes.Descriptor{
			Mode:   modes.ModeLocalDuplex,
			Chain:  backends.Chain{STT: duplex, LLM: duplex, TTS: duplex},
			Prober: duplex,
		})
	}

	if b.SpeechAPI.Configured() {
		speech := backends.NewDuplexClient("speech-api", b.SpeechAPI.URL, b.SpeechAPI.APIKey)
		reg.Register(modes.Descriptor{
			Mode:   modes.ModeSpeechAPI,
			Chain:  backends.Chain{STT: speech, LLM: speech, TTS: speech},
			Prober: speech,
		})
	}

	if b.STT.Configured() && b.Chat.Configured() {
		stt := backends.NewHTTPTranscriber("local-stt", b.STT.BaseURL, b.STT.APIKey, b.STT.Model, cfg.Session.SampleRate)
		llm := backends.NewChatCompleter("chat", b.Chat.BaseURL, b.Chat.APIKey, b.Chat.Model,
			backends.WithSystemPrompt(b.SystemPrompt))
		chain := backends.Chain{STT: stt, LLM: llm}
		probers := []backends.Prober{stt, llm}
		// Replies are synthesized when a voice is configured; otherwise
		// the mode answers with text. Synthesis is not probed because
		// its loss alone does not make the mode unusable.
		if b.TTS.Configured() {
			chain.TTS = backends.NewHTTPSynthesizer("tts", b.TTS.BaseURL, b.TTS.APIKey, b.TTS.Voice, cfg.Session.SampleRate)
		}
		reg.Register(modes.Descriptor{
			Mode:   modes.ModeLocalSTT,
			Chain:  chain,
			Prober: backends.ProbeAll(probers...),
		})
	}

	if b.LocalModel.Configured() {
		local := backends.NewChatCompleter("local-model", b.LocalModel.BaseURL, b.LocalModel.APIKey, b.LocalModel.Model,
			backends.WithSystemPrompt(b.SystemPrompt))
		reg.Register(modes.Descriptor{
			Mode:      modes.ModeLocalModel,
			Chain:     backends.Chain{LLM: local},
			Prober:    local,
			TextInput: true,
		})
	}

	if b.Chat.Configured() {
		chat := backends.NewChatCompleter("chat", b.Chat.BaseURL, b.Chat.APIKey, b.Chat.Model,
			backends.WithSystemPrompt(b.SystemPrompt))
		reg.Register(modes.Descriptor{
			Mode:      modes.ModeChat,
			Chain:     backends.Chain{LLM: chat},
			Prober:    chat,
			TextInput: true,
		})
	}

	return reg
}

// LiveSessionConfig translates the gateway tuning into the core
// engine's millisecond-based config.
func (cfg Config) LiveSessionConfig() live.SessionConfig {
	s := cfg.Session
	out := live.DefaultSessionConfig()
	out.Audio.SampleRate = s.SampleRate
	out.VAD.EnergyThreshold = s.EnergyThreshold
	out.VAD.OnsetMs = ms(s.SpeechOnset)
	out.VAD.SilenceDurationMs = ms(s.SilenceCommit)
	out.VAD.MinUtteranceMs = ms(s.MinUtterance)
	out.VAD.MaxUtteranceMs = ms(s.MaxUtterance)
	out.VAD.PrefixPaddingMs = ms(s.PrefixPadding)
	out.Interrupt.EnergyThreshold = s.InterruptThreshold
	out.Interrupt.OnsetMs = ms(s.InterruptOnset)
	out.Backchannel.Phrases = s.Backchannel.Phrases
	out.Backchannel.PauseMs = ms(s.Backchannel.Pause)
	out.Backchannel.MinSpeechMs = ms(s.Backchannel.MinSpeech)
	out.Backchannel.CooldownMs = ms(s.Backchannel.Cooldown)
	out.StageTimeoutMs = ms(s.StageTimeout)
	out.MaxSessionMs = ms(s.MaxSession)
	out.RepeatPrompt = s.RepeatPrompt
	out.Apology = s.Apology
	out.Debug = s.Debug
	return out
}

// LimiterConfig translates the guard section for ratelimit.New.
func (cfg Config) LimiterConfig() ratelimit.Config {
	g := cfg.Guard
	return ratelimit.Config{
		SessionRate:           g.SessionRate,
		SessionBurst:          g.SessionBurst,
		MaxConcurrentSessions: g.MaxConcurrentSessions,
		MaxGlobalSessions:     g.MaxGlobalSessions,
		RPS:                   g.RPS,
		Burst:                 g.Burst,
		MaxConcurrentRequests: g.MaxConcurrentRequests,
		MaxEntries:            g.MaxEntries,
		EntryTTL:              g.EntryTTL,
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}
