package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core/backends"
)

// Backchanneler decides when to play a short acknowledgment ("mhm",
// "right") during a natural pause in the user's speech, and manages
// the pre-synthesized clips for each phrase. Only duplex-capable modes
// use it; request/response modes cannot speak while listening.
type Backchanneler struct {
	config BackchannelConfig

	mu     sync.Mutex
	clips  map[string][]byte
	next   int // round-robin phrase index
	lastAt time.Time
}

// NewBackchanneler creates a backchanneler. Clips start empty; call
// Prefill to synthesize them.
func NewBackchanneler(config BackchannelConfig) *Backchanneler {
	return &Backchanneler{
		config: config,
		clips:  make(map[string][]byte),
		// Backdate the cooldown so the first acknowledgment is not
		// delayed once MinSpeechMs is met.
		lastAt: time.Now().Add(-time.Duration(config.CooldownMs) * time.Millisecond),
	}
}

// Prefill synthesizes a clip for each phrase and caches it. Failures
// are logged and skipped: an acknowledgment without audio still
// carries its text.
func (b *Backchanneler) Prefill(ctx context.Context, tts backends.Synthesizer, onDebug func(category, message string)) {
	if !b.config.Enabled || tts == nil {
		return
	}
	for _, phrase := range b.config.Phrases {
		if ctx.Err() != nil {
			return
		}
		clip, err := synthesizeClip(ctx, tts, phrase)
		if err != nil {
			if onDebug != nil {
				onDebug("TTS", fmt.Sprintf("Backchannel clip %q failed: %v", phrase, err))
			}
			continue
		}
		b.mu.Lock()
		b.clips[phrase] = clip
		b.mu.Unlock()
		if onDebug != nil {
			onDebug("TTS", fmt.Sprintf("Backchannel clip %q cached (%d bytes)", phrase, len(clip)))
		}
	}
}

func synthesizeClip(ctx context.Context, tts backends.Synthesizer, phrase string) ([]byte, error) {
	chunks, err := tts.Synthesize(ctx, phrase)
	if err != nil {
		return nil, err
	}
	var clip []byte
	for chunk := range chunks {
		clip = append(clip, chunk...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return clip, nil
}

// Maybe returns an acknowledgment to play for the given capture
// progress, or nil. spokenMs and silenceMs describe the utterance in
// progress: the user must have spoken for MinSpeechMs and then paused
// for PauseMs, and the cooldown since the last acknowledgment must
// have elapsed.
func (b *Backchanneler) Maybe(spokenMs, silenceMs int) *BackchannelEvent {
	if !b.config.Enabled || len(b.config.Phrases) == 0 {
		return nil
	}
	if spokenMs < b.config.MinSpeechMs || silenceMs < b.config.PauseMs {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.lastAt) < time.Duration(b.config.CooldownMs)*time.Millisecond {
		return nil
	}

	phrase := b.config.Phrases[b.next%len(b.config.Phrases)]
	b.next++
	b.lastAt = now

	return &BackchannelEvent{Text: phrase, Audio: b.clips[phrase]}
}
