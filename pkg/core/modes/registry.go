package modes

import "github.com/Rapheal7/My-Agent/pkg/core/backends"

// Descriptor binds a mode to the backends that serve it.
type Descriptor struct {
	// Mode identifies the entry; one registration per mode.
	Mode Mode

	// Chain holds the stage backends this mode drives. Text-input
	// modes leave STT nil; text-response modes leave TTS nil.
	Chain backends.Chain

	// Prober answers whether the mode is usable right now. A
	// descriptor without a prober is never selected.
	Prober backends.Prober

	// Backchannel marks modes that may play short acknowledgements
	// while the user is mid-utterance.
	Backchannel bool

	// TextInput marks modes that take typed turns instead of audio.
	TextInput bool
}

// Registry is an ordered list of candidate modes, highest priority
// first. It is assembled once at startup and read-only afterwards.
type Registry struct {
	entries []Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a candidate. Call in priority order; earlier
// registrations are preferred by Select.
func (r *Registry) Register(d Descriptor) {
	r.entries = append(r.entries, d)
}

// Descriptors returns the candidates in priority order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports the number of registered candidates.
func (r *Registry) Len() int { return len(r.entries) }
