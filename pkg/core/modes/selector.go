package modes

import (
	"context"
	"errors"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/core/backends"
)

// DefaultProbeTimeout bounds each individual availability probe during
// selection. The worst-case selection latency is this times the number
// of registered modes.
const DefaultProbeTimeout = 2 * time.Second

// ProbeResult records one skipped candidate and why it was skipped.
type ProbeResult struct {
	Mode Mode
	Err  error
}

// Selection is the outcome of walking the registry. Mode selection
// happens exactly once per session; a backend dying later does not
// trigger re-selection.
type Selection struct {
	Mode        Mode
	Chain       backends.Chain
	Backchannel bool
	TextInput   bool

	// Prober is the winning mode's probe, kept so the session can
	// re-check backend health when a call fails mid-conversation.
	// Nil for the text-only floor.
	Prober backends.Prober

	// Skipped lists higher-priority candidates that failed their
	// probe, in the order they were tried.
	Skipped []ProbeResult
}

// Select probes candidates in registration order and returns the first
// one whose probe passes. Every failure is recorded and the walk
// continues; when no candidate is usable the text-only floor is
// returned, which requires nothing and cannot fail.
func Select(ctx context.Context, reg *Registry, perProbe time.Duration) Selection {
	if perProbe <= 0 {
		perProbe = DefaultProbeTimeout
	}

	var skipped []ProbeResult
	for _, d := range reg.Descriptors() {
		if ctx.Err() != nil {
			skipped = append(skipped, ProbeResult{Mode: d.Mode, Err: ctx.Err()})
			continue
		}
		if d.Prober == nil {
			skipped = append(skipped, ProbeResult{
				Mode: d.Mode,
				Err:  core.NewUnavailableError(string(d.Mode), errors.New("no probe configured")),
			})
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, perProbe)
		err := d.Prober.Probe(probeCtx)
		cancel()
		if err != nil {
			skipped = append(skipped, ProbeResult{Mode: d.Mode, Err: err})
			continue
		}

		return Selection{
			Mode:        d.Mode,
			Chain:       d.Chain,
			Backchannel: d.Backchannel,
			TextInput:   d.TextInput,
			Prober:      d.Prober,
			Skipped:     skipped,
		}
	}

	return Selection{
		Mode:      ModeTextOnly,
		Chain:     backends.Chain{LLM: backends.NewOfflineResponder()},
		TextInput: true,
		Skipped:   skipped,
	}
}
