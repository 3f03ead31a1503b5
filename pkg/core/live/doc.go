// Package live implements the real-time conversation loop of the voice
// agent: capture an utterance, transcribe it, generate a reply, speak
// it, and listen again.
//
// # Architecture
//
// The live package provides several core components:
//
//   - Session: the orchestrator owning state, turns, and history
//   - EnergyVAD: detects utterance boundaries from RMS energy
//   - Backchanneler: plays short acknowledgments during pauses
//   - AudioBuffer / RingBuffer: PCM accumulation and prefix padding
//
// # State Machine
//
// The session progresses through these states:
//
//	IDLE → LISTENING → TRANSCRIBING → GENERATING → SPEAKING
//	           ↑                                       │
//	           └────────────── INTERRUPTED ←───────────┘
//
// Any active state can reach INTERRUPTED: when the user speaks over an
// in-flight turn, that turn is superseded and the session is listening
// again within one frame. CLOSED and FAILED are terminal.
//
// A turn moves through exactly one pipeline stage at a time and ends in
// exactly one of completed, superseded, or failed. Cancellation is
// cooperative: stages check their context at boundaries, so a network
// call already in flight completes and its result is discarded.
//
// # Usage
//
//	sel := modes.Select(ctx, registry, modes.DefaultProbeTimeout)
//	session := live.NewSession(live.DefaultSessionConfig(), sel)
//	session.Start(ctx)
//
//	// Feed sequence-tagged PCM frames
//	session.PushFrame(seq, pcmData)
//
//	// Receive events
//	for event := range session.Events() {
//	    switch e := event.(type) {
//	    case *live.TranscriptEvent:
//	        fmt.Println("User said:", e.Text)
//	    case *live.AudioDeltaEvent:
//	        playAudio(e.Data)
//	    }
//	}
package live
