package live

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/Rapheal7/My-Agent/pkg/core"
	"github.com/Rapheal7/My-Agent/pkg/core/backends"
	"github.com/Rapheal7/My-Agent/pkg/core/modes"
)

// ErrSessionClosed is returned by inputs that arrive after the session
// reached a terminal state.
var ErrSessionClosed = errors.New("session closed")

// Pipeline stage names used in debug output and failure routing.
const (
	stageSTT = "stt"
	stageLLM = "llm"
	stageTTS = "tts"
)

// reprobeTimeout bounds the health re-check that runs when a backend
// call fails with a connectivity error mid-session.
const reprobeTimeout = 2 * time.Second

// frame is one sequence-tagged PCM chunk from the client.
type frame struct {
	seq uint64
	pcm []byte
}

// Session orchestrates one live voice conversation. It owns the
// utterance detector, the turn pipeline against the selected backend
// chain, barge-in handling, and the conversation history.
//
// At most one turn is non-terminal at any moment. A new utterance (or
// typed input) supersedes the in-flight turn before starting its own.
type Session struct {
	config      SessionConfig
	audioConfig AudioConfig

	// Selected conversation mode
	mode   modes.Mode
	chain  backends.Chain
	prober backends.Prober

	// Components
	vad         *EnergyVAD
	backchannel *Backchanneler

	// State
	mu        sync.RWMutex
	state     SessionState
	sessionID string
	history   []backends.Exchange
	turns     []*Turn
	current   *Turn
	turnSeq   int

	// Frame intake. lastSeq enforces monotonically increasing frame
	// sequence numbers; anything at or below it is dropped.
	lastSeq atomic.Uint64
	frames  chan frame

	// Utterance span bookkeeping. Only the audio loop goroutine writes
	// these; captureSeq is the frame that confirmed speech onset,
	// frameSeq the frame being processed right now.
	captureSeq uint64
	frameSeq   uint64

	// Event delivery
	events   chan Event
	evMu     sync.RWMutex
	evClosed bool

	done   chan struct{}
	closed atomic.Bool
	failed atomic.Bool

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	maxTimer *time.Timer

	// Debug logging
	debugEnabled bool
}

// NewSession creates a live session for the given mode selection.
func NewSession(config SessionConfig, sel modes.Selection) *Session {
	audioConfig := config.Audio
	if audioConfig.SampleRate == 0 {
		audioConfig.SampleRate = 16000
	}
	if audioConfig.Channels == 0 {
		audioConfig.Channels = 1
	}
	if audioConfig.BitsPerSample == 0 {
		audioConfig.BitsPerSample = 16
	}
	if config.VAD == (VADConfig{}) {
		config.VAD = DefaultVADConfig()
	}
	if config.Interrupt == (InterruptConfig{}) {
		config.Interrupt = DefaultInterruptConfig()
	}
	if config.RepeatPrompt == "" {
		config.RepeatPrompt = DefaultSessionConfig().RepeatPrompt
	}
	if config.Apology == "" {
		config.Apology = DefaultSessionConfig().Apology
	}
	// Backchanneling needs a duplex-capable mode regardless of config.
	if !sel.Backchannel {
		config.Backchannel.Enabled = false
	}

	s := &Session{
		config:       config,
		audioConfig:  audioConfig,
		mode:         sel.Mode,
		chain:        sel.Chain,
		prober:       sel.Prober,
		state:        StateIdle,
		sessionID:    newLiveSessionID(),
		history:      make([]backends.Exchange, 0),
		frames:       make(chan frame, 100),
		events:       make(chan Event, 100),
		done:         make(chan struct{}),
		debugEnabled: config.Debug,
	}

	s.vad = NewEnergyVAD(config.VAD, audioConfig)
	s.vad.SetCallbacks(s.handleUtterance, nil, s.debug)
	s.backchannel = NewBackchanneler(config.Backchannel)

	return s
}

// EnableDebug enables debug event emission.
func (s *Session) EnableDebug() {
	s.debugEnabled = true
}

// SessionID returns the session identifier.
func (s *Session) SessionID() string {
	return s.sessionID
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Mode returns the conversation mode this session runs in.
func (s *Session) Mode() modes.Mode {
	return s.mode
}

// Events returns the channel for receiving session events.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastSeq returns the highest frame sequence number accepted so far.
// Transports use it to tell a resuming client where to continue.
func (s *Session) LastSeq() uint64 {
	return s.lastSeq.Load()
}

// History returns a copy of the completed exchanges so far.
func (s *Session) History() []backends.Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backends.Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// Turns returns a snapshot of every turn this session has run.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, 0, len(s.turns))
	for _, t := range s.turns {
		out = append(out, *t)
	}
	return out
}

// Start begins the live session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.audioLoop()

	if s.config.Backchannel.Enabled && s.chain.TTS != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.backchannel.Prefill(s.ctx, s.chain.TTS, s.debug)
		}()
	}

	if s.config.MaxSessionMs > 0 {
		s.maxTimer = time.AfterFunc(time.Duration(s.config.MaxSessionMs)*time.Millisecond, func() {
			s.debug("SESSION", "Max session duration reached")
			s.CloseWithReason("max_duration")
		})
	}

	s.setState(StateListening)
	s.emit(&SessionStartedEvent{
		SessionID:  s.sessionID,
		Mode:       string(s.mode),
		SampleRate: s.audioConfig.SampleRate,
		Channels:   s.audioConfig.Channels,
	})

	return nil
}

// PushFrame submits one sequence-tagged audio frame. Sequence numbers
// start at 1 and must increase; stale or duplicate frames are dropped
// without error, as is a frame arriving while the intake buffer is
// full. Live audio is lossy.
func (s *Session) PushFrame(seq uint64, pcm []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	for {
		last := s.lastSeq.Load()
		if seq <= last {
			s.debug("AUDIO", fmt.Sprintf("Dropping stale frame seq=%d (last=%d)", seq, last))
			return nil
		}
		if s.lastSeq.CompareAndSwap(last, seq) {
			break
		}
	}

	select {
	case s.frames <- frame{seq: seq, pcm: pcm}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		// Buffer full, drop audio
		s.debug("AUDIO", "Buffer full, dropping audio chunk")
		return nil
	}
}

// PushText submits typed text as a complete user turn, bypassing VAD.
// Any in-flight turn is superseded first, and any utterance capture in
// progress is discarded: explicit input replaces whatever was being
// said.
func (s *Session) PushText(text string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("text cannot be empty")
	}

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateIdle {
		return fmt.Errorf("session not started")
	}
	if state.Terminal() {
		return ErrSessionClosed
	}

	s.debug("INPUT", fmt.Sprintf("Discrete text input (state: %s)", state))
	s.vad.Reset()

	s.mu.Lock()
	superseded := s.supersedeLocked()
	t, turnCtx := s.startTurnLocked()
	s.mu.Unlock()

	if superseded != nil {
		s.emit(superseded)
		if state == StateSpeaking {
			s.emit(&AudioFlushEvent{})
		}
	}
	s.emit(&TurnStartedEvent{TurnID: t.ID, Seq: t.Seq})

	go s.runTurn(turnCtx, t, nil, text)
	return nil
}

// Interrupt supersedes the in-flight turn on explicit client request.
// The observable sequence matches voice barge-in: INTERRUPTED, the
// superseded turn event, an audio flush when the agent was speaking,
// then LISTENING again. A no-op when nothing is in flight.
func (s *Session) Interrupt() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	switch state {
	case StateTranscribing, StateGenerating, StateSpeaking:
		s.bargeIn(state)
	}
	return nil
}

// CancelTurn drops the in-flight turn without the interrupt
// transition. Playback is flushed if the agent was mid-reply and the
// session listens again.
func (s *Session) CancelTurn() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	state := s.state
	superseded := s.supersedeLocked()
	s.mu.Unlock()
	if superseded != nil {
		s.emit(superseded)
	}
	if state == StateSpeaking {
		s.emit(&AudioFlushEvent{})
	}
	switch state {
	case StateTranscribing, StateGenerating, StateSpeaking:
		s.setState(StateListening)
	}
	return nil
}

// Fail transitions the session to StateFailed with the given error.
// Transports use it when reconnection attempts are exhausted.
func (s *Session) Fail(err error) {
	if s.closed.Load() || err == nil {
		return
	}
	s.fail(core.AsError(err))
}

// Close shuts down the session.
func (s *Session) Close() error {
	return s.CloseWithReason("closed")
}

// CloseWithReason shuts down the session, reporting reason in the
// closing event. Safe to call from any goroutine, once.
func (s *Session) CloseWithReason(reason string) error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}

	s.debug("SESSION", "Closing session: "+reason)

	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}

	// Supersede the in-flight turn, if any, so it terminates with an
	// observable event rather than vanishing.
	s.mu.Lock()
	superseded := s.supersedeLocked()
	s.mu.Unlock()
	if superseded != nil {
		s.emit(superseded)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	// A failed session stays failed; Close is then just cleanup.
	s.setState(StateClosed)
	if !s.failed.Load() {
		s.emit(&SessionClosedEvent{Reason: reason})
	}

	close(s.done)

	s.evMu.Lock()
	s.evClosed = true
	close(s.events)
	s.evMu.Unlock()

	return nil
}

// audioLoop drains the frame intake. All VAD decisions and turn
// starts happen on this goroutine, which keeps event ordering stable.
func (s *Session) audioLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.frames:
			s.processFrame(f)
		}
	}
}

// processFrame routes one audio frame based on current state.
func (s *Session) processFrame(f frame) {
	if s.chain.STT == nil {
		// Text-only modes consume no audio.
		return
	}
	s.frameSeq = f.seq

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	switch state {
	case StateListening, StateInterrupted:
		if s.vad.Process(f.pcm) {
			s.captureSeq = f.seq
		}
		if spoken, silence, speaking := s.vad.Progress(); speaking {
			if ev := s.backchannel.Maybe(spoken, silence); ev != nil {
				s.debug("TTS", "Backchannel: "+ev.Text)
				s.emit(ev)
			}
		}

	case StateTranscribing, StateGenerating, StateSpeaking:
		// While a turn is in flight the detector runs with the
		// stricter barge-in threshold. Confirmed onset supersedes the
		// turn; the capture keeps running and seeds the next one.
		if s.vad.ProcessWith(f.pcm, s.config.Interrupt.EnergyThreshold, s.config.Interrupt.OnsetMs) {
			s.captureSeq = f.seq
			s.bargeIn(state)
		}

	default:
		// Idle, Closed, Failed: drop audio.
	}
}

// bargeIn supersedes the in-flight turn after the user started
// speaking over it. The session passes through StateInterrupted and is
// listening again before the next frame is processed.
func (s *Session) bargeIn(from SessionState) {
	s.debug("TURN", fmt.Sprintf("Voice activity during %s, superseding in-flight turn", from))

	s.setState(StateInterrupted)

	s.mu.Lock()
	superseded := s.supersedeLocked()
	s.mu.Unlock()
	if superseded != nil {
		s.emit(superseded)
	}
	if from == StateSpeaking {
		s.emit(&AudioFlushEvent{})
	}

	s.setState(StateListening)
}

// handleUtterance is the VAD commit callback. It runs on the audio
// loop goroutine.
func (s *Session) handleUtterance(pcm []byte, spokenMs int, forced bool) {
	s.emit(&UtteranceCapturedEvent{DurationMs: spokenMs, Forced: forced})

	s.mu.Lock()
	// Normally nothing is in flight here: a turn in flight would have
	// been superseded at speech onset. The supersede below keeps the
	// single-pending-turn invariant under every interleaving.
	superseded := s.supersedeLocked()
	t, turnCtx := s.startTurnLocked()
	t.StartSeq = s.captureSeq
	t.EndSeq = s.frameSeq
	s.mu.Unlock()

	if superseded != nil {
		s.emit(superseded)
	}
	s.emit(&TurnStartedEvent{TurnID: t.ID, Seq: t.Seq})

	go s.runTurn(turnCtx, t, pcm, "")
}

// startTurnLocked creates the next turn and registers it as current.
// Caller holds s.mu and must spawn runTurn with the returned context.
func (s *Session) startTurnLocked() (*Turn, context.Context) {
	s.turnSeq++
	turnCtx, cancel := context.WithCancel(s.ctx)
	t := &Turn{
		ID:        newTurnID(),
		Seq:       s.turnSeq,
		Status:    TurnPending,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	s.current = t
	s.turns = append(s.turns, t)
	s.wg.Add(1)
	return t, turnCtx
}

// supersedeLocked cancels and detaches the current turn. It returns
// the event to emit after the lock is released, or nil if there was
// nothing pending. Caller holds s.mu.
func (s *Session) supersedeLocked() Event {
	t := s.current
	if t == nil {
		return nil
	}
	s.current = nil
	if t.cancel != nil {
		t.cancel()
	}
	if t.Status != TurnPending {
		// Terminal turn still playing its canned line: cancelling the
		// context above stopped the audio, status stays as is.
		return nil
	}
	t.Status = TurnSuperseded
	t.EndedAt = time.Now()
	return &TurnSupersededEvent{TurnID: t.ID}
}

// runTurn executes the pipeline for one turn: transcribe (voice only),
// generate, synthesize. Cancellation is observed at stage boundaries;
// a stage call already in flight completes and its result is
// discarded.
func (s *Session) runTurn(ctx context.Context, t *Turn, pcm []byte, text string) {
	defer s.wg.Done()

	userText := text
	if pcm != nil {
		s.transitionTurn(t, StateTranscribing)
		stageCtx, cancel := s.stageContext(ctx)
		raw, err := s.chain.STT.Transcribe(stageCtx, pcm)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.turnError(ctx, t, stageSTT, err)
			return
		}

		userText = strings.TrimSpace(raw)
		if !hasSpeechContent(userText) {
			// Unintelligible audio is not an error: prompt the user
			// to repeat and keep listening.
			s.emit(&NoSpeechEvent{TurnID: t.ID})
			s.sayCanned(ctx, t, s.config.RepeatPrompt, true)
			s.completeTurn(t)
			s.idleAfterTurn()
			return
		}
	}

	s.mu.Lock()
	t.UserText = userText
	s.mu.Unlock()
	s.emit(&TranscriptEvent{TurnID: t.ID, Text: userText})

	s.transitionTurn(t, StateGenerating)
	history := s.History()
	stageCtx, cancel := s.stageContext(ctx)
	reply, err := s.chain.LLM.Complete(stageCtx, history, userText)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.turnError(ctx, t, stageLLM, err)
		return
	}

	s.mu.Lock()
	t.ReplyText = reply
	s.history = append(s.history, backends.Exchange{User: userText, Assistant: reply})
	s.mu.Unlock()
	s.emit(&ReplyEvent{TurnID: t.ID, Text: reply})

	if s.chain.TTS != nil {
		if err := s.say(ctx, t, reply); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.turnError(ctx, t, stageTTS, err)
			return
		}
	}

	s.completeTurn(t)
	s.idleAfterTurn()
}

// say synthesizes text and streams the audio onto the event channel.
// A nil return means the full clip was delivered and committed.
func (s *Session) say(ctx context.Context, t *Turn, text string) error {
	s.transition(StateSpeaking, func() bool { return s.current == t })

	chunks, err := s.chain.TTS.Synthesize(ctx, text)
	if err != nil {
		return err
	}

	sentMs, sentBytes := 0, 0
	for chunk := range chunks {
		if ctx.Err() != nil {
			continue // drain; the synthesizer stops on cancellation
		}
		s.emit(&AudioDeltaEvent{TurnID: t.ID, Data: chunk, Format: "pcm_s16le"})
		sentMs += s.audioConfig.DurationMs(len(chunk))
		sentBytes += len(chunk)
	}

	s.mu.Lock()
	t.AudioBytes += sentBytes
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.emit(&AudioCommittedEvent{TurnID: t.ID, DurationMs: sentMs})
	return nil
}

// sayCanned emits a canned line (repeat prompt, apology) and speaks it
// when synth is set and a synthesizer is available.
func (s *Session) sayCanned(ctx context.Context, t *Turn, text string, synth bool) {
	s.mu.Lock()
	if t.ReplyText == "" {
		t.ReplyText = text
	}
	s.mu.Unlock()
	s.emit(&ReplyEvent{TurnID: t.ID, Text: text, Canned: true})

	if !synth || s.chain.TTS == nil {
		return
	}
	if err := s.say(ctx, t, text); err != nil && ctx.Err() == nil {
		s.debug("TTS", "Canned line failed: "+err.Error())
	}
}

// turnError resolves a failed pipeline stage. The turn gets exactly
// one terminal event. Recoverable failures leave the session
// listening with a spoken (or text) apology; authentication and
// protocol errors, and connectivity failures confirmed by the mode's
// health probe, fail the whole session.
func (s *Session) turnError(ctx context.Context, t *Turn, stage string, err error) {
	ce := core.AsError(err)

	s.mu.Lock()
	if t.Status != TurnPending {
		s.mu.Unlock()
		return
	}
	t.Status = TurnFailed
	t.ErrCode = string(ce.Type)
	t.EndedAt = time.Now()
	s.mu.Unlock()

	s.debug(strings.ToUpper(stage), "Stage failed: "+ce.Error())
	s.emit(&TurnFailedEvent{TurnID: t.ID, Code: string(ce.Type), Message: ce.Message})

	if ce.FailsSession() {
		s.dropCurrent(t)
		s.fail(ce)
		return
	}

	if backends.IsConnectivity(ce) && s.prober != nil {
		probeCtx, cancel := context.WithTimeout(s.ctx, reprobeTimeout)
		perr := s.prober.Probe(probeCtx)
		cancel()
		if perr != nil {
			s.debug("SESSION", "Health probe failed after "+stage+" error, failing session")
			s.dropCurrent(t)
			s.fail(core.AsError(perr))
			return
		}
		s.debug("SESSION", "Health probe passed after "+stage+" error, staying up")
	}

	// The turn is dead but the session keeps going. Apologize out loud
	// unless synthesis itself was the failing stage.
	s.sayCanned(ctx, t, s.config.Apology, stage != stageTTS)
	s.dropCurrent(t)
	s.idleAfterTurn()
}

// completeTurn marks t completed if it is still pending.
func (s *Session) completeTurn(t *Turn) {
	s.mu.Lock()
	if t.Status != TurnPending {
		s.mu.Unlock()
		return
	}
	t.Status = TurnCompleted
	t.EndedAt = time.Now()
	if s.current == t {
		s.current = nil
	}
	s.mu.Unlock()

	t.cancel()
	s.emit(&TurnCompletedEvent{TurnID: t.ID})
}

// dropCurrent detaches t from the current slot without touching its
// status. Used after a turn reached a terminal status but stayed
// attached while its canned line played.
func (s *Session) dropCurrent(t *Turn) {
	s.mu.Lock()
	if s.current == t {
		s.current = nil
	}
	s.mu.Unlock()
}

// idleAfterTurn returns the session to listening once no turn is in
// flight.
func (s *Session) idleAfterTurn() {
	s.transition(StateListening, func() bool { return s.current == nil })
}

// fail moves the session to StateFailed, exactly once.
func (s *Session) fail(ce *core.Error) {
	if !s.failed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	superseded := s.supersedeLocked()
	s.mu.Unlock()
	if superseded != nil {
		s.emit(superseded)
	}

	s.setState(StateFailed)
	s.emit(&SessionFailedEvent{Code: string(ce.Type), Message: ce.Message})

	if s.cancel != nil {
		s.cancel()
	}
}

// hasSpeechContent reports whether a transcript still has words once
// whitespace and punctuation are stripped. STT backends emit a lone
// "." or "..." for breath noise and clicks.
func hasSpeechContent(text string) bool {
	return strings.IndexFunc(text, func(r rune) bool {
		return !unicode.IsSpace(r) && !unicode.IsPunct(r)
	}) >= 0
}

// stageContext derives the deadline-bounded context for one backend
// call.
func (s *Session) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.StageTimeoutMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(s.config.StageTimeoutMs)*time.Millisecond)
}

// transitionTurn moves the state machine on behalf of t. A superseded
// turn cannot move the state: its transition condition no longer
// holds.
func (s *Session) transitionTurn(t *Turn, to SessionState) {
	s.transition(to, func() bool { return s.current == t && t.Status == TurnPending })
}

// transition swaps the state when the condition holds, emitting the
// change. The condition is evaluated under the state lock and may read
// guarded fields. Terminal states are never left.
func (s *Session) transition(to SessionState, when func() bool) bool {
	s.mu.Lock()
	old := s.state
	if old == to || old.Terminal() || (when != nil && !when()) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.debug("SESSION", fmt.Sprintf("State: %s -> %s", old, to))
	s.emit(&StateChangedEvent{From: old, To: to})
	return true
}

// setState updates the session state unconditionally (terminal states
// excepted) and emits an event.
func (s *Session) setState(newState SessionState) {
	s.transition(newState, nil)
}

// emit sends an event to the events channel. Events are dropped when
// the consumer falls behind or the session has closed; delivery is
// best-effort.
func (s *Session) emit(event Event) {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- event:
	default:
		// Channel full, drop event
	}
}

// debug logs a debug message if debug mode is enabled.
// Logs are printed to stderr with timestamps for visibility.
func (s *Session) debug(category, message string) {
	if s.debugEnabled {
		timestamp := time.Now().Format("15:04:05.000")
		fmt.Fprintf(os.Stderr, "\033[90m%s\033[0m [\033[36m%-10s\033[0m] %s\n", timestamp, category, message)

		// Also emit event for programmatic access
		s.emit(&DebugEvent{Category: category, Message: message})
	}
}
