// Package sessions tracks the live session runtimes of one gateway
// process: lookup for resume, drain coordination for shutdown, and the
// janitor that reclaims sessions whose client never came back. It also
// holds the resume token store, which maps single-use tokens onto
// suspended sessions.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Rapheal7/My-Agent/pkg/gateway/live/session"
)

// Tracker indexes the runtimes in flight. Registration pairs with the
// unregister func it returns; Wait blocks until every registered
// runtime has unregistered.
type Tracker struct {
	logger *slog.Logger

	mu   sync.Mutex
	byID map[string]*tracked
	wg   sync.WaitGroup
}

type tracked struct {
	rt   *session.Runtime
	once sync.Once
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger,
		byID:   make(map[string]*tracked),
	}
}

// Register adds a runtime under its session id and returns the
// matching unregister func, safe to call more than once. Callers hook
// it into the runtime's terminal path.
func (t *Tracker) Register(rt *session.Runtime) (unregister func()) {
	if t == nil || rt == nil {
		return func() {}
	}

	id := rt.SessionID()
	entry := &tracked{rt: rt}

	t.mu.Lock()
	old := t.byID[id]
	t.byID[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	// Session ids are unique, so a collision means a stale entry whose
	// unregister never ran. Retire it rather than leaking the waitgroup.
	if old != nil {
		t.unregister(id, old)
	}

	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *tracked) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.byID[id] == entry {
			delete(t.byID, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Get returns the runtime for a session id, or nil. Resume handlers
// look up the suspended runtime here after redeeming a token.
func (t *Tracker) Get(sessionID string) *session.Runtime {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.byID[sessionID]; ok {
		return entry.rt
	}
	return nil
}

// Count reports the number of registered runtimes.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// WarnAll pushes an advisory warning to every connected client and
// reports how many runtimes were visited. Used ahead of a drain.
func (t *Tracker) WarnAll(code, message string) int {
	rts := t.snapshot()
	for _, rt := range rts {
		rt.Warn(code, message)
	}
	return len(rts)
}

// CloseAll ends every tracked session with the given reason and
// reports how many were told to close.
func (t *Tracker) CloseAll(reason string) int {
	rts := t.snapshot()
	for _, rt := range rts {
		rt.Close(reason)
	}
	return len(rts)
}

// ReapIdle closes runtimes that have sat suspended longer than
// idleTimeout, returning how many were reclaimed. Their resume tokens
// die with them: attaching to a terminal runtime fails.
func (t *Tracker) ReapIdle(now time.Time, idleTimeout time.Duration) int {
	if idleTimeout <= 0 {
		return 0
	}

	var idle []*session.Runtime
	for _, rt := range t.snapshot() {
		if rt.SuspendedFor(now) > idleTimeout {
			idle = append(idle, rt)
		}
	}
	for _, rt := range idle {
		t.logger.Info("reclaiming idle session",
			"session_id", rt.SessionID(),
			"suspended_for", rt.SuspendedFor(now).Round(time.Second).String())
		rt.Close("idle_timeout")
	}
	return len(idle)
}

// Janitor periodically reaps idle sessions until ctx is canceled.
func (t *Tracker) Janitor(ctx context.Context, every, idleTimeout time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.ReapIdle(now, idleTimeout)
		}
	}
}

// Wait blocks until every registered runtime has unregistered, or ctx
// expires. Returns true when the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Tracker) snapshot() []*session.Runtime {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*session.Runtime, 0, len(t.byID))
	for _, entry := range t.byID {
		out = append(out, entry.rt)
	}
	return out
}
