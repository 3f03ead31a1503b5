// Package lifecycle is the shared process state the handlers consult
// during graceful shutdown: once draining, readiness degrades and new
// voice sessions are refused while existing ones finish.
package lifecycle

import (
	"sync"
	"time"
)

type Lifecycle struct {
	mu       sync.Mutex
	draining bool
	since    time.Time
}

// BeginDrain marks the process as draining. Returns false when it
// already was, so repeated shutdown signals don't restart the sequence.
func (l *Lifecycle) BeginDrain() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draining {
		return false
	}
	l.draining = true
	l.since = time.Now()
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// DrainingSince reports when draining began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since, l.draining
}
