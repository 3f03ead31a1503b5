// Package ratelimit is the pre-session guard: it decides whether a
// principal may open a session or issue a chat request at all. Frames
// inside an accepted session are never throttled here; that is the
// transport flood limiter's job.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	// Session-open rate per principal (token bucket).
	SessionRate  float64
	SessionBurst int

	// Concurrent voice sessions, per principal and process-wide.
	MaxConcurrentSessions int
	MaxGlobalSessions     int

	// Chat request rate per principal.
	RPS   float64
	Burst int

	MaxConcurrentRequests int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	globalSem chan struct{}

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	mu sync.Mutex

	sessionTB tokenBucket
	requestTB tokenBucket

	sessionSem chan struct{}
	reqSem     chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rate     float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	l := &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
	if cfg.MaxGlobalSessions > 0 {
		l.globalSem = make(chan struct{}, cfg.MaxGlobalSessions)
	}
	return l
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

// PrincipalKeyFromIP hashes the client IP so raw addresses never sit in
// the limiter map or logs.
func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireSession admits one voice session open. The permit must be
// released when the session ends (not when the transport drops: a
// suspended session still holds its slot until reclaimed).
func (l *Limiter) AcquireSession(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}

	pl := l.getOrCreate(principal, now)
	pl.touch(now)

	if l.cfg.SessionRate > 0 && l.cfg.SessionBurst > 0 {
		ok, retryAfter := pl.allowToken(&pl.sessionTB, now, l.cfg.SessionRate, l.cfg.SessionBurst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	release := func() {}
	if l.cfg.MaxConcurrentSessions > 0 {
		select {
		case pl.sessionSem <- struct{}{}:
			release = func() { <-pl.sessionSem }
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	if l.globalSem != nil {
		select {
		case l.globalSem <- struct{}{}:
			per := release
			release = func() {
				<-l.globalSem
				per()
			}
		default:
			release()
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: release}}
}

// AcquireRequest admits one chat request.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}

	pl := l.getOrCreate(principal, now)
	pl.touch(now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := pl.allowToken(&pl.requestTB, now, l.cfg.RPS, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxConcurrentRequests > 0 {
		select {
		case pl.reqSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-pl.reqSem }},
			}
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

// GlobalSessionsInUse reports how many global session slots are held.
func (l *Limiter) GlobalSessionsInUse() int {
	if l.globalSem == nil {
		return 0
	}
	return len(l.globalSem)
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if pl, ok := l.m[principal]; ok {
		return pl
	}
	pl := &principalLimiter{
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentSessions)),
		reqSem:     make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		lastSeen:   now,
	}
	l.m[principal] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) touch(now time.Time) {
	pl.lastSeen = now
}

func (pl *principalLimiter) allowToken(tb *tokenBucket, now time.Time, rate float64, burst int) (bool, int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if burst <= 0 || rate <= 0 {
		return true, 0
	}
	capacity := float64(burst)
	if tb.capacity == 0 {
		*tb = tokenBucket{
			rate:     rate,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	// If config changes at runtime (rare), adapt.
	tb.rate = rate
	tb.capacity = capacity

	elapsed := now.Sub(tb.last).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+(elapsed*tb.rate))
		tb.last = now
	}

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - tb.tokens
	seconds := needed / tb.rate
	retryAfter := int(math.Ceil(seconds))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
