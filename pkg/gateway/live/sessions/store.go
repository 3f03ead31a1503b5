package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewToken returns a fresh resume token. Tokens are bearer secrets:
// they appear only in hello acks and are never logged.
func NewToken() string {
	return "rs_" + uuid.NewString()
}

// Resume is what a redeemed token proves: which session the client may
// rebind, and who opened it. The principal must match the reconnecting
// caller's.
type Resume struct {
	SessionID string    `json:"session_id"`
	Principal string    `json:"principal"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Store hands out and redeems resume tokens. Tokens are single-use and
// rotated: issuing a session's next token invalidates its previous
// one, and Consume atomically retires the token it redeems.
type Store interface {
	// Issue binds token to r for ttl, replacing any live token for the
	// same session.
	Issue(ctx context.Context, token string, r Resume, ttl time.Duration) error

	// Consume redeems a token, retiring it. The second return is false
	// when the token is unknown, expired, or already used.
	Consume(ctx context.Context, token string) (Resume, bool, error)

	// Revoke retires whatever token the session currently has, if any.
	// Called when a session ends so its token dies with it.
	Revoke(ctx context.Context, sessionID string) error
}

// MemoryStore is the in-process Store. Suitable whenever clients
// reconnect to the same gateway instance, which session-sticky routing
// guarantees.
type MemoryStore struct {
	now func() time.Time

	mu        sync.Mutex
	tokens    map[string]memoryToken
	bySession map[string]string
}

type memoryToken struct {
	resume    Resume
	expiresAt time.Time
}

// NewMemoryStore creates an empty store. now is overridable in tests;
// nil means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		tokens:    make(map[string]memoryToken),
		bySession: make(map[string]string),
	}
}

func (s *MemoryStore) Issue(_ context.Context, token string, r Resume, ttl time.Duration) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gcLocked(now)
	if old, ok := s.bySession[r.SessionID]; ok {
		delete(s.tokens, old)
	}
	s.tokens[token] = memoryToken{resume: r, expiresAt: now.Add(ttl)}
	s.bySession[r.SessionID] = token
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, token string) (Resume, bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return Resume{}, false, nil
	}
	delete(s.tokens, token)
	if s.bySession[entry.resume.SessionID] == token {
		delete(s.bySession, entry.resume.SessionID)
	}
	if !now.Before(entry.expiresAt) {
		return Resume{}, false, nil
	}
	return entry.resume, true, nil
}

func (s *MemoryStore) Revoke(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.bySession[sessionID]; ok {
		delete(s.tokens, token)
		delete(s.bySession, sessionID)
	}
	return nil
}

// gcLocked drops expired tokens. Runs on every Issue; the token count
// is bounded by the concurrent-session guard, so a full scan is cheap.
func (s *MemoryStore) gcLocked(now time.Time) {
	for token, entry := range s.tokens {
		if !now.Before(entry.expiresAt) {
			delete(s.tokens, token)
			if s.bySession[entry.resume.SessionID] == token {
				delete(s.bySession, entry.resume.SessionID)
			}
		}
	}
}
