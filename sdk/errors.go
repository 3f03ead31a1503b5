package voiceagent

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/Rapheal7/My-Agent/pkg/core"
)

// Error is the canonical gateway error decoded from error envelopes and
// rejected handshakes.
type Error = core.Error

// Error types, re-exported so callers can switch without importing core.
const (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrAuthentication = core.ErrAuthentication
	ErrThrottled      = core.ErrThrottled
	ErrTimeout        = core.ErrTimeout
	ErrBackend        = core.ErrBackend
	ErrUnavailable    = core.ErrUnavailable
	ErrResumeExpired  = core.ErrResumeExpired
	ErrInternal       = core.ErrInternal
)

// ErrSessionClosed is returned by sends on a voice session that has
// ended (cleanly or not).
var ErrSessionClosed = errors.New("voice session closed")

// ErrReconnecting is returned by sends while the voice session is
// between connections. Audio frames may simply be dropped; text and
// control sends should be retried after a "resumed" event.
var ErrReconnecting = errors.New("voice session reconnecting")

// TransportError represents HTTP or WebSocket transport-level failures
// (DNS, timeouts, connection reset, TLS handshake) while talking to the
// gateway.
//
// Use errors.As to distinguish transport failures from canonical API
// errors (*Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
