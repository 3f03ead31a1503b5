package core

import (
	"errors"
	"fmt"
)

// Error is the error type shared by the orchestration core and the gateway.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrThrottled      ErrorType = "throttled_error"
	ErrNoSpeech       ErrorType = "no_speech_error"
	ErrTimeout        ErrorType = "timeout_error"
	ErrBackend        ErrorType = "backend_error"
	ErrUnavailable    ErrorType = "backend_unavailable_error"
	ErrTransport      ErrorType = "transport_error"
	ErrProtocol       ErrorType = "protocol_error"
	ErrResumeExpired  ErrorType = "resume_expired_error"
	ErrInternal       ErrorType = "internal_error"
)

// Severity classifies how far an error's blast radius reaches.
type Severity int

const (
	// SeverityTurn errors are absorbed by the current turn; the session
	// keeps listening (empty transcript, stage timeout, synthesis failure).
	SeverityTurn Severity = iota
	// SeverityConnection errors are healed by transport reconnection.
	SeverityConnection
	// SeveritySession errors are fatal: the session transitions to Failed
	// and the client receives exactly one terminal error event.
	SeveritySession
	// SeverityReject errors occur before any session exists (throttling,
	// bad handshake, expired resume token).
	SeverityReject
)

// String returns a human-readable severity.
func (s Severity) String() string {
	switch s {
	case SeverityTurn:
		return "turn"
	case SeverityConnection:
		return "connection"
	case SeveritySession:
		return "session"
	case SeverityReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Severity maps the error type onto the recovery taxonomy.
func (e *Error) Severity() Severity {
	switch e.Type {
	case ErrNoSpeech, ErrTimeout, ErrBackend:
		return SeverityTurn
	case ErrTransport:
		return SeverityConnection
	case ErrThrottled, ErrResumeExpired, ErrInvalidRequest:
		return SeverityReject
	default:
		return SeveritySession
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error tied to a field.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewThrottledError creates a throttled rejection with a retry hint in seconds.
func NewThrottledError(message string, retryAfter int) *Error {
	return &Error{Type: ErrThrottled, Message: message, RetryAfter: &retryAfter}
}

// NewNoSpeechError reports that a submitted utterance contained no usable speech.
func NewNoSpeechError() *Error {
	return &Error{Type: ErrNoSpeech, Message: "no speech detected in utterance"}
}

// NewTimeoutError reports a backend stage exceeding its deadline.
func NewTimeoutError(backend string) *Error {
	return &Error{Type: ErrTimeout, Message: backend + " call exceeded deadline", Backend: backend}
}

// NewBackendError wraps a failed backend call.
func NewBackendError(backend string, cause error) *Error {
	return &Error{
		Type:    ErrBackend,
		Message: fmt.Sprintf("%s: %v", backend, cause),
		Backend: backend,
		Cause:   cause,
	}
}

// NewUnavailableError reports a backend that is down and confirmed so by its probe.
func NewUnavailableError(backend string, cause error) *Error {
	e := &Error{Type: ErrUnavailable, Message: backend + " unavailable", Backend: backend, Cause: cause}
	if cause != nil {
		e.Message = fmt.Sprintf("%s unavailable: %v", backend, cause)
	}
	return e
}

// NewTransportError reports a dropped or broken client transport.
func NewTransportError(cause error) *Error {
	return &Error{Type: ErrTransport, Message: fmt.Sprintf("transport: %v", cause), Cause: cause}
}

// NewProtocolError reports a malformed reply from a backend.
func NewProtocolError(backend, message string) *Error {
	return &Error{Type: ErrProtocol, Message: message, Backend: backend}
}

// NewResumeExpiredError reports a resume attempt with a dead token.
func NewResumeExpiredError() *Error {
	return &Error{Type: ErrResumeExpired, Message: "reconnection token expired or already used", Code: "expired"}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *Error {
	return &Error{Type: ErrInternal, Message: message}
}

// IsRetryable returns true if the operation that produced the error may be retried.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrThrottled, ErrTimeout, ErrBackend, ErrTransport:
		return true
	default:
		return false
	}
}

// FailsSession returns true when the error must terminate the whole session.
func (e *Error) FailsSession() bool {
	return e.Severity() == SeveritySession
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError extracts a *Error from err, wrapping foreign errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Type: ErrInternal, Message: err.Error(), Cause: err}
}
