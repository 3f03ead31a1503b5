package core

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "hello must be the first message",
	}

	expected := "invalid_request_error: hello must be the first message"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrResumeExpired,
		Message: "reconnection token expired or already used",
		Code:    "expired",
	}

	expected := "resume_expired_error: reconnection token expired or already used (code: expired)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewThrottledError(t *testing.T) {
	err := NewThrottledError("session rate exceeded", 30)
	if err.Type != ErrThrottled {
		t.Errorf("Type = %v, want %v", err.Type, ErrThrottled)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 30 {
		t.Errorf("RetryAfter = %v, want 30", err.RetryAfter)
	}
	if err.Severity() != SeverityReject {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityReject)
	}
}

func TestNewBackendError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := NewBackendError("tts", underlying)

	if err.Type != ErrBackend {
		t.Errorf("Type = %v, want %v", err.Type, ErrBackend)
	}
	if err.Backend != "tts" {
		t.Errorf("Backend = %q, want %q", err.Backend, "tts")
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestError_Severity(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    Severity
	}{
		{ErrNoSpeech, SeverityTurn},
		{ErrTimeout, SeverityTurn},
		{ErrBackend, SeverityTurn},
		{ErrTransport, SeverityConnection},
		{ErrAuthentication, SeveritySession},
		{ErrUnavailable, SeveritySession},
		{ErrProtocol, SeveritySession},
		{ErrInternal, SeveritySession},
		{ErrThrottled, SeverityReject},
		{ErrResumeExpired, SeverityReject},
		{ErrInvalidRequest, SeverityReject},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := &Error{Type: tt.errType, Message: "test"}
			if got := err.Severity(); got != tt.want {
				t.Errorf("Severity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_IsRetryable(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    bool
	}{
		{ErrThrottled, true},
		{ErrTimeout, true},
		{ErrBackend, true},
		{ErrTransport, true},
		{ErrInvalidRequest, false},
		{ErrAuthentication, false},
		{ErrUnavailable, false},
		{ErrProtocol, false},
		{ErrResumeExpired, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := &Error{Type: tt.errType, Message: "test"}
			if got := err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_FailsSession(t *testing.T) {
	if !NewAuthenticationError("key rejected").FailsSession() {
		t.Error("authentication errors must fail the session")
	}
	if NewTimeoutError("stt").FailsSession() {
		t.Error("a stage timeout must not fail the session")
	}
	if NewTransportError(errors.New("eof")).FailsSession() {
		t.Error("a transport drop must not fail the session")
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}

	plain := errors.New("boom")
	wrapped := AsError(plain)
	if wrapped.Type != ErrInternal {
		t.Errorf("Type = %v, want %v", wrapped.Type, ErrInternal)
	}
	if !errors.Is(wrapped, plain) {
		t.Error("wrapped error should unwrap to the original")
	}

	typed := NewNoSpeechError()
	if got := AsError(typed); got != typed {
		t.Error("AsError should pass *Error through unchanged")
	}
}
