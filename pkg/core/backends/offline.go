package backends

import (
	"context"
	"fmt"
)

// OfflineResponder is the floor of the backend chain: a completer that
// needs no network and never fails. It echoes the user's text so the
// conversation stays alive while every real backend is down.
type OfflineResponder struct{}

// NewOfflineResponder creates the fallback completer.
func NewOfflineResponder() *OfflineResponder { return &OfflineResponder{} }

// Name returns the backend identifier.
func (o *OfflineResponder) Name() string { return "offline" }

// Complete acknowledges the input without any model behind it.
func (o *OfflineResponder) Complete(_ context.Context, _ []Exchange, userText string) (string, error) {
	if userText == "" {
		return "I'm here, but I can't reach any of my services right now.", nil
	}
	return fmt.Sprintf("I heard you say: %s", userText), nil
}
