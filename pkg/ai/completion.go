package ai

import (
	"context"
	"errors"
)

// Turn roles understood by chat-completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged entry in an assembled prompt.
type Turn struct {
	Role    string
	Content string
}

// ErrModelUnavailable wraps any completion call failure: network, quota,
// or a malformed response. Callers decide whether to surface it or
// substitute a fallback.
var ErrModelUnavailable = errors.New("model unavailable")

// CompletionService invokes an external chat-completion model.
// Implementations make a single attempt per call and never retry;
// a failure is surfaced, not hidden.
type CompletionService interface {
	Complete(ctx context.Context, turns []Turn, model string, maxTokens int) (string, error)
}
