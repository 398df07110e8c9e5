// ABOUTME: Contract for the chat-completion backend and its error taxonomy
// ABOUTME: Retryable reports which failures the orchestrator may retry with backoff

package completion

import (
	"context"
	"errors"

	"github.com/2389/flowgpt-gateway/internal/session"
)

// Errors returned by completion clients. Implementations wrap these with %w.
var (
	ErrTransport   = errors.New("completion transport error")
	ErrRateLimited = errors.New("completion rate limited")
	ErrTimeout     = errors.New("completion timed out")
)

// Client produces an assistant reply for a system prompt and a chronological history.
type Client interface {
	Complete(ctx context.Context, systemPrompt string, history []session.Turn) (string, error)
}

// Retryable reports whether err is a completion failure worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, systemPrompt string, history []session.Turn) (string, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, systemPrompt string, history []session.Turn) (string, error) {
	return f(ctx, systemPrompt, history)
}
