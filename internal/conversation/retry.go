// ABOUTME: Retry policy for completion calls: bounded attempts with capped exponential backoff
// ABOUTME: Only retryable completion errors are retried; waits stop when the context ends

package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/flowgpt-gateway/internal/completion"
	"github.com/2389/flowgpt-gateway/internal/session"
)

// errEmptyCompletion is retried like any other transport failure; a blank
// reply can be neither sent to a platform nor kept in the history.
var errEmptyCompletion = fmt.Errorf("%w: empty completion", completion.ErrTransport)

// RetryPolicy bounds completion retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is three attempts, 1s then 2s apart.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

// Backoff returns the wait before attempt n+1, given that attempt n (1-based) just failed.
func (p RetryPolicy) Backoff(n int) time.Duration {
	const maxShift = 30

	delay := p.InitialBackoff
	if delay <= 0 {
		return 0
	}
	for i := 1; i < n && i < maxShift; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// sleepFunc waits for d or until ctx ends.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// completeWithRetry calls the completion client until it succeeds, fails with
// a non-retryable error, the attempts run out, or ctx ends. It returns the
// reply, the number of attempts made and the last error.
func (s *Service) completeWithRetry(ctx context.Context, systemPrompt string, history []session.Turn) (string, int, error) {
	attempts := s.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for n := 1; n <= attempts; n++ {
		reply, err := s.completer.Complete(ctx, systemPrompt, history)
		if err == nil && strings.TrimSpace(reply) == "" {
			err = errEmptyCompletion
		}
		if err == nil {
			return reply, n, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", n, ctx.Err()
		}
		if !completion.Retryable(err) || n == attempts {
			return "", n, err
		}

		wait := s.retry.Backoff(n)
		s.logger.Warn("completion failed, retrying",
			"attempt", n,
			"max_attempts", attempts,
			"backoff", wait,
			"error", err,
		)
		if err := s.sleep(ctx, wait); err != nil {
			return "", n, err
		}
	}
	return "", attempts, lastErr
}
