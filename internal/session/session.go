// ABOUTME: Conversation session state: role-tagged history, system prompt and loaded prompt reference
// ABOUTME: Sessions are only mutated through methods called on a Store working copy

package session

import (
	"time"
)

// Role tags a turn with who produced it.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in a conversation.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// PromptRef is a weak reference to a catalog entry loaded into a session.
// It is never re-validated against the catalog.
type PromptRef struct {
	ID    string
	Title string
}

// Session is the mutable state of one conversation.
type Session struct {
	key          Key
	history      []Turn
	systemPrompt string
	activePrompt *PromptRef
	createdAt    time.Time
	lastActiveAt time.Time
}

func newSession(key Key, defaultPrompt string, now time.Time) *Session {
	return &Session{
		key:          key,
		systemPrompt: defaultPrompt,
		createdAt:    now,
		lastActiveAt: now,
	}
}

// Key returns the identity key of the session.
func (s *Session) Key() Key { return s.key }

// SystemPrompt returns the prompt sent ahead of the history on every completion.
func (s *Session) SystemPrompt() string { return s.systemPrompt }

// ActivePrompt returns the loaded catalog reference, or nil.
func (s *Session) ActivePrompt() *PromptRef {
	if s.activePrompt == nil {
		return nil
	}
	ref := *s.activePrompt
	return &ref
}

// Turns returns a copy of the history in chronological order.
func (s *Session) Turns() []Turn {
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of turns in the history.
func (s *Session) Len() int { return len(s.history) }

// CreatedAt returns when the session was first seen.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActiveAt returns when the session last handled an event.
func (s *Session) LastActiveAt() time.Time { return s.lastActiveAt }

// Reset drops the history, restores the default prompt and forgets any loaded catalog prompt.
func (s *Session) Reset(defaultPrompt string) {
	s.history = nil
	s.systemPrompt = defaultPrompt
	s.activePrompt = nil
}

// UsePrompt replaces the system prompt and starts a fresh history.
// A nil ref marks a custom prompt that did not come from the catalog.
func (s *Session) UsePrompt(text string, ref *PromptRef) {
	s.history = nil
	s.systemPrompt = text
	if ref != nil {
		r := *ref
		s.activePrompt = &r
	} else {
		s.activePrompt = nil
	}
}

// AppendExchange records a user turn together with the assistant reply to it.
// The pair is appended as a unit so the history never ends on an unanswered user turn.
func (s *Session) AppendExchange(userText, assistantText string, at time.Time) {
	s.history = append(s.history,
		Turn{Role: RoleUser, Text: userText, At: at},
		Turn{Role: RoleAssistant, Text: assistantText, At: at},
	)
}

func (s *Session) clone() *Session {
	c := *s
	c.history = s.Turns()
	c.activePrompt = s.ActivePrompt()
	return &c
}

// truncateHistory drops the oldest non-system turns until the history fits max.
// A leading system turn and the newest exchange always survive, so the
// effective limit is never below lead+2.
func truncateHistory(history []Turn, max int) []Turn {
	lead := 0
	if len(history) > 0 && history[0].Role == RoleSystem {
		lead = 1
	}
	if max < lead+2 {
		max = lead + 2
	}
	if len(history) <= max {
		return history
	}

	body := history[lead:]
	for len(body)+lead > max && len(body) > 2 {
		// Drop whole exchanges when aligned to keep roles alternating.
		if len(body) >= 2 && body[0].Role == RoleUser && body[1].Role == RoleAssistant {
			body = body[2:]
		} else {
			body = body[1:]
		}
	}

	out := make([]Turn, 0, lead+len(body))
	out = append(out, history[:lead]...)
	return append(out, body...)
}
