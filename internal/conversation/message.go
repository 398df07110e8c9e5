// ABOUTME: Normalized inbound and outbound events exchanged between adapters and the orchestrator
// ABOUTME: Outbound text can be split into chunks that fit each platform's message limit

package conversation

import (
	"unicode/utf8"

	"github.com/2389/flowgpt-gateway/internal/session"
)

// EventType distinguishes conversation traffic from lifecycle events.
type EventType string

const (
	// EventMessage is a user message or command. The zero value means the same.
	EventMessage EventType = "message"
	// EventEnd means the conversation is gone on the platform side (the bot
	// was removed, the user unfollowed) and its session should be dropped.
	EventEnd EventType = "end"
)

// Inbound is one normalized event from a platform adapter.
type Inbound struct {
	Type     EventType
	Platform session.Platform
	Key      session.Key
	Text     string
	// Command is an optional native command token (e.g. a Discord interaction name).
	Command string
	// EventID is the adapter's delivery id, used for ledger correlation and replay.
	EventID string
	// Format "html" asks for an HTML rendering of the reply alongside the text.
	Format string
}

// Kind classifies an outbound event.
type Kind string

const (
	KindReply Kind = "reply"
	KindError Kind = "error"
)

// SearchResult is one catalog hit in a search reply.
type SearchResult struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Outbound is the single response produced for an Inbound.
type Outbound struct {
	Kind      Kind           `json:"kind"`
	Text      string         `json:"text"`
	Results   []SearchResult `json:"results,omitempty"`
	Total     int            `json:"total,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	HTML      string         `json:"html,omitempty"`
}

// MessageLimit returns the maximum message length accepted by a platform, in runes.
func MessageLimit(p session.Platform) int {
	switch p {
	case session.PlatformTelegram:
		return 4096
	case session.PlatformDiscord:
		return 2000
	case session.PlatformLine:
		return 5000
	case session.PlatformSlack:
		return 40000
	default:
		return 2000
	}
}

// Chunks splits Text into pieces of at most limit runes, preferring to break
// after a newline. A non-positive limit returns the text whole.
func (o *Outbound) Chunks(limit int) []string {
	return splitText(o.Text, limit)
}

func splitText(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		if nl := lastIndexRune(runes[:limit], '\n'); nl > limit/2 {
			cut = nl + 1
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndexRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// CancelledOutbound is the reply for an event abandoned before it was handled.
func CancelledOutbound() *Outbound {
	return &Outbound{Kind: KindError, Text: replyCancelled}
}
