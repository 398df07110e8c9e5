// ABOUTME: Contract for the external prompt catalog: search entries and fetch prompt text
// ABOUTME: Defines the catalog error taxonomy shared by every implementation

package catalog

import (
	"context"
	"errors"
)

// Errors returned by catalog clients. Implementations wrap these with %w.
var (
	ErrNotFound  = errors.New("prompt not found")
	ErrTransport = errors.New("catalog transport error")
	ErrTimeout   = errors.New("catalog timed out")
)

// Entry is one search hit, in catalog rank order.
type Entry struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Prompt is a fetched catalog prompt.
type Prompt struct {
	ID      string
	Title   string
	Content string
}

// Client searches and fetches prompt templates.
type Client interface {
	// Search returns matching entries, possibly none.
	Search(ctx context.Context, query string) ([]Entry, error)
	// Fetch returns the prompt with the given id.
	Fetch(ctx context.Context, id string) (*Prompt, error)
}
