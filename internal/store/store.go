// ABOUTME: Store interface and data types for the dispatch ledger
// ABOUTME: A Dispatch records how one inbound event was handled; message text is never stored

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Outcome values for a dispatch.
const (
	OutcomeReply = "reply" // a normal reply was produced
	OutcomeError = "error" // the user saw a failure message
)

// Dispatch is one handled inbound event.
type Dispatch struct {
	ID              string
	EventID         string // adapter-supplied event id, may be empty
	Platform        string
	ConversationKey string
	Command         string // command name, "chat" for plain messages
	Outcome         string
	ErrorKind       string // empty on success
	Attempts        int    // completion attempts, zero for commands that never call the model
	Latency         time.Duration
	CreatedAt       time.Time
}

// DispatchFilter narrows ListDispatches.
type DispatchFilter struct {
	ConversationKey *string
	Platform        *string
	Since           *time.Time
	Limit           int // default 50, max 500
}

// DispatchSummary aggregates dispatch outcomes.
type DispatchSummary struct {
	Total     int            `json:"total"`
	ByOutcome map[string]int `json:"by_outcome"`
	ByCommand map[string]int `json:"by_command"`
	ByError   map[string]int `json:"by_error"`
}

// Store persists the dispatch ledger.
type Store interface {
	// RecordDispatch appends a dispatch. ID and CreatedAt are generated when unset.
	RecordDispatch(ctx context.Context, d *Dispatch) error

	// ListDispatches returns matching dispatches, newest first.
	ListDispatches(ctx context.Context, f DispatchFilter) ([]Dispatch, error)

	// GetDispatch returns a dispatch by id, or ErrNotFound.
	GetDispatch(ctx context.Context, id string) (*Dispatch, error)

	// SummarizeDispatches aggregates dispatches created at or after since (zero means all).
	SummarizeDispatches(ctx context.Context, since time.Time) (*DispatchSummary, error)

	// PruneDispatches deletes dispatches created before cutoff and returns how many were removed.
	PruneDispatches(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

func normalizeDispatchLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

func newSummary() *DispatchSummary {
	return &DispatchSummary{
		ByOutcome: make(map[string]int),
		ByCommand: make(map[string]int),
		ByError:   make(map[string]int),
	}
}
