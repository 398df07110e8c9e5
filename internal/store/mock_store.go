// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	dispatches []Dispatch

	// RecordErr, when set, is returned by RecordDispatch.
	RecordErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// RecordDispatch stores a copy of d.
func (m *MockStore) RecordDispatch(ctx context.Context, d *Dispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecordErr != nil {
		return m.RecordErr
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.dispatches = append(m.dispatches, *d)
	return nil
}

// GetDispatch returns a dispatch by id.
func (m *MockStore) GetDispatch(ctx context.Context, id string) (*Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.dispatches {
		if d.ID == id {
			out := d
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// ListDispatches returns matching dispatches, newest first.
func (m *MockStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Dispatch
	for _, d := range m.dispatches {
		if f.ConversationKey != nil && d.ConversationKey != *f.ConversationKey {
			continue
		}
		if f.Platform != nil && d.Platform != *f.Platform {
			continue
		}
		if f.Since != nil && d.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := normalizeDispatchLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SummarizeDispatches aggregates stored dispatches.
func (m *MockStore) SummarizeDispatches(ctx context.Context, since time.Time) (*DispatchSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := newSummary()
	for _, d := range m.dispatches {
		if !since.IsZero() && d.CreatedAt.Before(since) {
			continue
		}
		sum.Total++
		sum.ByOutcome[d.Outcome]++
		sum.ByCommand[d.Command]++
		if d.ErrorKind != "" {
			sum.ByError[d.ErrorKind]++
		}
	}
	return sum, nil
}

// PruneDispatches drops dispatches older than cutoff.
func (m *MockStore) PruneDispatches(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.dispatches[:0]
	var removed int64
	for _, d := range m.dispatches {
		if d.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	m.dispatches = kept
	return removed, nil
}

// Dispatches returns every stored dispatch in insertion order.
func (m *MockStore) Dispatches() []Dispatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Dispatch, len(m.dispatches))
	copy(out, m.dispatches)
	return out
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var _ Store = (*MockStore)(nil)
