// ABOUTME: In-memory session store with per-key serialized mutation and idle eviction
// ABOUTME: Different keys never contend; the shared map lock only covers lookup and insert

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCapacityExceeded is returned when a new session would exceed the configured maximum.
var ErrCapacityExceeded = errors.New("session capacity exceeded")

// DefaultMaxHistory is used when Options.MaxHistory is unset.
const DefaultMaxHistory = 20

// Options configures a Store.
type Options struct {
	// MaxHistory bounds the number of retained turns per session.
	MaxHistory int
	// MaxSessions bounds the number of live sessions. Zero means unbounded.
	MaxSessions int
	// DefaultPrompt seeds new sessions and is restored by Reset.
	DefaultPrompt string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	// lock is a one-slot semaphore. Blocked senders are queued in arrival order.
	lock    chan struct{}
	sess    atomic.Pointer[Session]
	evicted bool // guarded by lock
}

// Store holds every live conversation session keyed by identity.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*entry

	maxHistory    int
	maxSessions   int
	defaultPrompt string
	now           func() time.Time
	logger        *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxHistory < 2 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		entries:       make(map[Key]*entry),
		maxHistory:    opts.MaxHistory,
		maxSessions:   opts.MaxSessions,
		defaultPrompt: opts.DefaultPrompt,
		now:           opts.Now,
		logger:        logger.With("component", "session"),
	}
}

// DefaultPrompt returns the prompt new and reset sessions start with.
func (s *Store) DefaultPrompt() string { return s.defaultPrompt }

// MaxHistory returns the per-session history bound.
func (s *Store) MaxHistory() int { return s.maxHistory }

// GetOrCreate returns a snapshot of the session for key, creating it if absent.
func (s *Store) GetOrCreate(key Key) (Session, error) {
	e, err := s.entryFor(key)
	if err != nil {
		return Session{}, err
	}
	return *e.sess.Load().clone(), nil
}

// Peek returns a snapshot of the session for key without creating it.
func (s *Store) Peek(key Key) (Session, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return *e.sess.Load().clone(), true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Mutate runs fn against a private working copy of the session for key while
// holding that key's lock. A nil return commits the copy, any error discards
// it. The activity timestamp is refreshed either way. The error from fn is
// returned unchanged.
func (s *Store) Mutate(ctx context.Context, key Key, fn func(*Session) error) error {
	e, err := s.acquire(ctx, key)
	if err != nil {
		if e != nil {
			// Gave up waiting behind another event; the traffic still counts as activity.
			s.touch(e)
		}
		return err
	}
	defer func() { <-e.lock }()

	current := e.sess.Load()
	working := current.clone()
	fnErr := fn(working)

	if fnErr != nil {
		working = current.clone()
	} else {
		working.history = truncateHistory(working.history, s.maxHistory)
		if working.systemPrompt == "" {
			working.systemPrompt = s.defaultPrompt
		}
	}
	working.lastActiveAt = s.now()
	e.sess.Store(working)
	return fnErr
}

// acquire returns the live entry for key with its lock held. When ctx ends
// while waiting, the entry waited on is returned with the context error.
func (s *Store) acquire(ctx context.Context, key Key) (*entry, error) {
	for {
		e, err := s.entryFor(key)
		if err != nil {
			return nil, err
		}
		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return e, ctx.Err()
		}
		if !e.evicted {
			return e, nil
		}
		// Evicted while we waited; retry against a fresh entry.
		<-e.lock
	}
}

// touch refreshes the activity timestamp of an entry whose lock is held elsewhere.
// The holder's commit replaces the session, so a lost swap only means a newer timestamp won.
func (s *Store) touch(e *entry) {
	for {
		current := e.sess.Load()
		next := current.clone()
		next.lastActiveAt = s.now()
		if e.sess.CompareAndSwap(current, next) {
			return
		}
	}
}

func (s *Store) entryFor(key Key) (*entry, error) {
	if key.IsZero() {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e, nil
	}
	if s.maxSessions > 0 && len(s.entries) >= s.maxSessions {
		return nil, ErrCapacityExceeded
	}
	e = &entry{lock: make(chan struct{}, 1)}
	e.sess.Store(newSession(key, s.defaultPrompt, s.now()))
	s.entries[key] = e
	s.logger.Debug("session created", "key", key.String())
	return e, nil
}

// EvictIdle removes sessions whose last activity is older than ttl and
// returns how many were removed. Sessions with a mutation in flight are skipped.
func (s *Store) EvictIdle(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		select {
		case e.lock <- struct{}{}:
		default:
			continue
		}
		if now.Sub(e.sess.Load().lastActiveAt) > ttl {
			e.evicted = true
			delete(s.entries, key)
			removed++
		}
		<-e.lock
	}

	if removed > 0 {
		s.logger.Debug("evicted idle sessions", "removed", removed, "remaining", len(s.entries))
	}
	return removed
}

// Delete removes the session for key once any in-flight mutation on it has
// finished. It reports whether a session existed. A later event for the same
// key starts from a fresh session.
func (s *Store) Delete(ctx context.Context, key Key) (bool, error) {
	if key.IsZero() {
		return false, ErrInvalidKey
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-e.lock }()
	if e.evicted {
		return false, nil
	}

	s.mu.Lock()
	e.evicted = true
	if s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	s.logger.Debug("session deleted", "key", key.String())
	return true, nil
}
