// ABOUTME: Periodic idle-session eviction for the orchestrator
// ABOUTME: Start launches a ticker loop; Stop cancels it and waits for the loop to exit

package conversation

import (
	"context"
	"sync"
	"time"
)

type maintenance struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Start begins evicting idle sessions every EvictionInterval. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.maint.mu.Lock()
	defer s.maint.mu.Unlock()

	if s.maint.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.maint.cancel = cancel
	s.maint.done = make(chan struct{})
	s.maint.running = true

	go s.runMaintenance(loopCtx, s.maint.done)
}

// Stop halts the maintenance loop and waits for it to finish.
func (s *Service) Stop() {
	s.maint.mu.Lock()
	if !s.maint.running {
		s.maint.mu.Unlock()
		return
	}
	cancel, done := s.maint.cancel, s.maint.done
	s.maint.mu.Unlock()

	cancel()
	<-done
}

func (s *Service) runMaintenance(ctx context.Context, done chan struct{}) {
	defer func() {
		s.maint.mu.Lock()
		s.maint.running = false
		s.maint.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(s.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("maintenance loop stopping")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one eviction pass and returns the number of sessions removed.
func (s *Service) Sweep() int {
	removed := s.sessions.EvictIdle(s.now(), s.idleTTL)
	if removed > 0 {
		s.logger.Info("evicted idle sessions", "removed", removed, "remaining", s.sessions.Len())
	}
	return removed
}
