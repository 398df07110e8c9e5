// ABOUTME: In-memory fan-out of handled-event dispatches for live monitoring
// ABOUTME: Subscribers watch one conversation key, or every key with an empty filter

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/flowgpt-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allKeys is the subscription key that receives every dispatch.
	allKeys = ""
)

// DispatchBroadcaster provides in-memory pub/sub for dispatches.
// Publishing never blocks; slow subscribers miss events.
type DispatchBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan store.Dispatch // conversationKey -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewDispatchBroadcaster creates a broadcaster. Pass nil logger for default.
func NewDispatchBroadcaster(logger *slog.Logger) *DispatchBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchBroadcaster{
		subscribers: make(map[string]map[string]chan store.Dispatch),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for dispatches on conversationKey (empty for all keys).
// The subscription is removed and its channel closed when ctx ends.
func (b *DispatchBroadcaster) Subscribe(ctx context.Context, conversationKey string) (<-chan store.Dispatch, string) {
	subID := uuid.New().String()
	ch := make(chan store.Dispatch, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationKey]; !ok {
		b.subscribers[conversationKey] = make(map[string]chan store.Dispatch)
	}
	b.subscribers[conversationKey][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "conversation_key", conversationKey, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationKey, subID)
	}()

	return ch, subID
}

// Publish delivers d to subscribers of its key and to catch-all subscribers.
func (b *DispatchBroadcaster) Publish(d *store.Dispatch) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(subs map[string]chan store.Dispatch) {
		for id, ch := range subs {
			select {
			case ch <- *d:
			default:
				b.logger.Debug("dropped dispatch for slow subscriber", "sub_id", id, "dispatch_id", d.ID)
			}
		}
	}
	deliver(b.subscribers[d.ConversationKey])
	if d.ConversationKey != allKeys {
		deliver(b.subscribers[allKeys])
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *DispatchBroadcaster) Unsubscribe(conversationKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationKey]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationKey)
	}

	b.logger.Debug("subscriber removed", "conversation_key", conversationKey, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *DispatchBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *DispatchBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for convKey, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convKey)
	}

	b.logger.Debug("broadcaster closed")
}
