package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowchat/pkg/schema"
)

const (
	defaultChannelBuffer = 64

	// DefaultPendingLimit bounds the per-instance queue of events published
	// while no client is connected.
	DefaultPendingLimit = 100
)

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan schema.ChatEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub. Events for an instance with no
// connected subscriber are queued and flushed, in order, to the next
// subscriber of that instance. A terminal status releases the queue: a run
// that finished is read back through its execution logs, not the chat.
type MemoryHub struct {
	mu           sync.RWMutex
	subs         map[uint64]*subscriber
	pending      map[int64][]schema.ChatEvent
	pendingLimit int
	seq          atomic.Uint64
	now          func() time.Time
}

// NewMemoryHub creates a new MemoryHub with the default pending limit.
func NewMemoryHub() *MemoryHub {
	return NewMemoryHubWithLimit(DefaultPendingLimit)
}

// NewMemoryHubWithLimit creates a MemoryHub keeping at most limit queued
// events per instance. Older events are dropped first.
func NewMemoryHubWithLimit(limit int) *MemoryHub {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return &MemoryHub{
		subs:         make(map[uint64]*subscriber),
		pending:      make(map[int64][]schema.ChatEvent),
		pendingLimit: limit,
		now:          time.Now,
	}
}

// Publish sends an event to all matching subscribers. Non-blocking: if a
// subscriber's channel is full the event is dropped for that subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event schema.ChatEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := false
	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		if sub.filter.InstanceID != 0 {
			delivered = true
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
	switch {
	case event.InstanceID == 0:
	case isTerminal(event):
		delete(h.pending, event.InstanceID)
	case !delivered:
		h.enqueue(event)
	}
	return nil
}

// isTerminal reports whether event closes its instance's chat.
func isTerminal(e schema.ChatEvent) bool {
	return e.Type == schema.EventStatus &&
		(e.Status == schema.ChatStatusCompleted || e.Status == schema.ChatStatusFailed)
}

// enqueue appends to the instance's pending queue. Caller holds h.mu.
func (h *MemoryHub) enqueue(event schema.ChatEvent) {
	q := append(h.pending[event.InstanceID], event)
	if over := len(q) - h.pendingLimit; over > 0 {
		q = append([]schema.ChatEvent(nil), q[over:]...)
	}
	h.pending[event.InstanceID] = q
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// A subscription for a specific instance first receives that instance's
// pending events. Returns a receive-only channel, a cancel function, and any
// error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ChatEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)

	h.mu.Lock()
	var backlog []schema.ChatEvent
	if filter.InstanceID != 0 {
		backlog = h.pending[filter.InstanceID]
		delete(h.pending, filter.InstanceID)
	}
	ch := make(chan schema.ChatEvent, defaultChannelBuffer+len(backlog))
	for _, e := range backlog {
		if matchFilter(filter, e) {
			ch <- e
		}
	}
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}

	return ch, cancel, nil
}

// HasActiveConnection reports whether a subscriber for instanceID exists.
func (h *MemoryHub) HasActiveConnection(instanceID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter.InstanceID == instanceID {
			return true
		}
	}
	return false
}

// PendingCount returns the number of queued events for instanceID.
func (h *MemoryHub) PendingCount(instanceID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending[instanceID])
}

// PendingInstances returns how many instances hold queued events.
func (h *MemoryHub) PendingInstances() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending)
}

// DropPending discards queued events for instanceID.
func (h *MemoryHub) DropPending(instanceID int64) {
	h.mu.Lock()
	delete(h.pending, instanceID)
	h.mu.Unlock()
}

// SendMessage publishes a chat message event.
func (h *MemoryHub) SendMessage(ctx context.Context, instanceID int64, role, content, nickname string) error {
	return h.Publish(ctx, schema.ChatEvent{
		Type:       schema.EventMessage,
		InstanceID: instanceID,
		Role:       role,
		Content:    content,
		Nickname:   nickname,
	})
}

// SendStatus publishes a status event.
func (h *MemoryHub) SendStatus(ctx context.Context, instanceID int64, status string) error {
	return h.Publish(ctx, schema.ChatEvent{
		Type:       schema.EventStatus,
		InstanceID: instanceID,
		Status:     status,
	})
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e schema.ChatEvent) bool {
	if f.InstanceID != 0 && f.InstanceID != e.InstanceID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
