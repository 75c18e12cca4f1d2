package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowchat/pkg/schema"
)

func receive(t *testing.T, ch <-chan schema.ChatEvent) schema.ChatEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.ChatEvent{}
}

func assertEmpty(t *testing.T, ch <-chan schema.ChatEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: 1})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.SendMessage(ctx, 1, schema.RoleAssistant, "hello", "Guide"))

	got := receive(t, ch)
	assert.Equal(t, schema.EventMessage, got.Type)
	assert.Equal(t, int64(1), got.InstanceID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "Guide", got.Nickname)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestFilterByInstanceID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: 1})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.SendStatus(ctx, 1, schema.ChatStatusRunning))
	require.NoError(t, hub.SendStatus(ctx, 2, schema.ChatStatusRunning))

	got := receive(t, ch)
	assert.Equal(t, int64(1), got.InstanceID)
	assert.Equal(t, schema.ChatStatusRunning, got.Status)
	assertEmpty(t, ch)
	assert.Equal(t, 1, hub.PendingCount(2), "undelivered event for instance 2 is queued")
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventStatus}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.SendMessage(ctx, 1, schema.RoleAssistant, "skip", "x"))
	require.NoError(t, hub.SendStatus(ctx, 1, schema.ChatStatusCompleted))

	got := receive(t, ch)
	assert.Equal(t, schema.ChatStatusCompleted, got.Status)
	assertEmpty(t, ch)
}

func TestPendingQueueFlushedInOrder(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	assert.False(t, hub.HasActiveConnection(7))
	require.NoError(t, hub.SendMessage(ctx, 7, schema.RoleAssistant, "first", "Bot"))
	require.NoError(t, hub.SendStatus(ctx, 7, schema.ChatStatusWaitingUserInput))
	require.NoError(t, hub.SendMessage(ctx, 7, schema.RoleAssistant, "third", "Bot"))
	assert.Equal(t, 3, hub.PendingCount(7))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: 7})
	require.NoError(t, err)
	defer cancel()
	assert.True(t, hub.HasActiveConnection(7))
	assert.Equal(t, 0, hub.PendingCount(7))

	assert.Equal(t, "first", receive(t, ch).Content)
	assert.Equal(t, schema.ChatStatusWaitingUserInput, receive(t, ch).Status)
	assert.Equal(t, "third", receive(t, ch).Content)

	require.NoError(t, hub.SendMessage(ctx, 7, schema.RoleAssistant, "live", "Bot"))
	assert.Equal(t, "live", receive(t, ch).Content)
	assert.Equal(t, 0, hub.PendingCount(7))
}

func TestPendingQueueBounded(t *testing.T) {
	hub := NewMemoryHubWithLimit(3)
	ctx := context.Background()
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, hub.SendMessage(ctx, 1, schema.RoleAssistant, c, "Bot"))
	}
	assert.Equal(t, 3, hub.PendingCount(1))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: 1})
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, "c", receive(t, ch).Content, "oldest events are dropped first")
	assert.Equal(t, "d", receive(t, ch).Content)
	assert.Equal(t, "e", receive(t, ch).Content)
}

func TestWildcardSubscriberDoesNotDrainQueue(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.SendMessage(ctx, 4, schema.RoleAssistant, "hi", "Bot"))
	assert.Equal(t, "hi", receive(t, all).Content)
	assert.False(t, hub.HasActiveConnection(4))
	assert.Equal(t, 1, hub.PendingCount(4))

	hub.DropPending(4)
	assert.Equal(t, 0, hub.PendingCount(4))
}

func TestTerminalStatusReleasesQueue(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for id := int64(1); id <= 1000; id++ {
		require.NoError(t, hub.SendMessage(ctx, id, schema.RoleAssistant, "bye", "Bot"))
		status := schema.ChatStatusCompleted
		if id%2 == 0 {
			status = schema.ChatStatusFailed
		}
		require.NoError(t, hub.SendStatus(ctx, id, status))
	}
	assert.Zero(t, hub.PendingInstances(), "finished runs keep no queued events")
	assert.Equal(t, "bye", receive(t, all).Content, "wildcard subscribers still see the events")

	require.NoError(t, hub.SendStatus(ctx, 2000, schema.ChatStatusWaitingUserInput))
	assert.Equal(t, 1, hub.PendingCount(2000), "non-terminal status stays queued")
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{InstanceID: 1})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{InstanceID: 1})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.SendStatus(ctx, 1, schema.ChatStatusRunning))

	for _, ch := range []<-chan schema.ChatEvent{ch1, ch2} {
		assert.Equal(t, schema.ChatStatusRunning, receive(t, ch).Status)
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: 1})
	require.NoError(t, err)
	cancel()
	cancel()

	assert.False(t, hub.HasActiveConnection(1))
	require.NoError(t, hub.SendStatus(ctx, 1, schema.ChatStatusRunning))
	assertEmpty(t, ch)
	assert.Equal(t, 1, hub.PendingCount(1))
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		_, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: int64(i % 3)})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.SendMessage(ctx, int64(i%5), schema.RoleAssistant, "tick", "Bot")
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: int64(i%5 + 1)})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}(i)
	}

	wg.Wait()
	for id := int64(0); id < 5; id++ {
		assert.LessOrEqual(t, hub.PendingCount(id), DefaultPendingLimit)
	}
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, schema.ChatEvent{InstanceID: 1, Type: schema.EventStatus})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
