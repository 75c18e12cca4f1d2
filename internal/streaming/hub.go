package streaming

import (
	"context"

	"github.com/rendis/flowchat/pkg/schema"
)

// EventFilter specifies which chat events a subscriber wants to receive.
// A zero InstanceID matches every instance; such wildcard subscribers do not
// count as a client connection and never drain pending queues.
type EventFilter struct {
	InstanceID int64    `json:"instance_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for chat events of running instances.
type EventHub interface {
	Publish(ctx context.Context, event schema.ChatEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ChatEvent, func(), error)
}
