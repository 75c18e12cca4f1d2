package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowchat/pkg/schema"
)

// ChatCompleter is the chat-completion collaborator. messages is either a
// single user turn or an assembled history ending with the current turn.
// plugins is the node's opaque plugin configuration, forwarded as is.
type ChatCompleter interface {
	Complete(ctx context.Context, systemPrompt string, messages []schema.ChatMessage, plugins json.RawMessage) (string, error)
}

// Transport pushes chat events to the client attached to a run instance.
// Delivery is best-effort: the engine logs send errors and carries on.
type Transport interface {
	SendMessage(ctx context.Context, instanceID int64, role, content, nickname string) error
	SendStatus(ctx context.Context, instanceID int64, status string) error
	HasActiveConnection(instanceID int64) bool
}

// nopTransport discards every event. Used when no transport is configured.
type nopTransport struct{}

func (nopTransport) SendMessage(context.Context, int64, string, string, string) error { return nil }
func (nopTransport) SendStatus(context.Context, int64, string) error                   { return nil }
func (nopTransport) HasActiveConnection(int64) bool                                    { return false }
