package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowchat/internal/streaming"
	"github.com/rendis/flowchat/pkg/schema"
)

// notificationMethod is the MCP method chat events are pushed under.
const notificationMethod = "notifications/message"

// sender is the part of *server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier pushes chat events of session-owned runs to MCP clients.
type Notifier struct {
	sender   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier that pushes via the given MCP server.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return newNotifier(mcpServer, sessions, logger)
}

func newNotifier(s sender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: s, sessions: sessions, logger: logger}
}

// Forward subscribes to every chat event on hub and relays those belonging
// to a registered instance until ctx is cancelled. The subscription is a
// wildcard one, so it does not count as a live chat connection and queued
// delivery for browser clients is unaffected.
func (n *Notifier) Forward(ctx context.Context, hub streaming.EventHub) {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		n.logger.Warn("mcp event forwarding disabled", slog.String("error", err.Error()))
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := n.Notify(ev); err != nil {
				n.logger.Debug("mcp notification failed",
					slog.Int64("instance_id", ev.InstanceID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Notify sends one event to the session following its instance.
// Best-effort: returns nil if no session follows the instance.
func (n *Notifier) Notify(ev schema.ChatEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.InstanceID)
	if !ok {
		return nil
	}

	payload := map[string]any{
		"level":  "info",
		"logger": "flowchat",
		"data":   ev,
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	if err != nil {
		return err
	}

	if ev.Type == schema.EventStatus && (ev.Status == schema.ChatStatusCompleted || ev.Status == schema.ChatStatusFailed) {
		n.sessions.Forget(ev.InstanceID)
	}
	return nil
}
