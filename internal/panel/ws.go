package panel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/internal/streaming"
	"github.com/rendis/flowchat/pkg/schema"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 64 << 10
)

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleWebSocket is the bidirectional chat endpoint of one instance.
// Outbound frames are chat events; inbound {type:"user_input"} frames are
// handed to the waiting run and acknowledged.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if _, err := s.deps.Engine.GetInstance(r.Context(), id); err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.deps.Logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(logging.WithInstanceID(context.Background(), id))
	defer cancel()
	log := logging.LogWith(ctx, s.deps.Logger)

	events, unsubscribe, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{InstanceID: id})
	if err != nil {
		log.Error("websocket subscribe failed", slog.String("error", err.Error()))
		return
	}
	defer unsubscribe()
	log.Info("chat client connected")

	go s.wsWritePump(ctx, cancel, conn, events)
	s.wsReadPump(ctx, conn, id)

	log.Info("chat client disconnected")
}

// wsWritePump forwards hub events and keeps the connection alive.
func (s *Server) wsWritePump(ctx context.Context, cancel context.CancelFunc, conn *wsConn, events <-chan schema.ChatEvent) {
	defer cancel()
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.send(event); err != nil {
				return
			}
		}
	}
}

// wsReadPump handles inbound frames until the client goes away.
func (s *Server) wsReadPump(ctx context.Context, conn *wsConn, id int64) {
	log := logging.LogWith(ctx, s.deps.Logger)
	raw := conn.conn
	raw.SetReadLimit(wsMaxMessage)
	raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Closing the connection unblocks ReadJSON once the write side gives up.
	go func() {
		<-ctx.Done()
		raw.Close()
	}()

	for {
		var frame schema.InboundFrame
		if err := raw.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsPongWait))

		var ack schema.InputAck
		switch frame.Type {
		case schema.FrameUserInput:
			ack = schema.InputAck{Type: schema.FrameUserInput, Accepted: s.deps.Engine.SubmitUserInput(ctx, id, frame.Content)}
			if !ack.Accepted {
				ack.Error = "instance is not waiting for input"
			}
		case schema.FramePing:
			ack = schema.InputAck{Type: "pong", Accepted: true}
		default:
			ack = schema.InputAck{Type: frame.Type, Error: "unsupported frame type"}
		}
		if err := conn.send(ack); err != nil {
			return
		}
	}
}
