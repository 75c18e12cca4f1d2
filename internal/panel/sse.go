package panel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/internal/streaming"
)

// sseKeepAlive is the interval between comment frames on an idle stream.
const sseKeepAlive = 15 * time.Second

// handleSSE streams the chat events of one instance via Server-Sent Events.
// Events queued while no client was connected are delivered first.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}
	if _, err := s.deps.Engine.GetInstance(r.Context(), id); err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := logging.WithInstanceID(r.Context(), id)
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{InstanceID: id})
	if err != nil {
		logging.LogWith(ctx, s.deps.Logger).Error("SSE subscribe failed", slog.String("error", err.Error()))
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		}
	}
}
