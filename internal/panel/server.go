// Package panel serves the HTTP surface of the engine: a JSON management
// API plus SSE and WebSocket chat streams for run instances.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rendis/flowchat/internal/engine"
	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/internal/store"
	"github.com/rendis/flowchat/internal/streaming"
	"github.com/rendis/flowchat/pkg/schema"
)

// Engine is the subset of *engine.Engine the panel drives.
type Engine interface {
	DefineWorkflow(ctx context.Context, raw []byte) (*schema.Definition, *schema.ValidationResult, error)
	GetDefinition(ctx context.Context, id int64) (*schema.Definition, error)
	ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.Definition, error)
	DeleteDefinition(ctx context.Context, id int64) error
	StartRun(ctx context.Context, definitionID int64, input map[string]any) (*schema.RunInstance, error)
	GetInstance(ctx context.Context, id int64) (*schema.RunInstance, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.RunInstance, error)
	ListExecutionLogs(ctx context.Context, instanceID int64) ([]*schema.ExecutionLogEntry, error)
	SubmitUserInput(ctx context.Context, instanceID int64, text string) bool
	Waiting(instanceID int64) bool
	Metrics() engine.Metrics
}

// StatsSource contributes extra sections to GET /api/metrics.
type StatsSource interface {
	Stats() map[string]any
}

// Deps holds the dependencies for the panel server.
type Deps struct {
	Engine  Engine
	Hub     streaming.EventHub
	Sweeper StatsSource // optional
	Logger  *slog.Logger
}

// Server serves the HTTP API and chat streams.
type Server struct {
	deps     Deps
	jq       *expressions.JQ
	upgrader websocket.Upgrader
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		deps: deps,
		jq:   expressions.NewJQ(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Chat clients are served from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Definitions.
	mux.HandleFunc("POST /api/definitions", s.handleDefine)
	mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)
	mux.HandleFunc("GET /api/definitions/{id}", s.handleGetDefinition)
	mux.HandleFunc("DELETE /api/definitions/{id}", s.handleDeleteDefinition)
	mux.HandleFunc("GET /api/definitions/{id}/diagram", s.handleDiagram)

	// Runs.
	mux.HandleFunc("POST /api/definitions/{id}/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/logs", s.handleListLogs)
	mux.HandleFunc("GET /api/instances/{id}/diagram", s.handleInstanceDiagram)
	mux.HandleFunc("POST /api/instances/{id}/input", s.handleSubmitInput)

	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	// Chat streams.
	mux.HandleFunc("GET /sse/instances/{id}", s.handleSSE)
	mux.HandleFunc("GET /ws/instances/{id}", s.handleWebSocket)

	return s.withRequestID(mux)
}

// withRequestID tags every request with an ID for log correlation.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
