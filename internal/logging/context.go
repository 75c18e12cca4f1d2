package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	nodeKeyKey
	requestIDKey
)

// WithInstanceID returns a context with the run instance ID set.
func WithInstanceID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithNodeKey returns a context with the executing node key set.
func WithNodeKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, nodeKeyKey, key)
}

// WithRequestID returns a context with the inbound request ID set.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// InstanceID extracts the instance ID from the context, or 0 if absent.
func InstanceID(ctx context.Context) int64 {
	v, _ := ctx.Value(instanceIDKey).(int64)
	return v
}

// NodeKey extracts the node key from the context, or "" if absent.
func NodeKey(ctx context.Context) string {
	v, _ := ctx.Value(nodeKeyKey).(string)
	return v
}

// RequestID extracts the request ID from the context, or "" if absent.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// attrs returns the correlation attributes present in ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if id := InstanceID(ctx); id != 0 {
		out = append(out, slog.Int64("instance_id", id))
	}
	if key := NodeKey(ctx); key != "" {
		out = append(out, slog.String("node_key", key))
	}
	if id := RequestID(ctx); id != "" {
		out = append(out, slog.String("request_id", id))
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown names map
// to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a correlation-aware logger writing text or JSON records to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
