package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(instanceID int64, from, to schema.RunStatus) error

// StatusNotifier is satisfied by the chat Transport; used by the FSM to
// announce transitions to a connected client.
type StatusNotifier interface {
	SendStatus(ctx context.Context, instanceID int64, status string) error
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run instance lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	notifier StatusNotifier
	logger   *slog.Logger
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that announces chat statuses via notifier.
func NewRunFSM(notifier StatusNotifier, logger *slog.Logger) *RunFSM {
	if notifier == nil {
		notifier = nopTransport{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunFSM{
		notifier: notifier,
		logger:   logger,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition. A hook error
// aborts the transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition and announces
// the new chat status. The caller persists the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, instanceID int64, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(instanceID, from, to); err != nil {
			return err
		}
	}

	if status := chatStatus(to); status != "" {
		if err := f.notifier.SendStatus(ctx, instanceID, status); err != nil {
			logging.LogWith(ctx, f.logger).Warn("status notification failed",
				slog.String("status", status), slog.String("error", err.Error()))
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(instanceID, from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

func chatStatus(to schema.RunStatus) string {
	switch to {
	case schema.RunRunning:
		return schema.ChatStatusRunning
	case schema.RunWaiting:
		return schema.ChatStatusWaitingUserInput
	case schema.RunCompleted:
		return schema.ChatStatusCompleted
	case schema.RunFailed:
		return schema.ChatStatusFailed
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed state transitions for run instances.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunPending:   {schema.RunRunning, schema.RunFailed},
	schema.RunRunning:   {schema.RunWaiting, schema.RunCompleted, schema.RunFailed},
	schema.RunWaiting:   {schema.RunRunning, schema.RunFailed},
	schema.RunCompleted: {},
	schema.RunFailed:    {},
}
