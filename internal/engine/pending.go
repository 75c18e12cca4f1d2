package engine

import (
	"sync"
	"time"

	"github.com/rendis/flowchat/pkg/schema"
)

// pendingInput is a run suspended on a user_input node.
type pendingInput struct {
	ec   *ExecutionContext
	node *userInputNode
	wait schema.PendingWait
}

// inputRegistry holds suspended runs keyed by instance id. take removes an
// entry atomically, so exactly one of resume, expiry or failure owns it.
type inputRegistry struct {
	mu    sync.Mutex
	waits map[int64]*pendingInput
}

func newInputRegistry() *inputRegistry {
	return &inputRegistry{waits: make(map[int64]*pendingInput)}
}

func (r *inputRegistry) register(p *pendingInput) {
	r.mu.Lock()
	r.waits[p.wait.InstanceID] = p
	r.mu.Unlock()
}

func (r *inputRegistry) take(instanceID int64) (*pendingInput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.waits[instanceID]
	if ok {
		delete(r.waits, instanceID)
	}
	return p, ok
}

// takeExpired removes and returns every entry whose deadline is not after now.
func (r *inputRegistry) takeExpired(now time.Time) []*pendingInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*pendingInput
	for id, p := range r.waits {
		if !p.wait.Deadline.After(now) {
			expired = append(expired, p)
			delete(r.waits, id)
		}
	}
	return expired
}

func (r *inputRegistry) has(instanceID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waits[instanceID]
	return ok
}

func (r *inputRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}
