package mcp

import "sync"

// SessionRegistry maps run instance IDs to the MCP session that started or
// last answered them. Populated when a client calls flowchat.run or
// flowchat.submit_input.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]string // instanceID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[int64]string)}
}

// Register associates an instance with a session ID. A later call for the
// same instance overwrites the mapping (reconnect).
func (r *SessionRegistry) Register(instanceID int64, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[instanceID] = sessionID
}

// SessionFor returns the session ID following the given instance, if any.
func (r *SessionRegistry) SessionFor(instanceID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[instanceID]
	return sid, ok
}

// Forget drops the mapping for one instance.
func (r *SessionRegistry) Forget(instanceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, instanceID)
}

// Remove deletes all instance mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for iid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, iid)
		}
	}
}

// Len returns the number of tracked instances.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
