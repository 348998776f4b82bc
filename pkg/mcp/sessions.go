package mcp

import "sync"

// SessionRegistry maps validation session IDs to the MCP client session that
// started them. Populated when a client calls verdict.session with action
// "start".
type SessionRegistry struct {
	mu      sync.RWMutex
	clients map[string]string // validation session ID → MCP session ID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{clients: make(map[string]string)}
}

// Register associates a validation session with an MCP client session.
func (r *SessionRegistry) Register(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sessionID] = clientID
}

// SessionFor returns the MCP client session that owns sessionID, if connected.
func (r *SessionRegistry) SessionFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.clients[sessionID]
	return cid, ok
}

// Forget drops the mapping for one validation session.
func (r *SessionRegistry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sessionID)
}

// Remove deletes every mapping owned by the given MCP client session.
// Called when the client disconnects.
func (r *SessionRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, cid := range r.clients {
		if cid == clientID {
			delete(r.clients, sid)
		}
	}
}

// Len returns the number of tracked validation sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
