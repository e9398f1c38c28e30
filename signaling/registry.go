package signaling

import "sync"

// Registry tracks every live connection and the session it last joined.
// It never rejects input; registering is infallible and unregistering is
// idempotent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	conn      outbound
	sessionID string
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register starts tracking a connection.
func (r *Registry) Register(conn outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[conn.ID()] = &registryEntry{conn: conn}
}

// Unregister stops tracking a connection and reports whether it was present.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[connID]; !ok {
		return false
	}
	delete(r.entries, connID)
	return true
}

// SetSession records the session a connection last joined.
func (r *Registry) SetSession(connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[connID]; ok {
		entry.sessionID = sessionID
	}
}

// Lookup returns the connection and the session it last joined.
func (r *Registry) Lookup(connID string) (outbound, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[connID]
	if !ok {
		return nil, "", false
	}
	return entry.conn, entry.sessionID, true
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
