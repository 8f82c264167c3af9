package gateway

import "sync"

// ClientRegistry indexes live connections by id, process-wide across
// all endpoints. All mutation goes through the endpoint lifecycle;
// nothing else adds or removes entries.
type ClientRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{conns: make(map[string]*Conn)}
}

// Add registers a connection.
func (r *ClientRegistry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Remove unregisters a connection by id.
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get returns the connection with the given id.
func (r *ClientRegistry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Range calls fn for every live connection over a snapshot, so fn may
// close connections without deadlocking the registry.
func (r *ClientRegistry) Range(fn func(*Conn)) {
	r.mu.RLock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}
