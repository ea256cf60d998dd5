package core

import "sync"

// Registry is the set of live connections. Removal is the single point that
// decides which caller gets to tear a connection down.
type Registry struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewRegistry creates a registry sized for capacity connections.
func NewRegistry(capacity int) *Registry {
	return &Registry{conns: make(map[*Connection]struct{}, capacity)}
}

// Add registers c.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

// Remove unregisters c and reports whether it was present.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	return true
}

// Contains reports whether c is registered.
func (r *Registry) Contains(c *Connection) bool {
	r.mu.Lock()
	_, ok := r.conns[c]
	r.mu.Unlock()
	return ok
}

// Snapshot appends the registered connections to dst.
func (r *Registry) Snapshot(dst []*Connection) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		dst = append(dst, c)
	}
	return dst
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
