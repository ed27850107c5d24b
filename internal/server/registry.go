package server

import "slices"

// Registry owns the live connections, keyed by id and iterated in insertion
// order. It is confined to the reactor goroutine and needs no locking.
type Registry struct {
	conns map[ConnID]*Connection
	order []*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnID]*Connection)}
}

// Add registers c. It fails with ErrDuplicateID if the id is already present.
func (r *Registry) Add(c *Connection) error {
	if _, exists := r.conns[c.id]; exists {
		return ErrDuplicateID
	}
	r.conns[c.id] = c
	r.order = append(r.order, c)
	return nil
}

// Remove unregisters the connection with the given id.
func (r *Registry) Remove(id ConnID) (*Connection, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	r.order = slices.DeleteFunc(r.order, func(other *Connection) bool { return other == c })
	return c, true
}

// Get looks up a connection by id.
func (r *Registry) Get(id ConnID) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int { return len(r.conns) }

// Each calls fn for every connection in insertion order until fn returns false.
// fn must not add or remove connections.
func (r *Registry) Each(fn func(c *Connection) bool) {
	for _, c := range r.order {
		if !fn(c) {
			return
		}
	}
}

// Snapshot returns the registered connections in insertion order.
func (r *Registry) Snapshot() []*Connection {
	return slices.Clone(r.order)
}
