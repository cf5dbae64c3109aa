package link

import (
	"sort"
	"sync"
	"time"
)

// ConnTable holds every live connection, keyed by handle.
type ConnTable struct {
	conns map[uint16]*Conn
	mu    sync.RWMutex
}

// NewConnTable creates an empty table
func NewConnTable() *ConnTable {
	return &ConnTable{
		conns: make(map[uint16]*Conn),
	}
}

// Add registers a connection, replacing the parameters of an existing one
// with the same handle.
func (t *ConnTable) Add(handle uint16, role uint8, interval uint16) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, exists := t.conns[handle]; exists {
		c.mu.Lock()
		c.Role = role
		c.Interval = interval
		c.mu.Unlock()
		return c
	}

	c := NewConn(handle, role, interval)
	t.conns[handle] = c
	return c
}

// Get returns the connection with the given handle, or nil.
func (t *ConnTable) Get(handle uint16) *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[handle]
}

// Remove drops a connection
func (t *ConnTable) Remove(handle uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[handle]; ok {
		c.SetState(StateDisconnected)
		delete(t.conns, handle)
	}
}

// All returns every connection ordered by handle
func (t *ConnTable) All() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Handle < conns[j].Handle })
	return conns
}

// Count returns the number of live connections
func (t *ConnTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// RemoveStale drops connections that saw no connection event within
// timeout and returns their handles.
func (t *ConnTable) RemoveStale(timeout time.Duration) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []uint16
	for handle, c := range t.conns {
		if c.IsStale(timeout) {
			c.SetState(StateDisconnected)
			delete(t.conns, handle)
			removed = append(removed, handle)
		}
	}
	return removed
}
