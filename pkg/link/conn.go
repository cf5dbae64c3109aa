// Package link tracks the ACL connections CS runs on. The CS engine only
// reads this state: connection interval, event counter, anchor time and
// link role.
package link

import (
	"sync"
	"time"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

// State is the state of an ACL connection.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateEncrypted
)

// String returns the string representation of the connection state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Conn is one ACL connection.
type Conn struct {
	Handle   uint16
	Role     uint8  // cs.LinkCentral or cs.LinkPeripheral
	Interval uint16 // 1.25 ms units

	state        State
	eventCounter uint16
	anchorUs     uint64
	sessionKey   [16]byte
	connectedAt  time.Time
	lastEvent    time.Time

	mu sync.RWMutex
}

// Info is a point-in-time copy of a connection's state.
type Info struct {
	Handle       uint16    `json:"handle"`
	Role         string    `json:"role"`
	Interval     uint16    `json:"interval"`
	State        string    `json:"state"`
	EventCounter uint16    `json:"event_counter"`
	AnchorUs     uint64    `json:"anchor_us"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastEvent    time.Time `json:"last_event"`
}

// NewConn creates a connected link.
func NewConn(handle uint16, role uint8, interval uint16) *Conn {
	return &Conn{
		Handle:      handle,
		Role:        role,
		Interval:    interval,
		state:       StateConnected,
		connectedAt: time.Now(),
	}
}

// IntervalUs returns the connection interval in µs.
func (c *Conn) IntervalUs() uint32 {
	return uint32(c.Interval) * cs.ConnIntervalUnit
}

// SetState updates the connection state
func (c *Conn) SetState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// GetState returns the connection state
func (c *Conn) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Encrypt stores the link session key and marks the link encrypted.
func (c *Conn) Encrypt(key [16]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionKey = key
	c.state = StateEncrypted
}

// SessionKey returns the key and whether the link is encrypted.
func (c *Conn) SessionKey() ([16]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionKey, c.state == StateEncrypted
}

// Advance records a connection event.
func (c *Conn) Advance(counter uint16, anchorUs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventCounter = counter
	c.anchorUs = anchorUs
	c.lastEvent = time.Now()
}

// Event returns the last connection event counter and its anchor.
func (c *Conn) Event() (uint16, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventCounter, c.anchorUs
}

// NextEvent returns the counter and anchor of the connection event n
// intervals after the last one.
func (c *Conn) NextEvent(n uint16) (uint16, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventCounter + n, c.anchorUs + uint64(n)*uint64(c.IntervalUs())
}

// Snapshot returns a copy of the connection state.
func (c *Conn) Snapshot() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	role := "central"
	if c.Role == cs.LinkPeripheral {
		role = "peripheral"
	}
	return Info{
		Handle:       c.Handle,
		Role:         role,
		Interval:     c.Interval,
		State:        c.state.String(),
		EventCounter: c.eventCounter,
		AnchorUs:     c.anchorUs,
		ConnectedAt:  c.connectedAt,
		LastEvent:    c.lastEvent,
	}
}

// IsStale reports whether no connection event was seen within timeout.
func (c *Conn) IsStale(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last := c.lastEvent
	if last.IsZero() {
		last = c.connectedAt
	}
	return time.Since(last) > timeout
}
