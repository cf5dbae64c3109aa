package testhelpers

import (
	"sync"

	"github.com/pkg/errors"
)

// MockPDU is a control PDU carried by a Loopback
type MockPDU struct {
	From   int
	ConnID uint16
	Data   []byte
}

// Loopback is an in-memory LL control link between two controllers. PDUs
// are queued on send and delivered by Pump, so an engine never re-enters
// itself through its peer.
type Loopback struct {
	mu       sync.Mutex
	handlers [2]func(connID uint16, pdu []byte)
	queue    []MockPDU
	sent     []MockPDU
	down     bool
	sendErr  error
}

// LoopbackEnd is one side of a Loopback
type LoopbackEnd struct {
	link *Loopback
	side int
}

// NewLoopback creates an empty link
func NewLoopback() *Loopback {
	return &Loopback{}
}

// End returns the sender of side 0 or 1
func (l *Loopback) End(side int) *LoopbackEnd {
	return &LoopbackEnd{link: l, side: side}
}

// Attach sets the receiver of side
func (l *Loopback) Attach(side int, h func(connID uint16, pdu []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[side] = h
}

// SetDown makes the link drop every PDU until it is brought up again
func (l *Loopback) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
}

// FailSends makes every SendControl return err until it is called with nil
func (l *Loopback) FailSends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// SendControl queues a PDU for the other side
func (e *LoopbackEnd) SendControl(connID uint16, pdu []byte) error {
	l := e.link
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}

	p := MockPDU{
		From:   e.side,
		ConnID: connID,
		Data:   make([]byte, len(pdu)),
	}
	copy(p.Data, pdu)
	l.sent = append(l.sent, p)
	if l.down {
		return nil
	}
	l.queue = append(l.queue, p)
	return nil
}

// Pump delivers queued PDUs, including those sent while delivering, and
// returns how many were delivered
func (l *Loopback) Pump() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		p := l.queue[0]
		l.queue = l.queue[1:]
		h := l.handlers[1-p.From]
		l.mu.Unlock()

		if h != nil {
			h(p.ConnID, p.Data)
		}
		n++
	}
}

// Sent returns every PDU sent so far, delivered or not
func (l *Loopback) Sent() []MockPDU {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]MockPDU, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentBy returns the opcodes sent from side
func (l *Loopback) SentBy(side int) []byte {
	var ops []byte
	for _, p := range l.Sent() {
		if p.From == side && len(p.Data) > 0 {
			ops = append(ops, p.Data[0])
		}
	}
	return ops
}

// Pending returns the number of undelivered PDUs
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// ErrLinkClosed is returned by a ClosedLink
var ErrLinkClosed = errors.New("control link closed")

// ClosedLink is a ControlSender that always fails
type ClosedLink struct{}

// SendControl always returns ErrLinkClosed
func (ClosedLink) SendControl(uint16, []byte) error { return ErrLinkClosed }
