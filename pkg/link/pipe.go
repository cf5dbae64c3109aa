package link

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/logger"
)

// Pipe errors
var (
	ErrPipeClosed = errors.New("control pipe closed")
	ErrPipeFull   = errors.New("control pipe full")
)

// DefaultPipeDepth is the per-direction queue size used when NewPipe gets
// a non-positive depth.
const DefaultPipeDepth = 32

type pipeFrame struct {
	connID uint16
	data   []byte
}

// Pipe is an in-process LL control link between two controllers. Each
// direction is a queue drained by its own goroutine, so a sender never runs
// the receiver's handler on its own stack.
type Pipe struct {
	log      *logger.Logger
	queues   [2]chan pipeFrame
	mu       sync.RWMutex
	handlers [2]func(connID uint16, pdu []byte)
	done     chan struct{}
	once     sync.Once
}

// PipeEnd is the sending half of one side of a Pipe.
type PipeEnd struct {
	pipe *Pipe
	side int
}

// NewPipe creates a pipe whose directions each hold depth PDUs.
func NewPipe(depth int, log *logger.Logger) *Pipe {
	if depth <= 0 {
		depth = DefaultPipeDepth
	}
	return &Pipe{
		log:    log.WithComponent("link.pipe"),
		queues: [2]chan pipeFrame{make(chan pipeFrame, depth), make(chan pipeFrame, depth)},
		done:   make(chan struct{}),
	}
}

// End returns the sender of side 0 or 1.
func (p *Pipe) End(side int) *PipeEnd {
	return &PipeEnd{pipe: p, side: side & 1}
}

// Attach sets the receiver of side. PDUs sent by the other side are
// passed to h from the pipe's goroutine.
func (p *Pipe) Attach(side int, h func(connID uint16, pdu []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[side&1] = h
}

// SendControl queues a copy of pdu for the other side. It never blocks.
func (e *PipeEnd) SendControl(connID uint16, pdu []byte) error {
	p := e.pipe
	select {
	case <-p.done:
		return ErrPipeClosed
	default:
	}
	f := pipeFrame{connID: connID, data: make([]byte, len(pdu))}
	copy(f.data, pdu)
	select {
	case p.queues[e.side] <- f:
		return nil
	default:
		return errors.Wrapf(ErrPipeFull, "side %d conn %d", e.side, connID)
	}
}

// Run delivers PDUs in both directions until ctx is cancelled.
func (p *Pipe) Run(ctx context.Context) error {
	defer p.once.Do(func() { close(p.done) })

	var wg sync.WaitGroup
	for side := 0; side < 2; side++ {
		wg.Add(1)
		go func(from int) {
			defer wg.Done()
			p.deliverLoop(ctx, from)
		}(side)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pipe) deliverLoop(ctx context.Context, from int) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.queues[from]:
			p.mu.RLock()
			h := p.handlers[1-from]
			p.mu.RUnlock()
			if h == nil {
				p.log.Warn("Dropping control PDU, no receiver",
					logger.Int("from", from),
					logger.Uint16("conn", f.connID))
				continue
			}
			h(f.connID, f.data)
		}
	}
}
