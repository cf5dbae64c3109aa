package testhelpers

import (
	"sync"

	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/rcl"
)

// ScriptedRadio is an rcl.Driver whose completions are released by the
// test. Results carry zero-filled step data of the right size.
type ScriptedRadio struct {
	mu       sync.Mutex
	handler  rcl.Handler
	commands []rcl.Command
	pending  []rcl.Command
	stops    []uint16

	// SubmitErr is returned by every Submit while set
	SubmitErr error
	// Table is returned by Precalibrate
	Table     csdb.FAETable
	PrecalErr error
	Precals   int
}

// NewScriptedRadio creates an idle radio
func NewScriptedRadio() *ScriptedRadio {
	return &ScriptedRadio{}
}

// SetHandler installs the completion callback
func (r *ScriptedRadio) SetHandler(h rcl.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Submit records cmd and holds it until CompleteNext or FailNext
func (r *ScriptedRadio) Submit(cmd rcl.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SubmitErr != nil {
		return r.SubmitErr
	}
	r.commands = append(r.commands, cmd)
	r.pending = append(r.pending, cmd)
	return nil
}

// Stop completes every held command of connID with Stopped. The handler
// runs before Stop returns.
func (r *ScriptedRadio) Stop(connID uint16) {
	r.mu.Lock()
	r.stops = append(r.stops, connID)
	var stopped []rcl.Command
	kept := r.pending[:0]
	for _, c := range r.pending {
		if c.ConnID == connID {
			stopped = append(stopped, c)
		} else {
			kept = append(kept, c)
		}
	}
	r.pending = kept
	h := r.handler
	r.mu.Unlock()

	for _, c := range stopped {
		if h != nil {
			h(rcl.Completion{ConnID: c.ConnID, Status: rcl.Stopped})
		}
	}
}

// Precalibrate returns Table or PrecalErr
func (r *ScriptedRadio) Precalibrate() (csdb.FAETable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Precals++
	return r.Table, r.PrecalErr
}

// Commands returns every accepted command
func (r *ScriptedRadio) Commands() []rcl.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rcl.Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// Stops returns the connections Stop was called for
func (r *ScriptedRadio) Stops() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint16(nil), r.stops...)
}

// Pending returns the number of held commands
func (r *ScriptedRadio) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *ScriptedRadio) pop() (rcl.Command, rcl.Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return rcl.Command{}, nil, false
	}
	c := r.pending[0]
	r.pending = r.pending[1:]
	return c, r.handler, true
}

// CompleteNext finishes the oldest held command. It reports false when
// nothing was held.
func (r *ScriptedRadio) CompleteNext() bool {
	c, h, ok := r.pop()
	if !ok {
		return false
	}
	if h != nil {
		h(rcl.Completion{
			ConnID:  c.ConnID,
			Status:  rcl.Finished,
			EndUs:   c.StartUs + uint64(c.Duration()),
			Results: StepResults(c),
		})
	}
	return true
}

// FailNext fails the oldest held command with err
func (r *ScriptedRadio) FailNext(err error) bool {
	c, h, ok := r.pop()
	if !ok {
		return false
	}
	if h != nil {
		h(rcl.Completion{ConnID: c.ConnID, Status: rcl.Failed, Err: err})
	}
	return true
}

// CompleteAll finishes held commands, including those submitted in
// response, until none is left. It returns how many were finished.
func (r *ScriptedRadio) CompleteAll() int {
	n := 0
	for r.CompleteNext() {
		n++
	}
	return n
}

// StepResults builds zero-filled results for every step of c
func StepResults(c rcl.Command) []protocol.StepResult {
	nap := c.NumPaths()
	out := make([]protocol.StepResult, 0, len(c.Steps))
	for _, s := range c.Steps {
		n, err := protocol.StepDataLen(s.Mode, c.Role, nap)
		if err != nil {
			n = 0
		}
		out = append(out, protocol.StepResult{Mode: s.Mode, Channel: s.Channel, Data: make([]byte, n)})
	}
	return out
}
