// Package rcl defines the boundary between the CS engine and the radio
// command layer. The engine hands the radio a buffer of planned steps;
// the radio reports back asynchronously with one Completion per buffer.
package rcl

import (
	"fmt"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/protocol"
)

// StepCommand is one step of a step buffer with everything the radio needs
// to execute it.
type StepCommand struct {
	csdb.Step
	Antennas       []uint8 // local antenna per path, extension slot last
	AccessAddrInit uint32
	AccessAddrRefl uint32
}

// Command is a CS step buffer submission.
type Command struct {
	ConnID         uint16
	ConfigID       uint8
	Role           uint8
	ACI            antenna.ACI
	Phy            uint8
	RTTType        uint8
	Timing         cs.StepTiming
	AntennaMapping uint8
	SyncAntenna    uint8
	PayloadPattern uint8
	StartUs        uint64 // subevent anchor
	SubeventLen    uint32 // µs
	FirstBuffer    bool   // opens a new subevent
	LastBuffer     bool   // closes the subevent
	Steps          []StepCommand
}

// NumPaths returns the antenna path count of the command's ACI.
func (c *Command) NumPaths() uint8 { return antenna.NumPaths(c.ACI) }

// Duration returns the air time of the buffered steps in µs.
func (c *Command) Duration() uint32 {
	var total uint32
	for _, s := range c.Steps {
		total += c.Timing.StepDuration(s.Mode)
	}
	return total
}

// CompletionStatus says how a submitted buffer ended.
type CompletionStatus uint8

const (
	Finished CompletionStatus = iota
	Failed
	Stopped
)

func (s CompletionStatus) String() string {
	switch s {
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Completion is the radio's answer to one Command.
type Completion struct {
	ConnID  uint16
	Status  CompletionStatus
	Err     error
	EndUs   uint64
	Results []protocol.StepResult
}

// Handler receives completions. Drivers may call it from any goroutine.
type Handler func(Completion)

// Driver is the radio command layer.
type Driver interface {
	// SetHandler installs the completion callback.
	SetHandler(h Handler)
	// Submit queues a step buffer. A nil error means exactly one
	// Completion will follow.
	Submit(cmd Command) error
	// Stop abandons buffers queued for connID. Each one completes with
	// Stopped.
	Stop(connID uint16)
	// Precalibrate measures the local FAE table.
	Precalibrate() (csdb.FAETable, error)
}
