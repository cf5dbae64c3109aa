package scheduler

import (
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/rcl"
)

// EventKind selects the handler of an engine event.
type EventKind int

// Engine events. The post-process kinds are produced by the engine itself
// while a subevent is executing.
const (
	EventConnection EventKind = iota
	EventRCLCompletion
	EventStepsPostProcess
	EventSubeventPostProcess
	EventResultsPostProcess
	EventControlPDU
	EventResponseTimeout
	EventPrecalRequest
	EventPrecalPostProcess
	EventCommand
)

func (k EventKind) String() string {
	switch k {
	case EventConnection:
		return "conn_event"
	case EventRCLCompletion:
		return "rcl_completion"
	case EventStepsPostProcess:
		return "steps_post_process"
	case EventSubeventPostProcess:
		return "subevent_post_process"
	case EventResultsPostProcess:
		return "results_post_process"
	case EventControlPDU:
		return "control_pdu"
	case EventResponseTimeout:
		return "response_timeout"
	case EventPrecalRequest:
		return "precal_request"
	case EventPrecalPostProcess:
		return "precal_post_process"
	case EventCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Event is one unit of engine work. Only the fields of its Kind are set.
type Event struct {
	Kind       EventKind
	ConnID     uint16
	Counter    uint16 // EventConnection
	AnchorUs   uint64 // EventConnection
	Completion rcl.Completion
	PDU        []byte
	Procedure  cs.Procedures
	FAETable   csdb.FAETable
	Err        error
	Fn         func()
}
