package scheduler

import (
	"time"

	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/protocol"
)

// SubeventSummary describes one reported subevent.
type SubeventSummary struct {
	ConnID           uint16                `json:"conn_id"`
	ConfigID         uint8                 `json:"config_id"`
	ProcedureCounter uint16                `json:"procedure_counter"`
	Event            uint16                `json:"event"`
	Subevent         uint8                 `json:"subevent"`
	ProcedureDone    uint8                 `json:"procedure_done"`
	SubeventDone     uint8                 `json:"subevent_done"`
	AbortReason      uint8                 `json:"abort_reason"`
	NumAntennaPaths  uint8                 `json:"num_antenna_paths"`
	Steps            []protocol.StepResult `json:"steps"`
}

// ProcedureSummary describes one finished or aborted procedure.
type ProcedureSummary struct {
	ConnID           uint16
	ConfigID         uint8
	ProcedureCounter uint16
	DoneStatus       uint8
	AbortReason      uint8
	Subevents        int
	Steps            int
	StepsByMode      [4]int
	StartedAt        time.Time
	EndedAt          time.Time
}

// Observer is told about ranging activity. Callbacks run on the engine
// goroutine and must not block.
type Observer interface {
	ProcedureStarted(connID uint16, configID uint8, counter uint16)
	BufferSubmitted(connID uint16, steps int)
	SubeventCompleted(s SubeventSummary)
	ProcedureEnded(s ProcedureSummary)
	FAETableUpdated(t csdb.FAETable)
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) ProcedureStarted(uint16, uint8, uint16) {}
func (NopObserver) BufferSubmitted(uint16, int)            {}
func (NopObserver) SubeventCompleted(SubeventSummary)      {}
func (NopObserver) ProcedureEnded(ProcedureSummary)        {}
func (NopObserver) FAETableUpdated(csdb.FAETable)          {}

// Observers fans every callback out in order.
type Observers []Observer

func (o Observers) ProcedureStarted(connID uint16, configID uint8, counter uint16) {
	for _, x := range o {
		x.ProcedureStarted(connID, configID, counter)
	}
}

func (o Observers) BufferSubmitted(connID uint16, steps int) {
	for _, x := range o {
		x.BufferSubmitted(connID, steps)
	}
}

func (o Observers) SubeventCompleted(s SubeventSummary) {
	for _, x := range o {
		x.SubeventCompleted(s)
	}
}

func (o Observers) ProcedureEnded(s ProcedureSummary) {
	for _, x := range o {
		x.ProcedureEnded(s)
	}
}

func (o Observers) FAETableUpdated(t csdb.FAETable) {
	for _, x := range o {
		x.FAETableUpdated(t)
	}
}
