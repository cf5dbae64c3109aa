package scheduler

import (
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/logger"
)

// RequestPrecalibration measures the local FAE table. While a step buffer
// is on the radio the measurement waits for the current procedure to end.
func (e *Engine) RequestPrecalibration() {
	e.Dispatch(Event{Kind: EventPrecalRequest})
}

func (e *Engine) precalRequest() {
	for connID, r := range e.ranging {
		if r.inFlight || e.inProcedure(connID) {
			e.precalPending = true
			e.log.Debug("Precalibration deferred", logger.Uint16("conn", connID))
			return
		}
	}
	e.precalPending = false
	table, err := e.radio.Precalibrate()
	e.enqueue(Event{Kind: EventPrecalPostProcess, FAETable: table, Err: err})
}

func (e *Engine) precalPostProcess(table csdb.FAETable, err error) {
	if err != nil {
		e.log.Error("Precalibration failed", logger.Error(err))
		return
	}
	e.db.SetLocalFAETable(table)
	e.obs.FAETableUpdated(table)
	e.log.Info("Local FAE table updated")
}
