package metrics

import (
	"sync"

	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// Collector collects Channel Sounding metrics. It is a scheduler.Observer.
type Collector struct {
	mu sync.RWMutex

	// Connection metrics
	totalConnections  uint64
	activeConnections map[uint16]bool

	// Control link metrics
	pdusSent     uint64
	pdusReceived uint64
	pduErrors    uint64

	// Procedure metrics
	activeProcedures    map[uint16]bool
	proceduresStarted   uint64
	proceduresCompleted uint64
	proceduresAborted   uint64
	subevents           uint64
	subeventsAborted    uint64
	stepsByMode         [4]uint64

	// Radio metrics
	buffersSubmitted uint64
	stepsSubmitted   uint64
	faeUpdates       uint64
	drbgSources      []func() uint64
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		activeConnections: make(map[uint16]bool),
		activeProcedures:  make(map[uint16]bool),
	}
}

// ConnectionOpened records a connection known to the engine
func (c *Collector) ConnectionOpened(connID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalConnections++
	c.activeConnections[connID] = true
}

// ConnectionClosed records a disconnection
func (c *Collector) ConnectionClosed(connID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.activeConnections, connID)
	delete(c.activeProcedures, connID)
}

// PDUSent records an outgoing control PDU
func (c *Collector) PDUSent(opcode byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pdusSent++
}

// PDUReceived records an incoming control PDU
func (c *Collector) PDUReceived(opcode byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pdusReceived++
}

// PDUFailed records a control PDU the link refused
func (c *Collector) PDUFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pduErrors++
}

// ProcedureStarted implements scheduler.Observer
func (c *Collector) ProcedureStarted(connID uint16, configID uint8, counter uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.proceduresStarted++
	c.activeProcedures[connID] = true
}

// BufferSubmitted implements scheduler.Observer
func (c *Collector) BufferSubmitted(connID uint16, steps int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffersSubmitted++
	c.stepsSubmitted += uint64(steps)
}

// SubeventCompleted implements scheduler.Observer
func (c *Collector) SubeventCompleted(s scheduler.SubeventSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subevents++
	if s.SubeventDone == cs.SubeventAborted {
		c.subeventsAborted++
	}
	for _, st := range s.Steps {
		if int(st.Mode) < len(c.stepsByMode) {
			c.stepsByMode[st.Mode]++
		}
	}
}

// ProcedureEnded implements scheduler.Observer
func (c *Collector) ProcedureEnded(s scheduler.ProcedureSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.activeProcedures, s.ConnID)
	if s.DoneStatus == cs.ProcedureAborted {
		c.proceduresAborted++
	} else {
		c.proceduresCompleted++
	}
}

// FAETableUpdated implements scheduler.Observer
func (c *Collector) FAETableUpdated(csdb.FAETable) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.faeUpdates++
}

// TrackDRBG adds a DRBG refill counter, such as csdb.DB.DRBGRefills, to
// the reported total. src must be safe to call from any goroutine.
func (c *Collector) TrackDRBG(src func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drbgSources = append(c.drbgSources, src)
}

// Reset resets all gauges (useful for testing)
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeConnections = make(map[uint16]bool)
	c.activeProcedures = make(map[uint16]bool)
	// Note: cumulative counters are kept
}

// Getters for metrics

// GetTotalConnections returns total connections seen
func (c *Collector) GetTotalConnections() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalConnections
}

// GetActiveConnections returns the number of open connections
func (c *Collector) GetActiveConnections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.activeConnections)
}

// GetPDUsSent returns total control PDUs sent
func (c *Collector) GetPDUsSent() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pdusSent
}

// GetPDUsReceived returns total control PDUs received
func (c *Collector) GetPDUsReceived() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pdusReceived
}

// GetPDUErrors returns total control PDUs the link refused
func (c *Collector) GetPDUErrors() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pduErrors
}

// GetActiveProcedures returns the number of connections inside a procedure
func (c *Collector) GetActiveProcedures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.activeProcedures)
}

// GetProceduresStarted returns total procedures started
func (c *Collector) GetProceduresStarted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proceduresStarted
}

// GetProceduresCompleted returns total procedures that finished normally
func (c *Collector) GetProceduresCompleted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proceduresCompleted
}

// GetProceduresAborted returns total aborted procedures
func (c *Collector) GetProceduresAborted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proceduresAborted
}

// GetSubevents returns total reported subevents
func (c *Collector) GetSubevents() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subevents
}

// GetSubeventsAborted returns total aborted subevents
func (c *Collector) GetSubeventsAborted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subeventsAborted
}

// GetSteps returns total reported steps of mode
func (c *Collector) GetSteps(mode uint8) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(mode) >= len(c.stepsByMode) {
		return 0
	}
	return c.stepsByMode[mode]
}

// GetBuffersSubmitted returns total step buffers handed to the radio
func (c *Collector) GetBuffersSubmitted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buffersSubmitted
}

// GetStepsSubmitted returns total steps handed to the radio
func (c *Collector) GetStepsSubmitted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stepsSubmitted
}

// GetFAEUpdates returns how often the local FAE table was measured
func (c *Collector) GetFAEUpdates() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.faeUpdates
}

// GetDRBGRefills returns the summed refills of every tracked database
func (c *Collector) GetDRBGRefills() uint64 {
	c.mu.RLock()
	srcs := c.drbgSources
	c.mu.RUnlock()
	var n uint64
	for _, src := range srcs {
		n += src()
	}
	return n
}
