package scheduler

import (
	"time"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/drbg"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/rcl"
)

// freqCompensationUnavailable is reported when the controller did not
// estimate the frequency offset.
const freqCompensationUnavailable int16 = -0x4000

// ranging is the state of an enabled procedure sequence.
type ranging struct {
	configID uint8
	cfg      csdb.Configuration
	enable   csdb.ProcedureEnable
	timing   cs.StepTiming
	nap      uint8
	gen      drbg.Generator
	test     bool

	nextStart     uint16 // ACL event of the next procedure
	started       bool   // the first procedure has begun
	awaitingEvent bool
	nextEvent     uint16 // ACL event of the next CS event
	seInEvent     uint8  // subevents run in the current CS event
	procedureDone bool

	cmds        []rcl.StepCommand
	inFlight    bool
	lastBatch   int
	syncLoop    uint8
	syncAntenna uint8

	startedAt   time.Time
	stepsByMode [4]int
}

// resolveTiming turns the configuration's table indices into the step
// timing both devices use.
func resolveTiming(cfg csdb.Configuration, aci antenna.ACI, local, peer csdb.Capabilities) cs.StepTiming {
	nap := antenna.NumPaths(aci)
	t := cs.StepTiming{
		TFCS:    uint32(cs.GetTfcs(cfg.TFCS)),
		TIP1:    uint32(cs.GetTip(cfg.TIP1)),
		TIP2:    uint32(cs.GetTip(cfg.TIP2)),
		TPM:     uint32(cs.GetTpm(cfg.TPM)),
		TSY:     cs.SyncDuration(cfg.CsSyncPhy, cfg.RTTType),
		NumPath: nap,
	}
	if nap > 1 {
		t.TSW = uint32(max(local.TSWTimeSupported, peer.TSWTimeSupported))
	}
	return t
}

// startRanging enables the procedure sequence fixed by ind. The first
// procedure starts at ind.ConnEventCount.
func (e *Engine) startRanging(connID uint16, ind csdb.ProcedureEnable) {
	cfg, ok := e.db.Configuration(connID, ind.ConfigID)
	if !ok {
		e.failProcedure(connID, cs.ProcCSInd, cs.StatusUnspecifiedError)
		return
	}
	peer, _ := e.db.PeerCapabilities(connID)
	ind.Kind = csdb.EnableInd
	ind.Enabled = true
	_ = e.db.SetProcedureEnable(connID, ind)
	_ = e.db.SetCurrentConfigID(connID, ind.ConfigID)
	e.db.SetACLStartEvent(connID, ind.ConnEventCount)
	e.timers.ClearTimeout(connID, cs.ProcCSInd)

	pi := e.db.ProcedureInfo(connID)
	if pi.AntennaMapping == 0 {
		pi.AntennaMapping = cs.DefaultAntennaMuxMapping
	}
	awaitProcedure(pi)
	r := &ranging{
		configID:  ind.ConfigID,
		cfg:       cfg,
		enable:    ind,
		timing:    resolveTiming(cfg, ind.ACI, e.db.LocalCapabilities(), peer),
		nap:       antenna.NumPaths(ind.ACI),
		gen:       e.gens[connID],
		nextStart: ind.ConnEventCount,
		syncLoop:  cs.LoopFlag | 1,
	}
	e.ranging[connID] = r
	e.db.ResetRandomBitsCache()

	e.log.Info("Procedure sequence enabled",
		logger.Uint16("conn", connID),
		logger.Uint8("config_id", ind.ConfigID),
		logger.Uint16("instant", ind.ConnEventCount),
		logger.Uint32("offset_us", ind.Offset),
		logger.Uint8("subevents_per_event", ind.SubeventsPerEvent))
	e.raise(connID, &protocol.ProcedureEnableCompleteEvt{
		Status:            cs.StatusSuccess,
		Handle:            connID,
		ConfigID:          ind.ConfigID,
		State:             1,
		ACI:               uint8(ind.ACI),
		TxPower:           e.db.DefaultSettings(connID).MaxTxPower,
		SubeventLen:       ind.SubeventLen,
		SubeventsPerEvent: ind.SubeventsPerEvent,
		SubeventInterval:  ind.SubeventInterval,
		EventInterval:     ind.EventInterval,
		ProcedureInterval: ind.ProcedureInterval,
		ProcedureCount:    ind.ProcedureCount,
		MaxProcedureLen:   ind.MaxProcedureDur,
	})
}

// onConnectionEvent advances the ACL view of connID and drives its
// procedure sequence.
func (e *Engine) onConnectionEvent(connID, counter uint16, anchorUs uint64) {
	conn := e.links.Get(connID)
	if conn == nil {
		return
	}
	conn.Advance(counter, anchorUs)
	e.applyChannelMap(connID, counter)

	r := e.ranging[connID]
	if r == nil || r.inFlight {
		// a buffer on the radio runs to completion, termination included
		return
	}
	if e.db.TerminateInfo(connID).State == cs.TerminateReceived {
		e.finishTermination(connID, r)
		return
	}
	if e.db.ProcedureInfo(connID).NextProcedure {
		d := int16(counter - r.nextStart)
		if d < 0 {
			return
		}
		if d > 0 && !r.started {
			e.log.Warn("Procedure instant passed",
				logger.Uint16("conn", connID),
				logger.Uint16("instant", r.nextStart),
				logger.Uint16("counter", counter))
			e.teardown(connID, r, true, cs.AbortReason(cs.AbortInstantPassed, cs.SubeventAbortNone))
			return
		}
		if !e.startProcedure(connID, r, counter) {
			return
		}
	}
	if r.awaitingEvent && int16(counter-r.nextEvent) >= 0 {
		e.startEvent(connID, r, anchorUs)
	}
}

// applyChannelMap switches connID to a pending channel classification once
// its instant is reached.
func (e *Engine) applyChannelMap(connID, counter uint16) {
	p, ok := e.chm[connID]
	if !ok || int16(counter-p.Instant) < 0 {
		return
	}
	delete(e.chm, connID)
	e.connClass[connID] = p.Map
	e.db.MarkProcedureCompleted(connID, cs.ProcCHMUpdate)
	e.log.Info("Channel map updated",
		logger.Uint16("conn", connID),
		logger.String("map", p.Map.String()))
}

// procedureChannels returns the channels the next procedure of r may use.
func (e *Engine) procedureChannels(connID uint16, r *ranging) ([]uint8, error) {
	if r.test {
		if ch, ok := e.session.Channels(); ok {
			return ch, nil
		}
	}
	m, err := chanmap.FilterChannelMap(r.cfg.ChannelMap, e.connClass[connID])
	if err != nil {
		return nil, err
	}
	return m.Channels(), nil
}

// awaitProcedure marks pi as between procedures: the next connection event
// at or past the start instant opens a new one.
func awaitProcedure(pi *csdb.ProcedureInfo) {
	pi.NextProcedure = true
	pi.NextSubevent = cs.PrepNextSubevent
}

// inProcedure reports whether connID is inside a procedure.
func (e *Engine) inProcedure(connID uint16) bool {
	pi := e.db.ProcedureInfo(connID)
	return pi != nil && !pi.NextProcedure
}

// startProcedure prepares the channel arrays and counters of a new
// procedure. It reports false when the procedure was aborted.
func (e *Engine) startProcedure(connID uint16, r *ranging, counter uint16) bool {
	pi := e.db.ProcedureInfo(connID)
	se := e.db.SubeventInfo(connID)
	pi.StartEventCounter = counter
	pi.Cnt.Event = 0
	pi.Cnt.Subevent = 0
	pi.StepsInProcedure = 0
	pi.DoneStatus = cs.ProcedureActive
	pi.SubeventDoneStatus = cs.SubeventActive
	pi.AbortReason = cs.AbortReason(cs.AbortNone, cs.SubeventAbortNone)
	pi.SubeventsPerEvent = r.enable.SubeventsPerEvent
	se.Reset()
	se.RepetitionCh = se.RepetitionCh[:0]

	pi.NextProcedure = false
	pi.NextSubevent = cs.PrepNextSubevent
	r.started = true
	r.procedureDone = false
	r.startedAt = time.Now()
	r.stepsByMode = [4]int{}
	e.obs.ProcedureStarted(connID, r.configID, e.db.ProcedureCounter(connID))

	channels, err := e.procedureChannels(connID, r)
	if err == nil {
		err = e.initChannels(connID, r, channels)
	}
	if err != nil {
		e.log.Warn("Cannot start procedure",
			logger.Uint16("conn", connID),
			logger.Error(err))
		e.abortProcedure(connID, r, cs.AbortReason(cs.AbortTooFewChannels, cs.SubeventAbortNone))
		return false
	}

	pi.RemainingMmSteps = len(channels) * int(max(r.cfg.ChMRepetition, 1))
	pi.EventsPerProcedure = 1
	if !r.test {
		conn := e.links.Get(connID)
		pi.EventsPerProcedure = max(1, cs.EventsPerProcedure(uint32(r.enable.MaxProcedureDur), r.enable.EventInterval, conn.Interval*2))
	}
	r.awaitingEvent = true
	r.nextEvent = counter
	e.log.Debug("Procedure started",
		logger.Uint16("conn", connID),
		logger.Uint16("counter", counter),
		logger.Int("channels", len(channels)),
		logger.Uint32("events", pi.EventsPerProcedure))
	return true
}

// initChannels loads the filtered channels and shuffles both arrays.
func (e *Engine) initChannels(connID uint16, r *ranging, channels []uint8) error {
	if err := e.db.InitChanIndexInfo(connID, r.configID, channels); err != nil {
		return err
	}
	if err := e.reshuffle(connID, r, true); err != nil {
		return err
	}
	return e.reshuffle(connID, r, false)
}

// reshuffle draws a new traversal order for one channel array. Mode-0
// channels always use #3b; the other steps follow the configuration.
func (e *Engine) reshuffle(connID uint16, r *ranging, mode0 bool) error {
	order := e.db.ChannelArray(connID, r.configID, mode0)
	var err error
	switch {
	case mode0:
		err = chanmap.Shuffle3b(order, e.db.RandomByteSource(r.gen, cs.TxMode0ChannelShuffle))
	case r.cfg.ChSel == cs.ChSel3c:
		order, err = chanmap.Order3c(order, r.cfg.Ch3cShape, r.cfg.Ch3cJump, e.db.RandomByteSource(r.gen, cs.TxCSA3cShape))
	default:
		err = chanmap.Shuffle3b(order, e.db.RandomByteSource(r.gen, cs.TxNonMode0ChannelShuffle))
	}
	if err != nil {
		return err
	}
	return e.db.UpdateChanIndexArray(connID, r.configID, mode0, order)
}

// startEvent opens a CS event anchored at anchorUs.
func (e *Engine) startEvent(connID uint16, r *ranging, anchorUs uint64) {
	pi := e.db.ProcedureInfo(connID)
	pi.EventAnchorUs = anchorUs
	r.awaitingEvent = false
	r.seInEvent = 0
	e.runSubevent(connID, r, anchorUs+uint64(r.enable.Offset))
}

// runSubevent plans the next subevent and hands its first buffer to the
// radio.
func (e *Engine) runSubevent(connID uint16, r *ranging, startUs uint64) {
	se := e.db.SubeventInfo(connID)
	se.Reset()
	se.StartUs = startUs
	e.db.ProcedureInfo(connID).NextSubevent = cs.PrepCurrSubevent
	r.cmds = r.cmds[:0]
	if err := e.planSubevent(connID, r); err != nil || len(se.Steps) == 0 {
		e.log.Warn("Subevent could not be scheduled",
			logger.Uint16("conn", connID),
			logger.Int("steps", len(se.Steps)),
			logger.Error(err))
		e.abortProcedure(connID, r, cs.AbortReason(cs.AbortUnspecified, cs.SubeventAbortScheduling))
		return
	}
	e.submitNext(connID, r)
}

// reportAbort raises the result event of a procedure that was cut short.
func (e *Engine) reportAbort(connID uint16, r *ranging, abortReason uint8) {
	pi := e.db.ProcedureInfo(connID)
	se := e.db.SubeventInfo(connID)
	ev := &protocol.SubeventResultsEvt{
		Handle:            connID,
		ConfigID:          r.configID,
		StartACLConnEvent: pi.StartEventCounter,
		ProcedureCounter:  e.db.ProcedureCounter(connID),
		FreqCompensation:  freqCompensationUnavailable,
		ReferencePower:    e.db.DefaultSettings(connID).MaxTxPower,
		ProcedureDone:     cs.ProcedureAborted,
		SubeventDone:      cs.SubeventAborted,
		AbortReason:       abortReason,
		NumAntennaPaths:   r.nap,
	}
	pi.DoneStatus = cs.ProcedureAborted
	pi.SubeventDoneStatus = cs.SubeventAborted
	pi.AbortReason = abortReason
	e.raise(connID, ev)
	e.obs.SubeventCompleted(SubeventSummary{
		ConnID:           connID,
		ConfigID:         r.configID,
		ProcedureCounter: ev.ProcedureCounter,
		Event:            pi.Cnt.Event,
		Subevent:         pi.Cnt.Subevent,
		ProcedureDone:    ev.ProcedureDone,
		SubeventDone:     ev.SubeventDone,
		AbortReason:      abortReason,
		NumAntennaPaths:  r.nap,
	})
	se.Reset()
}

// abortProcedure reports the running procedure as aborted and moves on to
// the next one of the sequence.
func (e *Engine) abortProcedure(connID uint16, r *ranging, abortReason uint8) {
	e.log.Warn("Procedure aborted",
		logger.Uint16("conn", connID),
		logger.Uint8("abort_reason", abortReason))
	e.reportAbort(connID, r, abortReason)
	e.finishProcedure(connID, r)
}

// finishProcedure closes the running procedure and schedules the next one,
// or ends the sequence once the requested count is reached.
func (e *Engine) finishProcedure(connID uint16, r *ranging) {
	pi := e.db.ProcedureInfo(connID)
	se := e.db.SubeventInfo(connID)
	done := pi.DoneStatus
	if done == cs.ProcedureActive {
		done = cs.ProcedureDone
	}
	e.procedureEnded(connID, r, done, pi.AbortReason)
	e.db.IncrementProcedureCounter(connID)
	pi.Cnt.Procedure++
	se.Reset()
	se.RepetitionCh = se.RepetitionCh[:0]
	awaitProcedure(pi)
	r.awaitingEvent = false

	if r.enable.ProcedureCount != 0 && pi.Cnt.Procedure >= r.enable.ProcedureCount {
		e.log.Info("Procedure sequence complete",
			logger.Uint16("conn", connID),
			logger.Uint16("procedures", pi.Cnt.Procedure))
		e.endSequence(connID, r)
	} else {
		interval := r.enable.ProcedureInterval
		if interval == 0 {
			interval = 1
		}
		r.nextStart = pi.StartEventCounter + interval
	}
	if e.precalPending {
		e.precalRequest()
	}
}

// procedureEnded tells the observers how the running procedure of r ended.
func (e *Engine) procedureEnded(connID uint16, r *ranging, done, abortReason uint8) {
	pi := e.db.ProcedureInfo(connID)
	e.obs.ProcedureEnded(ProcedureSummary{
		ConnID:           connID,
		ConfigID:         r.configID,
		ProcedureCounter: e.db.ProcedureCounter(connID),
		DoneStatus:       done,
		AbortReason:      abortReason,
		Subevents:        int(pi.Cnt.Subevent),
		Steps:            pi.StepsInProcedure,
		StepsByMode:      r.stepsByMode,
		StartedAt:        r.startedAt,
		EndedAt:          time.Now(),
	})
}

// finishTermination completes a requested termination between subevents.
// A procedure still open is reported as aborted with no further steps.
func (e *Engine) finishTermination(connID uint16, r *ranging) {
	ti := e.db.TerminateInfo(connID)
	e.log.Info("Procedure sequence terminated",
		logger.Uint16("conn", connID),
		logger.Uint8("error_code", ti.ErrorCode))
	e.teardown(connID, r, e.inProcedure(connID), cs.AbortReason(ti.ErrorCode, cs.SubeventAbortRequest))
}

// teardown disables the sequence of connID and tells the host. When report
// is set the interrupted procedure is reported as aborted first. A procedure
// still open ends as aborted for the observers either way.
func (e *Engine) teardown(connID uint16, r *ranging, report bool, abortReason uint8) {
	if report {
		e.reportAbort(connID, r, abortReason)
	}
	if e.inProcedure(connID) {
		e.procedureEnded(connID, r, cs.ProcedureAborted, abortReason)
	}
	e.endSequence(connID, r)
	e.db.MarkProcedureCompleted(connID, cs.ProcTerminate)
	e.raise(connID, &protocol.ProcedureEnableCompleteEvt{
		Status:   cs.StatusSuccess,
		Handle:   connID,
		ConfigID: r.configID,
		State:    0,
	})
}

// endSequence drops every trace of the sequence of r.
func (e *Engine) endSequence(connID uint16, r *ranging) {
	delete(e.ranging, connID)
	e.timers.ClearTimeout(connID, cs.ProcTerminate)
	e.db.ClearActiveProcedure(connID, cs.ProcCSInd)
	e.db.SetProcedureEnabled(connID, r.configID, false)
	e.db.ClearProcedureData(connID)
}
