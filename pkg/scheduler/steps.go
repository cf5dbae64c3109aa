package scheduler

import (
	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/rcl"
)

// planSubevent fills the subevent with steps: the mode-0 steps, the
// repeated main mode channels of the previous subevent, then main mode runs
// separated by sub mode steps. Planning stops at the first step that does
// not fit the subevent length or the step limits.
func (e *Engine) planSubevent(connID uint16, r *ranging) error {
	pi := e.db.ProcedureInfo(connID)
	se := e.db.SubeventInfo(connID)
	var used uint32
	fits := func(mode uint8) bool {
		return used+r.timing.StepDuration(mode) <= r.enable.SubeventLen &&
			len(se.Steps) < cs.MaxStepsPerSubevent &&
			pi.StepsInProcedure+len(se.Steps) < cs.MaxStepsPerProcedure
	}
	add := func(mode, ch uint8, repeated bool) error {
		cmd, err := e.stepCommand(connID, r, mode, ch, repeated)
		if err != nil {
			return err
		}
		used += r.timing.StepDuration(mode)
		se.Steps = append(se.Steps, cmd.Step)
		r.cmds = append(r.cmds, cmd)
		return nil
	}

	r.syncAntenna = e.syncAntenna(connID, r)

	for i := uint8(0); i < r.cfg.Mode0Steps; i++ {
		if !fits(cs.Mode0) {
			return nil
		}
		ch, err := e.nextChannel(connID, r, true)
		if err != nil {
			return err
		}
		if err := add(cs.Mode0, ch, false); err != nil {
			return err
		}
	}

	for _, ch := range append([]uint8(nil), se.RepetitionCh...) {
		if !fits(r.cfg.MainMode) {
			return nil
		}
		if err := add(r.cfg.MainMode, ch, true); err != nil {
			return err
		}
	}

	var mainCh []uint8
runs:
	for pi.RemainingMmSteps > 0 {
		n, err := e.mainModeRun(r)
		if err != nil {
			return err
		}
		for k := 0; k < n && pi.RemainingMmSteps > 0; k++ {
			if !fits(r.cfg.MainMode) {
				break runs
			}
			ch, err := e.nextChannel(connID, r, false)
			if err != nil {
				return err
			}
			if err := add(r.cfg.MainMode, ch, false); err != nil {
				return err
			}
			mainCh = append(mainCh, ch)
			pi.RemainingMmSteps--
		}
		if r.cfg.SubMode == cs.ModeNone || pi.RemainingMmSteps == 0 {
			continue
		}
		if !fits(r.cfg.SubMode) {
			break
		}
		ch, err := e.nextChannel(connID, r, false)
		if err != nil {
			return err
		}
		if err := add(r.cfg.SubMode, ch, false); err != nil {
			return err
		}
	}

	if rep := int(r.cfg.MainModeRepetition); rep > 0 && len(mainCh) > 0 {
		if rep > len(mainCh) {
			rep = len(mainCh)
		}
		se.RepetitionCh = append(se.RepetitionCh[:0], mainCh[len(mainCh)-rep:]...)
	}
	return nil
}

// mainModeRun returns the length of the next run of main mode steps.
func (e *Engine) mainModeRun(r *ranging) (int, error) {
	lo, hi := r.cfg.MainModeMinSteps, r.cfg.MainModeMaxSteps
	n, err := e.session.MainModeSteps(func() (uint8, error) {
		if hi <= lo {
			return lo, nil
		}
		v, err := e.db.RandomBits(r.gen, cs.TxMainModeSteps, 8)
		if err != nil {
			return 0, err
		}
		return lo + uint8(cs.HR1(uint8(v), int(hi-lo)+1)), nil
	})
	if err != nil {
		return 0, err
	}
	return int(max(n, 1)), nil
}

// nextChannel draws the next channel of one array, reshuffling it when a
// pass over the array completes.
func (e *Engine) nextChannel(connID uint16, r *ranging, mode0 bool) (uint8, error) {
	return e.session.NextChannel(func() (uint8, error) {
		ch, wrapped, err := e.db.GetChannelIndex(connID, r.configID, mode0)
		if err != nil {
			return 0, err
		}
		if wrapped {
			if err := e.reshuffle(connID, r, mode0); err != nil {
				return 0, err
			}
		}
		return ch, nil
	})
}

// stepCommand draws the per-step randomness of one step.
func (e *Engine) stepCommand(connID uint16, r *ranging, mode, ch uint8, repeated bool) (rcl.StepCommand, error) {
	cmd := rcl.StepCommand{Step: csdb.Step{Mode: mode, Channel: ch, Repeated: repeated}}
	if mode == cs.Mode2 || mode == cs.Mode3 {
		var perm uint8
		if r.nap > 1 {
			var err error
			perm, err = e.session.AntennaPermutation(r.nap, func() (uint8, error) {
				v, err := e.db.RandomBits(r.gen, cs.TxAntennaPermutation, 8)
				return uint8(v) % antenna.NumPermutations(r.nap), err
			})
			if err != nil {
				return cmd, err
			}
		}
		ext, err := e.session.ToneExtension(func() (uint8, error) {
			v, err := e.db.RandomBits(r.gen, cs.TxToneExtension, 2)
			return uint8(v), err
		})
		if err != nil {
			return cmd, err
		}
		cmd.PermIdx = perm
		cmd.ToneExt = ext
		cmd.Antennas = antenna.SwitchSequence(r.enable.ACI, r.cfg.Role, perm, e.db.ProcedureInfo(connID).AntennaMapping)
	}
	if mode != cs.Mode2 {
		ini, refl, err := e.session.AccessAddresses(func() (uint32, uint32, error) {
			ini, err := e.db.RandomBits(r.gen, cs.TxCsSyncAccessAddress, 32)
			if err != nil {
				return 0, 0, err
			}
			refl, err := e.db.RandomBits(r.gen, cs.TxCsSyncAccessAddress, 32)
			return ini, refl, err
		})
		if err != nil {
			return cmd, err
		}
		cmd.AccessAddrInit = ini
		cmd.AccessAddrRefl = refl
	}
	return cmd, nil
}

// syncAntenna picks the CS_SYNC antenna of the next subevent.
func (e *Engine) syncAntenna(connID uint16, r *ranging) uint8 {
	numAnt := max(r.enable.ACI.Antennas(r.cfg.Role), 1)
	sel := e.db.DefaultSettings(connID).CsSyncAntennaSelection
	return e.session.SyncAntenna(numAnt, func() uint8 {
		switch sel {
		case cs.CsSyncAntennaRepetitive:
			v := cs.LoopValue(r.syncLoop)
			r.syncLoop = cs.NextLoopValue(r.syncLoop, 1, numAnt)
			return v
		case cs.CsSyncAntennaNoRecommended:
			return 1
		}
		return sel
	})
}

// submitNext hands the next buffer of planned steps to the radio.
func (e *Engine) submitNext(connID uint16, r *ranging) {
	se := e.db.SubeventInfo(connID)
	pi := e.db.ProcedureInfo(connID)
	n := cs.NumBuffSteps(len(se.Steps) - se.Submitted)
	startUs := se.StartUs
	for _, s := range r.cmds[:se.Submitted] {
		startUs += uint64(r.timing.StepDuration(s.Mode))
	}
	pattern, _ := e.session.Payload()
	cmd := rcl.Command{
		ConnID:         connID,
		ConfigID:       r.configID,
		Role:           r.cfg.Role,
		ACI:            r.enable.ACI,
		Phy:            r.cfg.CsSyncPhy,
		RTTType:        r.cfg.RTTType,
		Timing:         r.timing,
		AntennaMapping: pi.AntennaMapping,
		SyncAntenna:    r.syncAntenna,
		PayloadPattern: pattern,
		StartUs:        startUs,
		SubeventLen:    r.enable.SubeventLen,
		FirstBuffer:    se.Submitted == 0,
		LastBuffer:     se.Submitted+n == len(se.Steps),
		Steps:          append([]rcl.StepCommand(nil), r.cmds[se.Submitted:se.Submitted+n]...),
	}
	r.inFlight = true
	r.lastBatch = n
	if err := e.radio.Submit(cmd); err != nil {
		r.inFlight = false
		e.log.Error("Step buffer rejected by radio",
			logger.Uint16("conn", connID),
			logger.Error(err))
		e.abortProcedure(connID, r, cs.AbortReason(cs.AbortUnspecified, cs.SubeventAbortUnspecified))
		return
	}
	se.Submitted += n
	if se.Submitted == len(se.Steps) {
		pi.NextSubevent = cs.PrepNextSubevent
	}
	e.obs.BufferSubmitted(connID, n)
}

// onCompletion collects the results of a step buffer.
func (e *Engine) onCompletion(c rcl.Completion) {
	connID := c.ConnID
	r := e.ranging[connID]
	if r == nil || !r.inFlight {
		return
	}
	r.inFlight = false
	if c.Status != rcl.Finished || len(c.Results) != r.lastBatch {
		err := c.Err
		if err == nil {
			err = errors.Errorf("radio returned %d of %d steps", len(c.Results), r.lastBatch)
		}
		e.log.Warn("Step buffer failed",
			logger.Uint16("conn", connID),
			logger.String("status", c.Status.String()),
			logger.Error(err))
		e.abortProcedure(connID, r, cs.AbortReason(cs.AbortUnspecified, cs.SubeventAbortUnspecified))
		return
	}

	se := e.db.SubeventInfo(connID)
	for _, res := range c.Results {
		buf, err := res.AppendTo(se.ResultData)
		if err != nil {
			e.log.Warn("Malformed step result", logger.Uint16("conn", connID), logger.Error(err))
			e.abortProcedure(connID, r, cs.AbortReason(cs.AbortUnspecified, cs.SubeventAbortUnspecified))
			return
		}
		se.ResultData = buf
	}
	se.Completed += len(c.Results)
	e.enqueue(Event{Kind: EventStepsPostProcess, ConnID: connID})
}

// stepsPostProcess submits the next buffer of the subevent or closes it.
func (e *Engine) stepsPostProcess(connID uint16) {
	r := e.ranging[connID]
	if r == nil || r.inFlight {
		return
	}
	if e.db.ProcedureInfo(connID).NextSubevent == cs.PrepCurrSubevent {
		e.submitNext(connID, r)
		return
	}
	e.enqueue(Event{Kind: EventSubeventPostProcess, ConnID: connID})
}

// subeventPostProcess books the finished subevent and decides whether it
// ends the procedure.
func (e *Engine) subeventPostProcess(connID uint16) {
	r := e.ranging[connID]
	if r == nil {
		return
	}
	pi := e.db.ProcedureInfo(connID)
	se := e.db.SubeventInfo(connID)
	r.seInEvent++
	pi.Cnt.Subevent++
	pi.StepsInProcedure += len(se.Steps)

	done := pi.RemainingMmSteps <= 0 ||
		pi.StepsInProcedure >= cs.MaxStepsPerProcedure ||
		int(pi.Cnt.Subevent) >= cs.MaxSubeventsPerProcedure
	if r.seInEvent >= pi.SubeventsPerEvent && uint32(pi.Cnt.Event)+1 >= pi.EventsPerProcedure {
		done = true
	}
	r.procedureDone = done
	e.enqueue(Event{Kind: EventResultsPostProcess, ConnID: connID})
}

// resultsPostProcess reports the subevent to the host and schedules what
// follows it.
func (e *Engine) resultsPostProcess(connID uint16) {
	r := e.ranging[connID]
	if r == nil {
		return
	}
	pi := e.db.ProcedureInfo(connID)
	se := e.db.SubeventInfo(connID)
	data := append([]byte(nil), se.ResultData...)
	steps, err := protocol.ParseSteps(data, se.Completed, r.cfg.Role, r.nap)
	if err != nil {
		e.log.Warn("Subevent results unreadable",
			logger.Uint16("conn", connID),
			logger.Error(err))
		e.abortProcedure(connID, r, cs.AbortReason(cs.AbortUnspecified, cs.SubeventAbortUnspecified))
		return
	}

	// A termination requested while the subevent ran ends the procedure
	// here, after its steps are reported.
	ti := e.db.TerminateInfo(connID)
	terminating := ti.State == cs.TerminateReceived
	procDone := cs.ProcedureActive
	abortReason := cs.AbortReason(cs.AbortNone, cs.SubeventAbortNone)
	switch {
	case terminating:
		procDone = cs.ProcedureAborted
		abortReason = cs.AbortReason(ti.ErrorCode, cs.SubeventAbortNone)
	case r.procedureDone:
		procDone = cs.ProcedureDone
	}
	hdr := protocol.SubeventResultsEvt{
		Handle:            connID,
		ConfigID:          r.configID,
		StartACLConnEvent: pi.StartEventCounter,
		ProcedureCounter:  e.db.ProcedureCounter(connID),
		FreqCompensation:  freqCompensationUnavailable,
		ReferencePower:    e.db.DefaultSettings(connID).MaxTxPower,
		ProcedureDone:     procDone,
		SubeventDone:      cs.SubeventDone,
		AbortReason:       abortReason,
		NumAntennaPaths:   r.nap,
	}
	events, err := protocol.SplitSubeventResults(hdr, steps)
	if err != nil {
		e.log.Warn("Subevent results do not fit an event",
			logger.Uint16("conn", connID),
			logger.Error(err))
		e.abortProcedure(connID, r, cs.AbortReason(cs.AbortUnspecified, cs.SubeventAbortUnspecified))
		return
	}
	for _, ev := range events {
		e.raise(connID, ev)
	}
	se.Reported = len(steps)
	se.NumReported = uint8(len(events))
	for _, s := range steps {
		if int(s.Mode) < len(r.stepsByMode) {
			r.stepsByMode[s.Mode]++
		}
	}
	e.obs.SubeventCompleted(SubeventSummary{
		ConnID:           connID,
		ConfigID:         r.configID,
		ProcedureCounter: hdr.ProcedureCounter,
		Event:            pi.Cnt.Event,
		Subevent:         pi.Cnt.Subevent - 1,
		ProcedureDone:    procDone,
		SubeventDone:     cs.SubeventDone,
		AbortReason:      hdr.AbortReason,
		NumAntennaPaths:  r.nap,
		Steps:            steps,
	})

	if terminating {
		pi.DoneStatus = cs.ProcedureAborted
		pi.SubeventDoneStatus = cs.SubeventDone
		pi.AbortReason = abortReason
		e.log.Info("Procedure sequence terminated",
			logger.Uint16("conn", connID),
			logger.Uint8("error_code", ti.ErrorCode),
			logger.Int("steps_reported", len(steps)))
		e.teardown(connID, r, false, abortReason)
		return
	}
	if r.procedureDone {
		pi.DoneStatus = cs.ProcedureDone
		pi.SubeventDoneStatus = cs.SubeventDone
		e.finishProcedure(connID, r)
		return
	}
	if r.seInEvent < pi.SubeventsPerEvent {
		start := pi.EventAnchorUs + uint64(r.enable.Offset) + uint64(r.seInEvent)*uint64(r.enable.SubeventIntervalUs())
		e.runSubevent(connID, r, start)
		return
	}
	pi.Cnt.Event++
	r.nextEvent = pi.StartEventCounter + pi.Cnt.Event*r.enable.EventInterval
	r.awaitingEvent = true
}
