package scheduler

import (
	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/link"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
)

// ProcedureEnable starts or stops the procedure sequence of a
// configuration. Enabling proposes timing to the peer with LL_CS_REQ;
// ranging starts once LL_CS_IND fixes it. Disabling sends
// LL_CS_TERMINATE_REQ and tears the sequence down at the next connection
// event.
func (e *Engine) ProcedureEnable(connID uint16, configID uint8, enable bool) error {
	conn, err := e.liveLink(connID)
	if err != nil {
		return err
	}
	cfg, ok := e.db.Configuration(connID, configID)
	if !ok {
		return cs.StatusUnexpectedParameter
	}
	if !enable {
		return e.disable(connID, configID)
	}

	if other, active := e.db.IsAnyProcedureActive(); active && other != connID {
		return cs.StatusLimitedResources
	}
	if e.session.Active() {
		return cs.StatusCommandDisallowed
	}
	if e.db.ProcedureEnable(connID, configID).Enabled || e.ranging[connID] != nil {
		return cs.StatusCommandDisallowed
	}
	if _, ok := e.gens[connID]; !ok {
		return cs.StatusInsufficientSecurity
	}
	params := e.db.ProcedureParams(connID, configID)
	if !params.Valid {
		return cs.StatusCommandDisallowed
	}
	req, err := e.proposeTiming(conn, cfg, params)
	if err != nil {
		return err
	}
	if err := e.begin(connID, cs.ProcCSInd); err != nil {
		return err
	}
	if err := e.db.SetCurrentConfigID(connID, configID); err != nil {
		e.finish(connID, cs.ProcCSInd)
		return err
	}
	_ = e.db.SetProcedureEnable(connID, req)
	e.db.ProcedureInfo(connID).AntennaMapping = cs.DefaultAntennaMuxMapping
	if err := e.send(connID, &protocol.CSReq{Enable: req}); err != nil {
		e.finish(connID, cs.ProcCSInd)
		return err
	}
	e.log.Info("Procedure enable requested",
		logger.Uint16("conn", connID),
		logger.Uint8("config_id", configID),
		logger.Uint16("instant", req.ConnEventCount))
	return nil
}

// proposeTiming builds the LL_CS_REQ contents from the host parameters and
// the connection timing.
func (e *Engine) proposeTiming(conn *link.Conn, cfg csdb.Configuration, p csdb.ProcedureParams) (csdb.ProcedureEnable, error) {
	intervalUs := conn.IntervalUs()
	offsetMin := cs.CalcOffsetMin(cs.MinOffset)
	if intervalUs <= offsetMin {
		return csdb.ProcedureEnable{}, cs.StatusUnexpectedParameter
	}
	subeventLen := intervalUs - offsetMin
	if subeventLen > p.MaxSubeventLen {
		subeventLen = p.MaxSubeventLen
	}
	if subeventLen < p.MinSubeventLen {
		return csdb.ProcedureEnable{}, cs.StatusUnexpectedParameter
	}
	subeventInterval := uint16((subeventLen + cs.ProcedureLenUnit - 1) / cs.ProcedureLenUnit)
	counter, _ := conn.Event()
	procInterval := p.MinProcedureInterval
	if procInterval == 0 {
		procInterval = 1
	}
	return csdb.ProcedureEnable{
		Kind:                 csdb.EnableReq,
		ConfigID:             cfg.ID,
		ConnEventCount:       counter + cs.ConnEventOffset(conn.Role),
		OffsetMin:            offsetMin,
		OffsetMax:            cs.CalcOffsetMax(intervalUs, offsetMin, conn.Interval, subeventLen),
		MaxProcedureDur:      p.MaxProcedureDur,
		EventInterval:        1,
		SubeventsPerEvent:    cs.SubeventsPerEvent(conn.Interval, uint32(subeventInterval)*cs.ProcedureLenUnit, offsetMin),
		SubeventInterval:     subeventInterval,
		SubeventLen:          subeventLen,
		ProcedureInterval:    procInterval,
		ProcedureCount:       p.MaxProcedureCount,
		ACI:                  p.ACI,
		PreferredPeerAntenna: p.PreferredPeerAntenna,
		Phy:                  p.Phy,
		PwrDelta:             p.TxPowerDelta,
		SnrControlInitiator:  p.SnrControlInitiator,
		SnrControlReflector:  p.SnrControlReflector,
	}, nil
}

// checkProposal validates received timing against the local view of the
// connection and narrows the offset window. It returns the window or an
// HCI status to reject with.
func (e *Engine) checkProposal(conn *link.Conn, req csdb.ProcedureEnable) (uint32, uint32, cs.Status) {
	cfg, ok := e.db.Configuration(conn.Handle, req.ConfigID)
	if !ok {
		return 0, 0, cs.StatusInvalidLLParam
	}
	if req.SubeventLen < cs.MinSubeventLen || req.SubeventLen > cs.MaxSubeventLen ||
		req.SubeventsPerEvent < cs.MinSubeventsPerEvent || req.EventInterval == 0 {
		return 0, 0, cs.StatusInvalidLLParam
	}
	if peer, ok := e.db.PeerCapabilities(conn.Handle); ok {
		if err := antenna.CheckACI(req.ACI, cfg.Role, e.db.LocalCapabilities().Antenna(), peer.Antenna()); err != nil {
			return 0, 0, cs.StatusOf(err).HCI()
		}
	} else if !req.ACI.Valid() {
		return 0, 0, cs.StatusInvalidLLParam
	}
	lo := cs.CalcOffsetMin(req.OffsetMin)
	hi := cs.CalcOffsetMax(req.OffsetMax, lo, conn.Interval, req.SubeventLen)
	if req.OffsetMax < lo || hi < lo {
		return 0, 0, cs.StatusInvalidLLParam
	}
	return lo, hi, cs.StatusSuccess
}

// acceptProposal performs the checks common to both receivers of an
// LL_CS_REQ. It claims the procedure slot on success.
func (e *Engine) acceptProposal(connID uint16, conn *link.Conn, req csdb.ProcedureEnable) (uint32, uint32, bool) {
	if other, active := e.db.IsAnyProcedureActive(); active && other != connID {
		e.reject(connID, protocol.OpcodeCSReq, cs.StatusLimitedResources)
		return 0, 0, false
	}
	if e.session.Active() || e.ranging[connID] != nil {
		e.reject(connID, protocol.OpcodeCSReq, cs.StatusCommandDisallowed)
		return 0, 0, false
	}
	if _, ok := e.gens[connID]; !ok {
		e.reject(connID, protocol.OpcodeCSReq, cs.StatusInsufficientSecurity)
		return 0, 0, false
	}
	lo, hi, status := e.checkProposal(conn, req)
	if status != cs.StatusSuccess {
		e.reject(connID, protocol.OpcodeCSReq, status)
		return 0, 0, false
	}
	if err := e.db.SetActiveProcedure(connID, cs.ProcCSInd); err != nil {
		e.reject(connID, protocol.OpcodeCSReq, cs.StatusOf(err).HCI())
		return 0, 0, false
	}
	_ = e.db.SetCurrentConfigID(connID, req.ConfigID)
	_ = e.db.SetProcedureEnable(connID, req)
	return lo, hi, true
}

// onCSReq answers a timing proposal. The peripheral narrows the window with
// LL_CS_RSP; the central fixes the timing right away with LL_CS_IND.
func (e *Engine) onCSReq(connID uint16, conn *link.Conn, req csdb.ProcedureEnable) {
	lo, hi, ok := e.acceptProposal(connID, conn, req)
	if !ok {
		return
	}
	pi := e.db.ProcedureInfo(connID)
	pi.AntennaMapping = cs.DefaultAntennaMuxMapping
	if pref := req.PreferredPeerAntenna & cs.PreferredPeerAntennaMask; pref != 0 {
		pi.AntennaMapping = antenna.MuxMapping(pref)
	}

	if conn.Role == cs.LinkPeripheral {
		rsp := req
		rsp.Kind = csdb.EnableRsp
		rsp.OffsetMin, rsp.OffsetMax = lo, hi
		e.armTimer(connID, cs.ProcCSInd)
		if err := e.send(connID, &protocol.CSRsp{Enable: rsp}); err != nil {
			e.finish(connID, cs.ProcCSInd)
		}
		return
	}
	ind := e.fixTiming(conn, req, req, lo)
	if err := e.send(connID, &protocol.CSInd{Enable: ind}); err != nil {
		e.finish(connID, cs.ProcCSInd)
		return
	}
	e.startRanging(connID, ind)
}

// onCSRsp completes the central's side of the timing negotiation.
func (e *Engine) onCSRsp(connID uint16, conn *link.Conn, rsp csdb.ProcedureEnable) {
	if e.db.ActiveProcedure(connID)&cs.ProcCSInd == 0 || e.ranging[connID] != nil {
		return
	}
	req := e.db.ProcedureEnable(connID, e.db.CurrentConfigID(connID))
	if req.Kind != csdb.EnableReq || rsp.ConfigID != req.ConfigID {
		return
	}
	if rsp.OffsetMin > rsp.OffsetMax || rsp.OffsetMin < req.OffsetMin {
		e.failProcedure(connID, cs.ProcCSInd, cs.StatusInvalidLLParam)
		return
	}
	ind := e.fixTiming(conn, req, rsp, rsp.OffsetMin)
	e.timers.ClearTimeout(connID, cs.ProcCSInd)
	if err := e.send(connID, &protocol.CSInd{Enable: ind}); err != nil {
		e.failProcedure(connID, cs.ProcCSInd, cs.StatusUnspecifiedError)
		return
	}
	e.startRanging(connID, ind)
}

// onCSInd starts ranging with the timing fixed by the central.
func (e *Engine) onCSInd(connID uint16, conn *link.Conn, ind csdb.ProcedureEnable) {
	if conn.Role != cs.LinkPeripheral || e.ranging[connID] != nil {
		return
	}
	if e.db.ActiveProcedure(connID)&cs.ProcCSInd == 0 {
		return
	}
	req := e.db.ProcedureEnable(connID, e.db.CurrentConfigID(connID))
	if ind.ConfigID != req.ConfigID {
		e.failProcedure(connID, cs.ProcCSInd, cs.StatusInvalidLLParam)
		return
	}
	e.timers.ClearTimeout(connID, cs.ProcCSInd)
	fixed := req
	fixed.Kind = csdb.EnableInd
	fixed.ConnEventCount = ind.ConnEventCount
	fixed.Offset = ind.Offset
	fixed.EventInterval = ind.EventInterval
	fixed.SubeventsPerEvent = ind.SubeventsPerEvent
	fixed.SubeventInterval = ind.SubeventInterval
	fixed.SubeventLen = ind.SubeventLen
	fixed.ACI = ind.ACI
	fixed.Phy = ind.Phy
	fixed.PwrDelta = ind.PwrDelta
	e.startRanging(connID, fixed)
}

// fixTiming merges the proposal and the answer into the LL_CS_IND
// contents. The instant is pushed out when it is too close to the current
// connection event.
func (e *Engine) fixTiming(conn *link.Conn, req, answer csdb.ProcedureEnable, offset uint32) csdb.ProcedureEnable {
	ind := req
	ind.Kind = csdb.EnableInd
	ind.Offset = offset
	ind.EventInterval = answer.EventInterval
	ind.SubeventsPerEvent = answer.SubeventsPerEvent
	ind.SubeventInterval = answer.SubeventInterval
	ind.SubeventLen = answer.SubeventLen
	counter, _ := conn.Event()
	earliest := counter + cs.ConnEventOffset(conn.Role)
	ind.ConnEventCount = answer.ConnEventCount
	if int16(ind.ConnEventCount-earliest) < 0 {
		ind.ConnEventCount = earliest
	}
	return ind
}

// disable asks the peer to stop the sequence of configID.
func (e *Engine) disable(connID uint16, configID uint8) error {
	r := e.ranging[connID]
	if r == nil || r.configID != configID {
		return cs.StatusCommandDisallowed
	}
	if e.db.TerminateInfo(connID).State == cs.TerminateReceived {
		return cs.StatusCommandDisallowed
	}
	e.db.SetTerminateInfo(connID, cs.TerminateReceived, cs.AbortRequest)
	e.armTimer(connID, cs.ProcTerminate)
	req := &protocol.TerminateReq{}
	req.ConfigID = configID
	req.ProcCount = e.db.ProcedureCounter(connID)
	req.ErrorCode = cs.AbortRequest
	if err := e.send(connID, req); err != nil {
		// the peer would keep ranging; leave the sequence running so the
		// host can retry
		e.timers.ClearTimeout(connID, cs.ProcTerminate)
		e.db.SetTerminateInfo(connID, cs.TerminateNone, cs.AbortNone)
		return err
	}
	return nil
}

// onTerminateReq records the peer's request to stop the sequence. The
// teardown runs at the next connection event.
func (e *Engine) onTerminateReq(connID uint16, configID uint8, procCount uint16, errorCode uint8) {
	r := e.ranging[connID]
	if r == nil || r.configID != configID {
		e.reject(connID, protocol.OpcodeCSTerminateReq, cs.StatusCommandDisallowed)
		return
	}
	e.db.SetTerminateInfo(connID, cs.TerminateReceived, errorCode)
	rsp := &protocol.TerminateRsp{}
	rsp.ConfigID = configID
	rsp.ProcCount = procCount
	rsp.ErrorCode = errorCode
	_ = e.send(connID, rsp)
}
