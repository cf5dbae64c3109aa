package scheduler

import (
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
)

// rejectedProcedure maps the opcode named in LL_REJECT_EXT_IND to the
// procedure it belongs to.
var rejectedProcedure = map[byte]cs.Procedures{
	protocol.OpcodeCSSecReq:       cs.ProcSecurity,
	protocol.OpcodeCSCapReq:       cs.ProcCapabilities,
	protocol.OpcodeCSConfigReq:    cs.ProcConfig,
	protocol.OpcodeCSFAEReq:       cs.ProcFAETable,
	protocol.OpcodeCSReq:          cs.ProcCSInd,
	protocol.OpcodeCSTerminateReq: cs.ProcTerminate,
}

func (e *Engine) handleControlPDU(connID uint16, data []byte) {
	conn, err := e.liveLink(connID)
	if err != nil {
		e.log.Warn("Control PDU for unknown connection", logger.Uint16("conn", connID))
		return
	}
	p, err := protocol.DecodePDU(data)
	if err != nil {
		e.log.Warn("Malformed control PDU",
			logger.Uint16("conn", connID),
			logger.Hex("data", data),
			logger.Error(err))
		return
	}
	e.log.Debug("Control PDU received",
		logger.Uint16("conn", connID),
		logger.String("opcode", opcodeName(p.Opcode())))

	switch pdu := p.(type) {
	case *protocol.RejectExtInd:
		proc, ok := rejectedProcedure[pdu.RejectOpcode]
		if !ok {
			return
		}
		if proc == cs.ProcTerminate {
			e.timers.ClearTimeout(connID, proc)
			return
		}
		e.failProcedure(connID, proc, pdu.ErrorCode)

	case *protocol.SecurityReq:
		if conn.Role != cs.LinkPeripheral {
			e.reject(connID, pdu.Opcode(), cs.StatusCommandDisallowed)
			return
		}
		if e.db.IsProcedureCompleted(connID, cs.ProcSecurity) {
			e.reject(connID, pdu.Opcode(), cs.StatusCommandDisallowed)
			return
		}
		v, err := e.newVector()
		if err != nil {
			e.reject(connID, pdu.Opcode(), cs.StatusUnspecifiedError)
			return
		}
		if err := e.setupGenerator(connID, conn, v, pdu.Vector); err != nil {
			e.reject(connID, pdu.Opcode(), cs.StatusOf(err).HCI())
			return
		}
		rsp := &protocol.SecurityRsp{}
		rsp.Vector = v
		_ = e.send(connID, rsp)
		e.raise(connID, &protocol.SecurityEnableCompleteEvt{Status: cs.StatusSuccess, Handle: connID})

	case *protocol.SecurityRsp:
		if e.db.ActiveProcedure(connID)&cs.ProcSecurity == 0 {
			return
		}
		local := e.localVector[connID]
		delete(e.localVector, connID)
		e.finish(connID, cs.ProcSecurity)
		status := cs.StatusSuccess
		if err := e.setupGenerator(connID, conn, local, pdu.Vector); err != nil {
			status = cs.StatusOf(err).HCI()
		}
		e.raise(connID, &protocol.SecurityEnableCompleteEvt{Status: status, Handle: connID})

	case *protocol.CapabilitiesReq:
		if err := e.db.SetPeerCapabilities(connID, pdu.Caps); err != nil {
			e.reject(connID, pdu.Opcode(), cs.StatusOf(err).HCI())
			return
		}
		e.db.MarkProcedureCompleted(connID, cs.ProcCapabilities)
		rsp := &protocol.CapabilitiesRsp{}
		rsp.Caps = e.db.LocalCapabilities()
		_ = e.send(connID, rsp)

	case *protocol.CapabilitiesRsp:
		if e.db.ActiveProcedure(connID)&cs.ProcCapabilities == 0 {
			return
		}
		e.finish(connID, cs.ProcCapabilities)
		status := cs.StatusSuccess
		if err := e.db.SetPeerCapabilities(connID, pdu.Caps); err != nil {
			status = cs.StatusOf(err).HCI()
		} else {
			e.db.MarkProcedureCompleted(connID, cs.ProcCapabilities)
		}
		e.raise(connID, &protocol.ReadRemoteCapabilitiesCompleteEvt{Status: status, Handle: connID, Caps: pdu.Caps})

	case *protocol.FAEReq:
		if e.db.LocalCapabilities().NoFAE {
			e.reject(connID, pdu.Opcode(), cs.StatusFeatureNotSupported)
			return
		}
		_ = e.send(connID, &protocol.FAERsp{Table: e.db.LocalFAETable()})

	case *protocol.FAERsp:
		if e.db.ActiveProcedure(connID)&cs.ProcFAETable == 0 {
			return
		}
		e.finish(connID, cs.ProcFAETable)
		status := cs.StatusSuccess
		if err := e.db.SetPeerFAETable(connID, pdu.Table); err != nil {
			status = cs.StatusOf(err).HCI()
		} else {
			e.db.MarkProcedureCompleted(connID, cs.ProcFAETable)
		}
		e.raise(connID, &protocol.ReadRemoteFAETableCompleteEvt{Status: status, Handle: connID, Table: pdu.Table})

	case *protocol.ConfigReq:
		e.onConfigReq(connID, pdu.Config)

	case *protocol.ConfigRsp:
		e.onConfigRsp(connID, pdu.ConfigID)

	case *protocol.CSReq:
		e.onCSReq(connID, conn, pdu.Enable)

	case *protocol.CSRsp:
		e.onCSRsp(connID, conn, pdu.Enable)

	case *protocol.CSInd:
		e.onCSInd(connID, conn, pdu.Enable)

	case *protocol.TerminateReq:
		e.onTerminateReq(connID, pdu.ConfigID, pdu.ProcCount, pdu.ErrorCode)

	case *protocol.TerminateRsp:
		e.timers.ClearTimeout(connID, cs.ProcTerminate)

	case *protocol.ChannelMapInd:
		if conn.Role != cs.LinkPeripheral {
			return
		}
		e.chm[connID] = pendingCHM{Map: pdu.ChannelMap, Instant: pdu.Instant}
	}
}

func (e *Engine) reject(connID uint16, opcode byte, status cs.Status) {
	e.log.Info("Rejecting control PDU",
		logger.Uint16("conn", connID),
		logger.String("opcode", opcodeName(opcode)),
		logger.String("reason", status.Error()))
	_ = e.send(connID, &protocol.RejectExtInd{RejectOpcode: opcode, ErrorCode: status})
}

// onConfigReq creates or removes a configuration requested by the peer.
// The received role is the sender's.
func (e *Engine) onConfigReq(connID uint16, cfg csdb.Configuration) {
	if cfg.ID >= cs.MaxNumConfigIDs {
		e.reject(connID, protocol.OpcodeCSConfigReq, cs.StatusInvalidLLParam)
		return
	}
	if e.db.ProcedureEnable(connID, cfg.ID).Enabled {
		e.reject(connID, protocol.OpcodeCSConfigReq, cs.StatusCommandDisallowed)
		return
	}
	if cfg.State == protocol.ConfigActionRemoved {
		removed, _ := e.db.Configuration(connID, cfg.ID)
		if err := e.db.RemoveConfiguration(connID, cfg.ID); err != nil {
			e.reject(connID, protocol.OpcodeCSConfigReq, cs.StatusOf(err).HCI())
			return
		}
		_ = e.send(connID, &protocol.ConfigRsp{ConfigID: cfg.ID})
		e.raise(connID, &protocol.ConfigCompleteEvt{Status: cs.StatusSuccess, Handle: connID, Action: protocol.ConfigActionRemoved, Config: removed})
		return
	}

	cfg.Role = peerRole(cfg.Role)
	peer, ok := e.db.PeerCapabilities(connID)
	if !ok {
		// Validate against ourselves when the peer never told us its
		// capabilities.
		peer = e.db.LocalCapabilities()
	}
	if err := validateConfig(cfg, e.db.LocalCapabilities(), peer, e.connClass[connID]); err != nil {
		e.reject(connID, protocol.OpcodeCSConfigReq, cs.StatusOf(err).HCI())
		return
	}
	if !validTimingIndices(cfg) {
		e.reject(connID, protocol.OpcodeCSConfigReq, cs.StatusInvalidLLParam)
		return
	}
	if !roleAllowed(cfg.Role, e.db.DefaultSettings(connID).RoleEnable) {
		e.reject(connID, protocol.OpcodeCSConfigReq, cs.StatusCommandDisallowed)
		return
	}
	cfg.State = cs.ConfigEnabled
	if err := e.db.SetConfiguration(connID, cfg); err != nil {
		e.reject(connID, protocol.OpcodeCSConfigReq, cs.StatusOf(err).HCI())
		return
	}
	e.db.MarkProcedureCompleted(connID, cs.ProcConfig)
	_ = e.send(connID, &protocol.ConfigRsp{ConfigID: cfg.ID})
	e.raise(connID, &protocol.ConfigCompleteEvt{Status: cs.StatusSuccess, Handle: connID, Action: protocol.ConfigActionCreated, Config: cfg})
}

func (e *Engine) onConfigRsp(connID uint16, configID uint8) {
	if e.db.ActiveProcedure(connID)&cs.ProcConfig == 0 {
		return
	}
	cfg, ok := e.pendingConfig[connID]
	if !ok || cfg.ID != configID {
		return
	}
	delete(e.pendingConfig, connID)
	e.finish(connID, cs.ProcConfig)

	if cfg.State == cs.ConfigRemoved {
		status := cs.StatusOf(e.db.RemoveConfiguration(connID, configID)).HCI()
		e.raise(connID, &protocol.ConfigCompleteEvt{Status: status, Handle: connID, Action: protocol.ConfigActionRemoved, Config: cfg})
		return
	}
	status := cs.StatusSuccess
	if err := e.db.SetConfiguration(connID, cfg); err != nil {
		status = cs.StatusOf(err).HCI()
	} else {
		e.db.MarkProcedureCompleted(connID, cs.ProcConfig)
	}
	e.raise(connID, &protocol.ConfigCompleteEvt{Status: status, Handle: connID, Action: protocol.ConfigActionCreated, Config: cfg})
}
