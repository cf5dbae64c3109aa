package scheduler

import (
	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/drbg"
	"github.com/dbehnke/cs-controller/pkg/link"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
)

// Config create contexts.
const (
	CreateLocalOnly uint8 = 0
	CreateWithPeer  uint8 = 1
)

// SecurityEnable starts the CS security procedure. Only the central of an
// encrypted link may start it and it runs once per connection.
func (e *Engine) SecurityEnable(connID uint16) error {
	conn, err := e.liveLink(connID)
	if err != nil {
		return err
	}
	if conn.Role != cs.LinkCentral {
		return cs.StatusCommandDisallowed
	}
	if _, ok := conn.SessionKey(); !ok {
		return cs.StatusInsufficientSecurity
	}
	if e.db.IsProcedureCompleted(connID, cs.ProcSecurity) {
		return cs.StatusCommandDisallowed
	}
	v, err := e.newVector()
	if err != nil {
		return errors.Wrap(cs.StatusDRBGInitFail, err.Error())
	}
	if err := e.begin(connID, cs.ProcSecurity); err != nil {
		return err
	}
	e.localVector[connID] = v
	req := &protocol.SecurityReq{}
	req.Vector = v
	if err := e.send(connID, req); err != nil {
		e.finish(connID, cs.ProcSecurity)
		return err
	}
	return nil
}

// ReadRemoteCapabilities exchanges CS capabilities with the peer. Once the
// exchange has completed the cached result is reported again.
func (e *Engine) ReadRemoteCapabilities(connID uint16) error {
	if _, err := e.liveLink(connID); err != nil {
		return err
	}
	if e.db.IsProcedureCompleted(connID, cs.ProcCapabilities) {
		caps, _ := e.db.PeerCapabilities(connID)
		e.raise(connID, &protocol.ReadRemoteCapabilitiesCompleteEvt{Status: cs.StatusSuccess, Handle: connID, Caps: caps})
		return nil
	}
	if err := e.begin(connID, cs.ProcCapabilities); err != nil {
		return err
	}
	req := &protocol.CapabilitiesReq{}
	req.Caps = e.db.LocalCapabilities()
	if err := e.send(connID, req); err != nil {
		e.finish(connID, cs.ProcCapabilities)
		return err
	}
	return nil
}

// ReadRemoteFAETable fetches the peer's FAE table.
func (e *Engine) ReadRemoteFAETable(connID uint16) error {
	if _, err := e.liveLink(connID); err != nil {
		return err
	}
	peer, ok := e.db.PeerCapabilities(connID)
	if !ok {
		return cs.StatusCommandDisallowed
	}
	if peer.NoFAE {
		return cs.StatusFeatureNotSupported
	}
	e.db.ResetProcedureCompletedFlag(connID, cs.ResetFAETableFlag)
	if err := e.begin(connID, cs.ProcFAETable); err != nil {
		return err
	}
	if err := e.send(connID, &protocol.FAEReq{}); err != nil {
		e.finish(connID, cs.ProcFAETable)
		return err
	}
	return nil
}

// CreateConfig validates and stores a configuration. With CreateWithPeer
// the configuration is negotiated over LL_CS_CONFIG_REQ and stored once the
// peer accepts it. The timing indices of cfg are chosen by the controller.
func (e *Engine) CreateConfig(connID uint16, cfg csdb.Configuration, createContext uint8) error {
	if _, err := e.liveLink(connID); err != nil {
		return err
	}
	if createContext != CreateLocalOnly && createContext != CreateWithPeer {
		return cs.StatusUnexpectedParameter
	}
	peer, ok := e.db.PeerCapabilities(connID)
	if !ok {
		return cs.StatusCommandDisallowed
	}
	if cfg.ID < cs.MaxNumConfigIDs && e.db.ProcedureEnable(connID, cfg.ID).Enabled {
		return cs.StatusCommandDisallowed
	}
	local := e.db.LocalCapabilities()
	if err := validateConfig(cfg, local, peer, e.classification); err != nil {
		return err
	}
	if !roleAllowed(cfg.Role, e.db.DefaultSettings(connID).RoleEnable) {
		return cs.StatusCommandDisallowed
	}
	resolveTimingIndices(&cfg, local, peer)
	cfg.State = cs.ConfigEnabled

	if createContext == CreateLocalOnly {
		if err := e.db.SetConfiguration(connID, cfg); err != nil {
			return err
		}
		e.db.MarkProcedureCompleted(connID, cs.ProcConfig)
		e.raise(connID, &protocol.ConfigCompleteEvt{Status: cs.StatusSuccess, Handle: connID, Action: protocol.ConfigActionCreated, Config: cfg})
		return nil
	}

	if err := e.begin(connID, cs.ProcConfig); err != nil {
		return err
	}
	e.pendingConfig[connID] = cfg
	wire := cfg
	wire.State = protocol.ConfigActionCreated
	if err := e.send(connID, &protocol.ConfigReq{Config: wire}); err != nil {
		delete(e.pendingConfig, connID)
		e.finish(connID, cs.ProcConfig)
		return err
	}
	return nil
}

// RemoveConfig removes a configuration locally and on the peer.
func (e *Engine) RemoveConfig(connID uint16, configID uint8) error {
	if _, err := e.liveLink(connID); err != nil {
		return err
	}
	cfg, ok := e.db.Configuration(connID, configID)
	if !ok {
		return cs.StatusUnexpectedParameter
	}
	if e.db.ProcedureEnable(connID, configID).Enabled {
		return cs.StatusCommandDisallowed
	}
	if err := e.begin(connID, cs.ProcConfig); err != nil {
		return err
	}
	cfg.State = cs.ConfigRemoved
	e.pendingConfig[connID] = cfg
	req := &protocol.ConfigReq{Config: csdb.Configuration{ID: configID, State: protocol.ConfigActionRemoved}}
	if err := e.send(connID, req); err != nil {
		delete(e.pendingConfig, connID)
		e.finish(connID, cs.ProcConfig)
		return err
	}
	return nil
}

// SetChannelClassification updates the host channel classification. The
// central of every connection announces it to the peer with
// LL_CS_CHANNEL_MAP_IND; both sides switch at the announced instant.
func (e *Engine) SetChannelClassification(m chanmap.Map) error {
	if m.Restrict().Count() < cs.MinNumOfChannels {
		return cs.StatusUnexpectedParameter
	}
	e.classification = m
	for _, conn := range e.links.All() {
		if conn.Role != cs.LinkCentral || !e.db.IsConnActive(conn.Handle) {
			continue
		}
		counter, _ := conn.Event()
		instant := counter + cs.ConnEventOffset(cs.LinkCentral)
		if err := e.send(conn.Handle, &protocol.ChannelMapInd{ChannelMap: m, Instant: instant}); err != nil {
			continue
		}
		e.chm[conn.Handle] = pendingCHM{Map: m, Instant: instant}
	}
	return nil
}

// SetDefaultSettings stores the host defaults of a connection.
func (e *Engine) SetDefaultSettings(connID uint16, d csdb.DefaultSettings) error {
	if _, err := e.liveLink(connID); err != nil {
		return err
	}
	if err := validateDefaults(d, e.db.LocalCapabilities()); err != nil {
		return err
	}
	return e.db.SetDefaultSettings(connID, d)
}

// SetProcedureParameters stores the host procedure parameters of a
// configuration.
func (e *Engine) SetProcedureParameters(connID uint16, configID uint8, p csdb.ProcedureParams) error {
	if _, err := e.liveLink(connID); err != nil {
		return err
	}
	cfg, ok := e.db.Configuration(connID, configID)
	if !ok {
		return cs.StatusUnexpectedParameter
	}
	if e.db.ProcedureEnable(connID, configID).Enabled {
		return cs.StatusCommandDisallowed
	}
	peer, ok := e.db.PeerCapabilities(connID)
	if !ok {
		return cs.StatusCommandDisallowed
	}
	if err := validateParams(p, cfg, e.db.LocalCapabilities(), peer); err != nil {
		return err
	}
	return e.db.SetProcedureParams(connID, configID, p)
}

// setupGenerator keys the connection's DRBG once both security halves
// are known.
func (e *Engine) setupGenerator(connID uint16, conn *link.Conn, local, peer drbg.Vector) error {
	key, ok := conn.SessionKey()
	if !ok {
		return cs.StatusInsufficientSecurity
	}
	central, peripheral := local, peer
	if conn.Role == cs.LinkPeripheral {
		central, peripheral = peer, local
	}
	gen, err := e.newGenerator(key, drbg.Compose(central, peripheral))
	if err != nil {
		return errors.Wrap(cs.StatusDRBGInitFail, err.Error())
	}
	if err := e.db.SetSecurityVectors(connID, local, peer); err != nil {
		return err
	}
	e.gens[connID] = gen
	e.db.MarkProcedureCompleted(connID, cs.ProcSecurity)
	return nil
}

// failProcedure ends the initiated procedure proc with status and reports
// it to the host.
func (e *Engine) failProcedure(connID uint16, proc cs.Procedures, status cs.Status) {
	if e.db.ActiveProcedure(connID)&proc == 0 {
		return
	}
	e.finish(connID, proc)
	e.log.Warn("Control procedure failed",
		logger.Uint16("conn", connID),
		logger.String("procedure", proc.String()),
		logger.String("status", status.Error()))

	switch proc {
	case cs.ProcSecurity:
		delete(e.localVector, connID)
		e.raise(connID, &protocol.SecurityEnableCompleteEvt{Status: status, Handle: connID})
	case cs.ProcCapabilities:
		e.raise(connID, &protocol.ReadRemoteCapabilitiesCompleteEvt{Status: status, Handle: connID})
	case cs.ProcFAETable:
		e.raise(connID, &protocol.ReadRemoteFAETableCompleteEvt{Status: status, Handle: connID})
	case cs.ProcConfig:
		cfg := e.pendingConfig[connID]
		delete(e.pendingConfig, connID)
		action := protocol.ConfigActionCreated
		if cfg.State == cs.ConfigRemoved {
			action = protocol.ConfigActionRemoved
		}
		e.raise(connID, &protocol.ConfigCompleteEvt{Status: status, Handle: connID, Action: action, Config: cfg})
	case cs.ProcCSInd:
		cfgID := e.db.CurrentConfigID(connID)
		e.db.SetProcedureEnable(connID, csdb.ProcedureEnable{ConfigID: cfgID})
		e.raise(connID, &protocol.ProcedureEnableCompleteEvt{Status: status, Handle: connID, ConfigID: cfgID})
	}
}

// responseTimeout handles an expired response timer. Timers that lost the
// race against the response are ignored.
func (e *Engine) responseTimeout(connID uint16, proc cs.Procedures) {
	if proc == cs.ProcTerminate {
		e.log.Warn("No response to LL_CS_TERMINATE_REQ", logger.Uint16("conn", connID))
		return
	}
	if proc == cs.ProcCSInd && e.ranging[connID] != nil {
		return
	}
	e.failProcedure(connID, proc, cs.StatusLLResponseTimeout)
}
