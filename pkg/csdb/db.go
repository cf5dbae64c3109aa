// Package csdb is the Channel Sounding database: per-connection CS state,
// the global DRBG bit cache and an allocation budget that emulates the
// controller heap so memory exhaustion can be reported to the host.
package csdb

import (
	"sync/atomic"

	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/drbg"
	"github.com/dbehnke/cs-controller/pkg/logger"
)

// Allocation costs charged against the heap budget, in bytes.
const (
	connCSSize       = 96
	configSize       = 24
	capabilitiesSize = 25
	faeTableSize     = 72
	chanArraySize    = 1 // per channel, per array
)

// ConnCS is the CS state of one connection.
type ConnCS struct {
	inUse bool

	completed       cs.Procedures
	active          cs.Procedures
	currentConfigID uint8

	configs   [cs.MaxNumConfigIDs]*Configuration
	params    [cs.MaxNumConfigIDs]ProcedureParams
	enable    [cs.MaxNumConfigIDs]ProcedureEnable
	chanInfo  [cs.MaxNumConfigIDs]*ChanInfo
	peerCaps  *Capabilities
	peerFAE   *FAETable
	defaults  DefaultSettings
	security  SecurityVectors
	procInfo  ProcedureInfo
	subevent  SubeventInfo
	terminate TerminateInfo

	procedureCounter uint16
	aclStartEvent    uint16
}

// DB holds the CS state of every connection.
type DB struct {
	log *logger.Logger

	conns      []*ConnCS
	heapBudget int
	heapUsed   int

	rndm    [cs.NumTransactionIDs]RandomBitsCache
	refills atomic.Uint64 // read from metrics goroutines

	localCaps Capabilities
	localFAE  FAETable
}

// New allocates a database for maxConns connections. It fails with
// cs.StatusInsufficientMemory when the connection array alone exceeds
// heapBudget. A heapBudget of 0 means unlimited.
func New(maxConns, heapBudget int, log *logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Discard()
	}
	db := &DB{
		log:        log.WithComponent("csdb"),
		heapBudget: heapBudget,
	}
	if err := db.alloc(maxConns * connCSSize); err != nil {
		db.log.Error("failed to allocate connection table",
			logger.Int("max_connections", maxConns),
			logger.Int("heap_budget", heapBudget))
		return nil, err
	}
	db.conns = make([]*ConnCS, maxConns)
	for i := range db.conns {
		db.conns[i] = &ConnCS{}
	}
	db.ResetRandomBitsCache()
	return db, nil
}

// Free releases every connection and the connection table.
func (db *DB) Free() {
	for id := range db.conns {
		db.ConnFree(uint16(id))
	}
	db.release(len(db.conns) * connCSSize)
	db.conns = nil
}

// MaxConnections returns the size of the connection table.
func (db *DB) MaxConnections() int { return len(db.conns) }

// HeapInUse returns the bytes currently charged against the budget.
func (db *DB) HeapInUse() int { return db.heapUsed }

func (db *DB) alloc(n int) error {
	if db.heapBudget > 0 && db.heapUsed+n > db.heapBudget {
		return cs.StatusInsufficientMemory
	}
	db.heapUsed += n
	return nil
}

// fits reports whether n more bytes fit the budget once freed bytes are
// released.
func (db *DB) fits(n, freed int) bool {
	return db.heapBudget <= 0 || db.heapUsed-freed+n <= db.heapBudget
}

func (db *DB) release(n int) {
	db.heapUsed -= n
	if db.heapUsed < 0 {
		db.heapUsed = 0
	}
}

func (db *DB) conn(connID uint16) (*ConnCS, error) {
	if int(connID) >= len(db.conns) {
		return nil, cs.StatusInvalidConnPtr
	}
	return db.conns[connID], nil
}

func (db *DB) liveConn(connID uint16) (*ConnCS, error) {
	c, err := db.conn(connID)
	if err != nil {
		return nil, err
	}
	if !c.inUse {
		return nil, cs.StatusInactiveConnection
	}
	return c, nil
}

func checkConfigID(configID uint8) error {
	if configID >= cs.MaxNumConfigIDs {
		return cs.StatusUnexpectedParameter
	}
	return nil
}

// ConnInit zeroes and activates the CS state of a new connection.
func (db *DB) ConnInit(connID uint16) error {
	c, err := db.conn(connID)
	if err != nil {
		return err
	}
	if c.inUse {
		db.ConnFree(connID)
	}
	*c = ConnCS{
		inUse:    true,
		defaults: DefaultSettings{CsSyncAntennaSelection: cs.CsSyncAntennaNoRecommended},
	}
	c.procInfo.AntennaMapping = cs.DefaultAntennaMuxMapping
	db.log.Debug("connection initialized", logger.Uint16("conn", connID))
	return nil
}

// ConnFree releases everything a connection owns.
func (db *DB) ConnFree(connID uint16) {
	c, err := db.conn(connID)
	if err != nil || !c.inUse {
		return
	}
	for id := uint8(0); id < cs.MaxNumConfigIDs; id++ {
		db.freeChanInfo(c, id)
		if c.configs[id] != nil {
			c.configs[id] = nil
			db.release(configSize)
		}
	}
	if c.peerCaps != nil {
		c.peerCaps = nil
		db.release(capabilitiesSize)
	}
	if c.peerFAE != nil {
		c.peerFAE = nil
		db.release(faeTableSize)
	}
	*c = ConnCS{}
	db.log.Debug("connection freed", logger.Uint16("conn", connID))
}

// IsConnActive reports whether connID has been initialized.
func (db *DB) IsConnActive(connID uint16) bool {
	c, err := db.conn(connID)
	return err == nil && c.inUse
}

// ActiveConnections returns the IDs of initialized connections.
func (db *DB) ActiveConnections() []uint16 {
	var ids []uint16
	for id, c := range db.conns {
		if c.inUse {
			ids = append(ids, uint16(id))
		}
	}
	return ids
}

// SetConfiguration stores cfg under cfg.ID, allocating on first use.
func (db *DB) SetConfiguration(connID uint16, cfg Configuration) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if err := checkConfigID(cfg.ID); err != nil {
		return err
	}
	if c.configs[cfg.ID] == nil {
		if err := db.alloc(configSize); err != nil {
			db.log.Warn("no memory for configuration",
				logger.Uint16("conn", connID), logger.Uint8("config_id", cfg.ID))
			return err
		}
		c.configs[cfg.ID] = &Configuration{}
	}
	*c.configs[cfg.ID] = cfg
	return nil
}

// Configuration returns the stored configuration or false.
func (db *DB) Configuration(connID uint16, configID uint8) (Configuration, bool) {
	c, err := db.liveConn(connID)
	if err != nil || checkConfigID(configID) != nil || c.configs[configID] == nil {
		return Configuration{}, false
	}
	return *c.configs[configID], true
}

// SetConfigState updates only the state of a stored configuration.
func (db *DB) SetConfigState(connID uint16, configID, state uint8) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if err := checkConfigID(configID); err != nil {
		return err
	}
	if c.configs[configID] == nil {
		return cs.StatusUnexpectedParameter
	}
	c.configs[configID].State = state
	return nil
}

// RemoveConfiguration frees a configuration and everything derived from it.
func (db *DB) RemoveConfiguration(connID uint16, configID uint8) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if err := checkConfigID(configID); err != nil {
		return err
	}
	db.freeChanInfo(c, configID)
	if c.configs[configID] != nil {
		c.configs[configID] = nil
		db.release(configSize)
	}
	c.params[configID] = ProcedureParams{}
	c.enable[configID] = ProcedureEnable{}
	return nil
}

// SetActiveProcedure marks proc as the single in-flight control procedure.
// It fails with cs.StatusProcedureInProgress while any other is active.
func (db *DB) SetActiveProcedure(connID uint16, proc cs.Procedures) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if c.active != cs.ProcNone && c.active != proc {
		return cs.StatusProcedureInProgress
	}
	c.active = proc
	return nil
}

// ClearActiveProcedure clears proc if it is the active procedure.
func (db *DB) ClearActiveProcedure(connID uint16, proc cs.Procedures) {
	c, err := db.liveConn(connID)
	if err != nil {
		return
	}
	c.active &^= proc
}

// ActiveProcedure returns the in-flight control procedure.
func (db *DB) ActiveProcedure(connID uint16) cs.Procedures {
	c, err := db.liveConn(connID)
	if err != nil {
		return cs.ProcNone
	}
	return c.active
}

// IsAnyProcedureActive reports whether a ranging procedure is running on
// any connection. Only one may run at a time because the DRBG cache and
// the test session are shared.
func (db *DB) IsAnyProcedureActive() (uint16, bool) {
	for id, c := range db.conns {
		if c.inUse && c.active&cs.ProcCSInd != 0 {
			return uint16(id), true
		}
	}
	return 0, false
}

// MarkProcedureCompleted records proc in the completed bitmap.
func (db *DB) MarkProcedureCompleted(connID uint16, proc cs.Procedures) {
	if c, err := db.liveConn(connID); err == nil {
		c.completed |= proc
	}
}

// IsProcedureCompleted reports whether proc is in the completed bitmap.
func (db *DB) IsProcedureCompleted(connID uint16, proc cs.Procedures) bool {
	c, err := db.liveConn(connID)
	return err == nil && c.completed&proc == proc
}

// ResetProcedureCompletedFlag clears the bits of mask so the procedures can
// run again.
func (db *DB) ResetProcedureCompletedFlag(connID uint16, mask cs.Procedures) {
	if c, err := db.liveConn(connID); err == nil {
		c.completed &^= mask
	}
}

// CompletedProcedures returns the completed bitmap.
func (db *DB) CompletedProcedures(connID uint16) cs.Procedures {
	c, err := db.liveConn(connID)
	if err != nil {
		return cs.ProcNone
	}
	return c.completed
}

// SetCurrentConfigID selects the configuration used by the next procedure.
func (db *DB) SetCurrentConfigID(connID uint16, configID uint8) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if err := checkConfigID(configID); err != nil {
		return err
	}
	c.currentConfigID = configID
	return nil
}

// CurrentConfigID returns the configuration in use by the procedure.
func (db *DB) CurrentConfigID(connID uint16) uint8 {
	c, err := db.liveConn(connID)
	if err != nil {
		return 0
	}
	return c.currentConfigID
}

// SetProcedureParams stores the host procedure parameters for a config.
func (db *DB) SetProcedureParams(connID uint16, configID uint8, p ProcedureParams) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if err := checkConfigID(configID); err != nil {
		return err
	}
	p.Valid = true
	c.params[configID] = p
	return nil
}

// ProcedureParams returns the stored procedure parameters.
func (db *DB) ProcedureParams(connID uint16, configID uint8) ProcedureParams {
	c, err := db.liveConn(connID)
	if err != nil || checkConfigID(configID) != nil {
		return ProcedureParams{}
	}
	return c.params[configID]
}

// SetProcedureEnable stores negotiated enable data for e.ConfigID.
func (db *DB) SetProcedureEnable(connID uint16, e ProcedureEnable) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if err := checkConfigID(e.ConfigID); err != nil {
		return err
	}
	c.enable[e.ConfigID] = e
	return nil
}

// ProcedureEnable returns the negotiated enable data for a config.
func (db *DB) ProcedureEnable(connID uint16, configID uint8) ProcedureEnable {
	c, err := db.liveConn(connID)
	if err != nil || checkConfigID(configID) != nil {
		return ProcedureEnable{}
	}
	return c.enable[configID]
}

// SetProcedureEnabled flips the enabled flag of a config's enable data.
func (db *DB) SetProcedureEnabled(connID uint16, configID uint8, enabled bool) {
	c, err := db.liveConn(connID)
	if err != nil || checkConfigID(configID) != nil {
		return
	}
	c.enable[configID].Enabled = enabled
}

// SetPeerCapabilities stores the capabilities read from the peer.
func (db *DB) SetPeerCapabilities(connID uint16, caps Capabilities) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if c.peerCaps == nil {
		if err := db.alloc(capabilitiesSize); err != nil {
			return err
		}
		c.peerCaps = &Capabilities{}
	}
	*c.peerCaps = caps
	return nil
}

// PeerCapabilities returns the peer capabilities, if exchanged.
func (db *DB) PeerCapabilities(connID uint16) (Capabilities, bool) {
	c, err := db.liveConn(connID)
	if err != nil || c.peerCaps == nil {
		return Capabilities{}, false
	}
	return *c.peerCaps, true
}

// SetLocalCapabilities sets the capabilities this controller advertises.
func (db *DB) SetLocalCapabilities(caps Capabilities) { db.localCaps = caps }

// LocalCapabilities returns the capabilities this controller advertises.
func (db *DB) LocalCapabilities() Capabilities { return db.localCaps }

// SetPeerFAETable stores the FAE table read from the peer.
func (db *DB) SetPeerFAETable(connID uint16, t FAETable) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	if c.peerFAE == nil {
		if err := db.alloc(faeTableSize); err != nil {
			return err
		}
		c.peerFAE = &FAETable{}
	}
	*c.peerFAE = t
	return nil
}

// PeerFAETable returns the peer FAE table, if read.
func (db *DB) PeerFAETable(connID uint16) (FAETable, bool) {
	c, err := db.liveConn(connID)
	if err != nil || c.peerFAE == nil {
		return FAETable{}, false
	}
	return *c.peerFAE, true
}

// SetLocalFAETable stores the local calibration table.
func (db *DB) SetLocalFAETable(t FAETable) { db.localFAE = t }

// LocalFAETable returns the local calibration table.
func (db *DB) LocalFAETable() FAETable { return db.localFAE }

// SetDefaultSettings stores the host default settings.
func (db *DB) SetDefaultSettings(connID uint16, d DefaultSettings) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	c.defaults = d
	return nil
}

// DefaultSettings returns the host default settings.
func (db *DB) DefaultSettings(connID uint16) DefaultSettings {
	c, err := db.liveConn(connID)
	if err != nil {
		return DefaultSettings{}
	}
	return c.defaults
}

// SetSecurityVectors stores both halves of the security material.
func (db *DB) SetSecurityVectors(connID uint16, local, peer drbg.Vector) error {
	c, err := db.liveConn(connID)
	if err != nil {
		return err
	}
	c.security = SecurityVectors{Local: local, Peer: peer, Loaded: true}
	return nil
}

// SecurityVectors returns the stored security material.
func (db *DB) SecurityVectors(connID uint16) SecurityVectors {
	c, err := db.liveConn(connID)
	if err != nil {
		return SecurityVectors{}
	}
	return c.security
}

// ProcedureInfo returns the live procedure state for in-place updates by
// the scheduler.
func (db *DB) ProcedureInfo(connID uint16) *ProcedureInfo {
	c, err := db.liveConn(connID)
	if err != nil {
		return nil
	}
	return &c.procInfo
}

// SubeventInfo returns the live subevent state.
func (db *DB) SubeventInfo(connID uint16) *SubeventInfo {
	c, err := db.liveConn(connID)
	if err != nil {
		return nil
	}
	return &c.subevent
}

// SetTerminateInfo records a termination request.
func (db *DB) SetTerminateInfo(connID uint16, state, errorCode uint8) {
	if c, err := db.liveConn(connID); err == nil {
		c.terminate = TerminateInfo{State: state, ErrorCode: errorCode}
	}
}

// TerminateInfo returns the pending termination request.
func (db *DB) TerminateInfo(connID uint16) TerminateInfo {
	c, err := db.liveConn(connID)
	if err != nil {
		return TerminateInfo{}
	}
	return c.terminate
}

// ProcedureCounter returns the number of procedures started on connID.
func (db *DB) ProcedureCounter(connID uint16) uint16 {
	c, err := db.liveConn(connID)
	if err != nil {
		return 0
	}
	return c.procedureCounter
}

// IncrementProcedureCounter bumps and returns the procedure counter.
func (db *DB) IncrementProcedureCounter(connID uint16) uint16 {
	c, err := db.liveConn(connID)
	if err != nil {
		return 0
	}
	c.procedureCounter++
	return c.procedureCounter
}

// SetACLStartEvent records the ACL event counter of the first procedure.
func (db *DB) SetACLStartEvent(connID uint16, ev uint16) {
	if c, err := db.liveConn(connID); err == nil {
		c.aclStartEvent = ev
	}
}

// ACLStartEvent returns the ACL event counter of the first procedure.
func (db *DB) ACLStartEvent(connID uint16) uint16 {
	c, err := db.liveConn(connID)
	if err != nil {
		return 0
	}
	return c.aclStartEvent
}

// ClearProcedureData resets everything tied to the procedure that just
// ended: scheduling state, subevent buffers, termination request and the
// channel arrays of the configuration it used.
func (db *DB) ClearProcedureData(connID uint16) {
	c, err := db.liveConn(connID)
	if err != nil {
		return
	}
	db.freeChanInfo(c, c.currentConfigID)
	mapping := c.procInfo.AntennaMapping
	c.procInfo = ProcedureInfo{AntennaMapping: mapping}
	c.subevent = SubeventInfo{}
	c.terminate = TerminateInfo{}
	c.procedureCounter = 0
}

// GetTip returns the T_IP time for a table index.
func (db *DB) GetTip(idx uint8) uint8 { return cs.GetTip(idx) }

// GetTfcs returns the T_FCS time for a table index.
func (db *DB) GetTfcs(idx uint8) uint8 { return cs.GetTfcs(idx) }

// GetTpm returns the T_PM time for a table index.
func (db *DB) GetTpm(idx uint8) uint16 { return cs.GetTpm(idx) }
