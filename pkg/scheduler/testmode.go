package scheduler

import (
	"encoding/binary"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/drbg"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/testmode"
)

// validateTestParams checks the CS test command against the local
// capabilities. The device plays both ends, so it also stands in for the
// peer.
func validateTestParams(p testmode.Params, local csdb.Capabilities) error {
	if err := validateModes(p.MainMode, p.SubMode, local, local); err != nil {
		return err
	}
	if p.Mode0Steps < cs.MinMode0Steps || p.Mode0Steps > cs.MaxMode0Steps {
		return cs.StatusUnexpectedParameter
	}
	if p.MainModeRepetition > cs.MaxMainModeRepetition {
		return cs.StatusUnexpectedParameter
	}
	if p.Role != cs.RoleInitiator && p.Role != cs.RoleReflector {
		return cs.StatusUnexpectedParameter
	}
	if p.RTTType > cs.MaxRTTType || p.CsSyncPhy < cs.PhyLE1M || p.CsSyncPhy > cs.PhyLE2M2BT {
		return cs.StatusUnexpectedParameter
	}
	if p.SubeventLen < cs.MinSubeventLen || p.SubeventLen > cs.MaxSubeventLen {
		return cs.StatusUnexpectedParameter
	}
	if p.MaxNumSubevents == 0 || p.MaxNumSubevents > cs.MaxSubeventsPerProcedure {
		return cs.StatusUnexpectedParameter
	}
	if p.ChMRepetition > cs.MaxMainModeRepetition {
		return cs.StatusUnexpectedParameter
	}
	return antenna.CheckACI(p.ACI, p.Role, local.Antenna(), local.Antenna())
}

// StartTest runs CS test mode on the reserved connection 0. The test keeps
// running procedures until EndTest.
func (e *Engine) StartTest(p testmode.Params) error {
	if e.session.Active() {
		return cs.StatusCommandDisallowed
	}
	if _, active := e.db.IsAnyProcedureActive(); active || len(e.ranging) > 0 {
		return cs.StatusCommandDisallowed
	}
	if err := validateTestParams(p, e.db.LocalCapabilities()); err != nil {
		return err
	}
	if err := e.session.Start(p); err != nil {
		return err
	}
	if err := e.db.ConnInit(cs.TestModeConnID); err != nil {
		e.session.End()
		return err
	}

	subeventInterval := p.SubeventInterval
	if subeventInterval == 0 {
		subeventInterval = uint16((p.SubeventLen + cs.ProcedureLenUnit - 1) / cs.ProcedureLenUnit)
	}
	numSubevents := p.MaxNumSubevents
	eventUs := uint32(cs.MinOffset) + uint32(numSubevents)*uint32(subeventInterval)*cs.ProcedureLenUnit
	interval := uint16(min((eventUs+cs.ConnIntervalUnit-1)/cs.ConnIntervalUnit, 0xFFFF))
	conn := e.links.Add(cs.TestModeConnID, cs.LinkCentral, interval)

	cfg := csdb.Configuration{
		ID:                 cs.TestModeConfigID,
		State:              cs.ConfigEnabled,
		ChannelMap:         chanmap.Full(),
		ChMRepetition:      max(p.ChMRepetition, 1),
		MainMode:           p.MainMode,
		SubMode:            p.SubMode,
		MainModeMinSteps:   cs.MinMainModeSteps,
		MainModeMaxSteps:   cs.MinMainModeSteps,
		MainModeRepetition: p.MainModeRepetition,
		Mode0Steps:         p.Mode0Steps,
		Role:               p.Role,
		RTTType:            p.RTTType,
		CsSyncPhy:          p.CsSyncPhy,
		ChSel:              cs.ChSel3b,
	}
	if err := e.db.SetConfiguration(cs.TestModeConnID, cfg); err != nil {
		e.abandonTest()
		return err
	}
	_ = e.db.SetDefaultSettings(cs.TestModeConnID, csdb.DefaultSettings{
		RoleEnable:             cs.RoleEnableInitiator | cs.RoleEnableReflector,
		CsSyncAntennaSelection: p.CsSyncAntennaSelection,
		MaxTxPower:             p.TxPowerLevel,
	})

	// The DRBG runs from a zero key with the nonce as instantiation input.
	var seed drbg.Seed
	binary.LittleEndian.PutUint16(seed.IN[:], p.DRBGNonce)
	gen, err := e.newGenerator([16]byte{}, seed)
	if err != nil {
		e.abandonTest()
		return cs.StatusDRBGInitFail
	}

	counter, _ := conn.Event()
	enable := csdb.ProcedureEnable{
		Kind:                csdb.EnableInd,
		ConfigID:            cfg.ID,
		Enabled:             true,
		ConnEventCount:      counter,
		Offset:              cs.MinOffset,
		EventInterval:       1,
		SubeventsPerEvent:   numSubevents,
		SubeventInterval:    subeventInterval,
		SubeventLen:         p.SubeventLen,
		ProcedureInterval:   1,
		ACI:                 p.ACI,
		Phy:                 p.CsSyncPhy,
		SnrControlInitiator: p.SnrControlInitiator,
		SnrControlReflector: p.SnrControlReflector,
	}
	_ = e.db.SetCurrentConfigID(cs.TestModeConnID, cfg.ID)
	_ = e.db.SetProcedureEnable(cs.TestModeConnID, enable)
	_ = e.db.SetActiveProcedure(cs.TestModeConnID, cs.ProcCSInd)
	pi := e.db.ProcedureInfo(cs.TestModeConnID)
	pi.AntennaMapping = cs.DefaultAntennaMuxMapping
	awaitProcedure(pi)
	e.connClass[cs.TestModeConnID] = e.classification
	e.db.ResetRandomBitsCache()

	nap := antenna.NumPaths(p.ACI)
	timing := cs.StepTiming{
		TFCS:    uint32(p.TFCS),
		TIP1:    uint32(p.TIP1),
		TIP2:    uint32(p.TIP2),
		TPM:     uint32(p.TPM),
		TSY:     cs.SyncDuration(p.CsSyncPhy, p.RTTType),
		NumPath: nap,
	}
	if nap > 1 {
		timing.TSW = uint32(p.TSW)
	}
	e.ranging[cs.TestModeConnID] = &ranging{
		configID:  cfg.ID,
		cfg:       cfg,
		enable:    enable,
		timing:    timing,
		nap:       nap,
		gen:       gen,
		test:      true,
		nextStart: counter,
		started:   true,
		syncLoop:  cs.LoopFlag | 1,
	}
	e.log.Info("CS test started",
		logger.Uint8("main_mode", p.MainMode),
		logger.Uint8("role", p.Role),
		logger.Uint8("subevents", numSubevents),
		logger.Uint16("interval", interval))
	return nil
}

// EndTest stops CS test mode and releases connection 0.
func (e *Engine) EndTest() error {
	if !e.session.Active() {
		return cs.StatusCommandDisallowed
	}
	r := e.ranging[cs.TestModeConnID]
	delete(e.ranging, cs.TestModeConnID)
	if r != nil && r.inFlight {
		e.radio.Stop(cs.TestModeConnID)
	}
	e.abandonTest()
	e.log.Info("CS test ended")
	e.raise(cs.TestModeConnID, &protocol.TestEndCompleteEvt{Status: cs.StatusSuccess})
	return nil
}

func (e *Engine) abandonTest() {
	e.session.End()
	e.db.ConnFree(cs.TestModeConnID)
	e.links.Remove(cs.TestModeConnID)
	delete(e.connClass, cs.TestModeConnID)
}

// TestActive reports whether CS test mode is running.
func (e *Engine) TestActive() bool { return e.session.Active() }
