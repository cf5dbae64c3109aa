// Package cs holds the definitions shared by every part of the Channel
// Sounding engine: status codes, numeric limits, timing tables and the small
// arithmetic helpers used by the scheduler [Vol 6, Part H].
package cs

// Configuration and scheduling limits.
const (
	MaxNumConfigIDs = 4 // configurations per connection

	MinNumOfChannels  = 15 // usable channels after filtering
	NumUsableChannels = 72
	ChannelMapLen     = 10 // bytes
	MaxChannel        = 78

	MinSubeventLen = 1250    // µs
	MaxSubeventLen = 3999999 // µs

	MinOffset = 500     // µs
	MaxOffset = 4000000 // µs, exclusive

	MinSubeventsPerEvent       = 1
	MaxSubeventsPerProcedure   = 32
	MaxNumStepsInTxBuff        = 30
	MaxStepsPerSubevent        = 160
	MaxStepsPerProcedure       = 256
	MaxProcedureLen            = 0xFFFF // 0.625 ms units
	MaxMainModeRepetition      = 3
	MinMode0Steps              = 1
	MaxMode0Steps              = 3
	MinMainModeSteps           = 2
	MinCh3cJump                = 2
	MaxCh3cJump                = 8
	FAETableLen                = 72
	RndmSize                   = 16 // bytes of DRBG output per cache
	NumTransactionIDs          = 10
	ConnIntervalUnit           = 1250 // µs
	ProcedureLenUnit           = 625  // µs
	MaxProcedureCount          = 0xFFFF
	TestModeConnID             = 0
	TestModeConfigID           = 0
	InvalidTableValue          = 0xFF
	CsSyncAntennaRepetitive    = 0xFE
	CsSyncAntennaNoRecommended = 0xFF
	PreferredPeerAntennaMask   = 0x0F
	DefaultAntennaMuxMapping   = 0xE4 // identity: 3,2,1,0 from MSB to LSB
)

// Procedures is a bit set over the CS control procedures. Exactly one bit
// may be active per connection; completed procedures accumulate.
type Procedures uint8

// CS control procedures.
const (
	ProcNone          Procedures = 0x00
	ProcSecurity      Procedures = 0x01
	ProcCapabilities  Procedures = 0x02
	ProcConfig        Procedures = 0x04
	ProcFAETable      Procedures = 0x08
	ProcCHMUpdate     Procedures = 0x10
	ProcCSInd         Procedures = 0x20
	ProcTerminate     Procedures = 0x40
	ProcAllProcedures Procedures = 0x7F
)

// Reset masks applied to the completed-procedures bitmap. Repeatable
// procedures are cleared so they can fire again; security and capability
// exchange are one-shot and have no reset mask of their own.
const (
	ResetConfigFlag    = ProcConfig
	ResetFAETableFlag  = ProcFAETable
	ResetCHMUpdateFlag = ProcCHMUpdate
	ResetCSIndFlag     = ProcCSInd
	ResetTerminateFlag = ProcTerminate | ProcCSInd
	ResetAllFlags      = ProcAllProcedures
)

func (p Procedures) String() string {
	switch p {
	case ProcNone:
		return "none"
	case ProcSecurity:
		return "security"
	case ProcCapabilities:
		return "capabilities_exchange"
	case ProcConfig:
		return "config"
	case ProcFAETable:
		return "fae_table_update"
	case ProcCHMUpdate:
		return "chm_update"
	case ProcCSInd:
		return "cs_ind"
	case ProcTerminate:
		return "terminate"
	default:
		return "multiple"
	}
}

// Step modes.
const (
	Mode0    uint8 = 0
	Mode1    uint8 = 1
	Mode2    uint8 = 2
	Mode3    uint8 = 3
	ModeNone uint8 = 0xFF // unused sub mode
)

// Roles.
const (
	RoleInitiator uint8 = 0
	RoleReflector uint8 = 1
)

// Role enable bits (default settings and capabilities).
const (
	RoleEnableInitiator uint8 = 0x01
	RoleEnableReflector uint8 = 0x02
)

// CS_SYNC PHYs.
const (
	PhyLE1M    uint8 = 0x01
	PhyLE2M    uint8 = 0x02
	PhyLE2M2BT uint8 = 0x03
)

// RTT types.
const (
	RTTAAOnly     uint8 = 0x00
	RTTSounding32 uint8 = 0x01
	RTTSounding96 uint8 = 0x02
	RTTRandom32   uint8 = 0x03
	RTTRandom64   uint8 = 0x04
	RTTRandom96   uint8 = 0x05
	RTTRandom128  uint8 = 0x06
)

// MaxRTTType is the highest defined RTT type.
const MaxRTTType = RTTRandom128

// Channel selection algorithms.
const (
	ChSel3b uint8 = 0x00
	ChSel3c uint8 = 0x01
)

// CSA #3c shapes.
const (
	Ch3cShapeHat uint8 = 0x00
	Ch3cShapeX   uint8 = 0x01
)

// Configuration states.
const (
	ConfigDisabled uint8 = 0x00
	ConfigEnabled  uint8 = 0x01
	ConfigRemoved  uint8 = 0x02
)

// Procedure and subevent done statuses reported in result events.
const (
	ProcedureDone     uint8 = 0x00
	ProcedureActive   uint8 = 0x01
	ProcedureInactive uint8 = 0x02
	ProcedureAborted  uint8 = 0x0F

	SubeventDone    uint8 = 0x00
	SubeventActive  uint8 = 0x01
	SubeventAborted uint8 = 0x0F
)

// Procedure abort reasons (low nibble of Abort_Reason).
const (
	AbortNone           uint8 = 0x00
	AbortRequest        uint8 = 0x01
	AbortTooFewChannels uint8 = 0x02
	AbortInstantPassed  uint8 = 0x03
	AbortUnspecified    uint8 = 0x0F
)

// Subevent abort reasons (high nibble of Abort_Reason).
const (
	SubeventAbortNone        uint8 = 0x00
	SubeventAbortRequest     uint8 = 0x01
	SubeventAbortNoCsSync    uint8 = 0x02
	SubeventAbortScheduling  uint8 = 0x03
	SubeventAbortUnspecified uint8 = 0x0F
)

// AbortReason packs a procedure and subevent abort reason into the
// Abort_Reason byte of a result event.
func AbortReason(procedure, subevent uint8) uint8 {
	return procedure&0x0F | (subevent&0x0F)<<4
}

// TransactionID selects one of the independent DRBG streams.
type TransactionID uint8

// DRBG transaction IDs, one per randomization purpose.
const (
	TxMode0ChannelShuffle    TransactionID = 0
	TxNonMode0ChannelShuffle TransactionID = 1
	TxCSA3cShape             TransactionID = 2
	TxCSA3cJump              TransactionID = 3
	TxMainModeSteps          TransactionID = 4
	TxCsSyncAccessAddress    TransactionID = 5
	TxSoundingMarkerPosition TransactionID = 6
	TxSoundingMarkerSignal   TransactionID = 7
	TxToneExtension          TransactionID = 8
	TxAntennaPermutation     TransactionID = 9
)

// Terminate states.
const (
	TerminateNone     uint8 = 0x00
	TerminateReceived uint8 = 0x01
)

// Subevent preparation selector stored in the procedure info.
const (
	PrepCurrSubevent uint8 = 0
	PrepNextSubevent uint8 = 1
)

// Link Layer roles of the underlying ACL connection.
const (
	LinkCentral    uint8 = 0
	LinkPeripheral uint8 = 1
)

// Connection event offsets applied when picking the instant of a CS_IND.
// The central must leave the peripheral time to receive the IND.
const (
	ConnEventOffsetCentral    = 6
	ConnEventOffsetPeripheral = 4
)

// ConnEventOffset returns the per-role connection event offset.
func ConnEventOffset(linkRole uint8) uint16 {
	if linkRole == LinkCentral {
		return ConnEventOffsetCentral
	}
	return ConnEventOffsetPeripheral
}
