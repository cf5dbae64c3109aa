package csdb

import (
	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/drbg"
)

// Configuration is one negotiated CS configuration.
type Configuration struct {
	ID                 uint8 // 6 bits
	State              uint8 // cs.Config*
	ChannelMap         chanmap.Map
	ChMRepetition      uint8
	MainMode           uint8
	SubMode            uint8
	MainModeMinSteps   uint8
	MainModeMaxSteps   uint8
	MainModeRepetition uint8
	Mode0Steps         uint8
	Role               uint8
	RTTType            uint8
	CsSyncPhy          uint8
	ChSel              uint8
	Ch3cShape          uint8
	Ch3cJump           uint8
	TIP1               uint8 // T_IP1 table index
	TIP2               uint8
	TFCS               uint8
	TPM                uint8
}

// Capabilities is the CS capability set of one device.
type Capabilities struct {
	ModeTypes              uint8 // bit 0: mode 3
	RTTCapability          uint8
	RTTAAOnlyN             uint8
	RTTSoundingN           uint8
	RTTRandomPayloadN      uint8
	NADMSoundingCapability uint16
	NADMRandomCapability   uint16
	CsSyncPhysSupported    uint8 // bit 1: 2M, bit 2: 2M 2BT
	NumAntennas            uint8
	MaxAntennaPaths        uint8
	RolesSupported         uint8 // cs.RoleEnable* bits
	NoFAE                  bool
	ChSel3c                bool
	PBRFromSounding        bool
	NumConfigsSupported    uint8
	MaxProceduresSupported uint16
	TSWTimeSupported       uint8 // µs
	TIP1TimesSupported     uint16
	TIP2TimesSupported     uint16
	TFCSTimesSupported     uint16
	TPMTimesSupported      uint16
	TxSNRCapability        uint8
}

// Antenna returns the antenna resources advertised in c.
func (c Capabilities) Antenna() antenna.Capability {
	return antenna.Capability{NumAntennas: c.NumAntennas, MaxAntennaPaths: c.MaxAntennaPaths}
}

// SupportsMode3 reports whether mode 3 steps are supported.
func (c Capabilities) SupportsMode3() bool { return c.ModeTypes&0x01 != 0 }

// SupportsPhy reports whether CS_SYNC may use phy.
func (c Capabilities) SupportsPhy(phy uint8) bool {
	if phy == 0x01 {
		return true
	}
	return c.CsSyncPhysSupported&(1<<(phy-1)) != 0
}

// EnableKind says which PDU a ProcedureEnable record was built from.
type EnableKind uint8

const (
	EnableReq EnableKind = iota
	EnableRsp
	EnableInd
)

// ProcedureEnable holds the negotiated procedure timing. Which fields are
// meaningful depends on Kind:
//
//	REQ: ConnEventCount, OffsetMin, OffsetMax, MaxProcedureDur, EventInterval,
//	     SubeventsPerEvent, SubeventInterval, SubeventLen, ProcedureInterval,
//	     ProcedureCount, ACI, PreferredPeerAntenna, Phy, PwrDelta, SNR
//	RSP: ConnEventCount, OffsetMin, OffsetMax, EventInterval,
//	     SubeventsPerEvent, SubeventInterval, SubeventLen
//	IND: ConnEventCount, Offset, EventInterval, SubeventsPerEvent,
//	     SubeventInterval, SubeventLen, ACI, Phy, PwrDelta
type ProcedureEnable struct {
	Kind                 EnableKind
	ConfigID             uint8
	Enabled              bool
	ConnEventCount       uint16
	Offset               uint32 // µs
	OffsetMin            uint32 // µs
	OffsetMax            uint32 // µs
	MaxProcedureDur      uint16 // 0.625 ms
	EventInterval        uint16 // connection events
	SubeventsPerEvent    uint8
	SubeventInterval     uint16 // 0.625 ms
	SubeventLen          uint32 // µs
	ProcedureInterval    uint16 // connection events
	ProcedureCount       uint16
	ACI                  antenna.ACI
	PreferredPeerAntenna uint8
	Phy                  uint8
	PwrDelta             int8
	SnrControlInitiator  uint8
	SnrControlReflector  uint8
}

// SubeventIntervalUs returns the subevent interval in µs.
func (e ProcedureEnable) SubeventIntervalUs() uint32 {
	return uint32(e.SubeventInterval) * 625
}

// ProcedureParams are the host's Set Procedure Parameters for a config.
type ProcedureParams struct {
	MaxProcedureDur      uint16 // 0.625 ms
	MinProcedureInterval uint16
	MaxProcedureInterval uint16
	MaxProcedureCount    uint16
	MinSubeventLen       uint32 // µs
	MaxSubeventLen       uint32 // µs
	ACI                  antenna.ACI
	Phy                  uint8
	TxPowerDelta         int8
	PreferredPeerAntenna uint8
	SnrControlInitiator  uint8
	SnrControlReflector  uint8
	Valid                bool
}

// DefaultSettings are the host's per-connection defaults.
type DefaultSettings struct {
	RoleEnable             uint8
	CsSyncAntennaSelection uint8
	MaxTxPower             int8
}

// FAETable holds one frequency actuation error per usable channel.
type FAETable [72]int8

// TerminateInfo records a termination request for the running procedure.
type TerminateInfo struct {
	State     uint8 // cs.Terminate*
	ErrorCode uint8 // cs.Abort*
}

// ProcCnt counts progress through the running procedure.
type ProcCnt struct {
	Subevent  uint8
	Event     uint16
	Procedure uint16
}

// ProcedureInfo is the scheduling state of the running procedure.
type ProcedureInfo struct {
	Cnt                ProcCnt
	RemainingMmSteps   int
	StepsInProcedure   int
	EventsPerProcedure uint32
	SubeventsPerEvent  uint8
	EventAnchorUs      uint64
	StartEventCounter  uint16 // ACL event of the current procedure
	AntennaMapping     uint8
	NextProcedure      bool
	NextSubevent       uint8 // cs.Prep*
	DoneStatus         uint8
	SubeventDoneStatus uint8
	AbortReason        uint8
	Mode0Done          bool
}

// Step is one planned CS step.
type Step struct {
	Mode     uint8
	Channel  uint8
	PermIdx  uint8 // antenna permutation index, mode 2/3
	ToneExt  uint8 // tone extension presence bits, mode 2/3
	Repeated bool  // main mode repetition step
}

// SubeventInfo tracks the subevent being executed.
type SubeventInfo struct {
	Steps        []Step
	Submitted    int // steps handed to the radio
	Completed    int // steps the radio finished
	Reported     int // steps already sent to the host
	RepetitionCh []uint8
	StartUs      uint64
	ResultData   []byte
	NumReported  uint8
}

// Reset empties the subevent, keeping the repetition channels.
func (s *SubeventInfo) Reset() {
	s.Steps = s.Steps[:0]
	s.Submitted = 0
	s.Completed = 0
	s.Reported = 0
	s.ResultData = s.ResultData[:0]
	s.NumReported = 0
}

// SecurityVectors hold both halves of the CS security material.
type SecurityVectors struct {
	Local  drbg.Vector
	Peer   drbg.Vector
	Loaded bool
}

// RandomBitsCache buffers one DRBG block for a transaction ID.
type RandomBitsCache struct {
	Bits     [16]byte
	BitsUsed int
}
