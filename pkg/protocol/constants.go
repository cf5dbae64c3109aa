// Package protocol encodes and decodes the Channel Sounding wire formats:
// LL control PDUs exchanged with the peer, per-step result data produced by
// the radio and the HCI LE meta events reported to the host. All multi-byte
// fields are little-endian.
package protocol

// LL control PDU opcodes
const (
	OpcodeRejectExtInd    = 0x11
	OpcodeCSSecReq        = 0x1F
	OpcodeCSSecRsp        = 0x20
	OpcodeCSCapReq        = 0x21
	OpcodeCSCapRsp        = 0x22
	OpcodeCSConfigReq     = 0x23
	OpcodeCSConfigRsp     = 0x24
	OpcodeCSReq           = 0x25
	OpcodeCSRsp           = 0x26
	OpcodeCSInd           = 0x27
	OpcodeCSTerminateReq  = 0x28
	OpcodeCSFAEReq        = 0x29
	OpcodeCSFAERsp        = 0x2A
	OpcodeCSChannelMapInd = 0x2B
	OpcodeCSTerminateRsp  = 0x2D
)

// Control PDU payload sizes in bytes, opcode excluded
const (
	RejectExtIndSize  = 2
	SecPDUSize        = 20 // CS_IV(8) + CS_IN(4) + CS_PV(8)
	CapPDUSize        = 25
	ConfigReqSize     = 24
	ConfigRspSize     = 1
	CSReqSize         = 28
	CSRspSize         = 20
	CSIndSize         = 17
	TerminateSize     = 4
	FAEReqSize        = 0
	FAERspSize        = 72
	ChannelMapIndSize = 12
)

// CONFIG_REQ field offsets
const (
	ConfigOffsetID         = 0  // 1 byte: ID bits 0-5, state bits 6-7
	ConfigOffsetChannelMap = 1  // 10 bytes
	ConfigOffsetChMRep     = 11 // 1 byte
	ConfigOffsetModes      = 12 // 1 byte: main 0-1, sub 2-3, role 4
	ConfigOffsetMinSteps   = 13 // 1 byte
	ConfigOffsetMaxSteps   = 14 // 1 byte
	ConfigOffsetRepetition = 15 // 1 byte
	ConfigOffsetMode0Steps = 16 // 1 byte
	ConfigOffsetRTTPhy     = 17 // 1 byte: RTT type 0-3, PHY 4-7
	ConfigOffsetChSel      = 18 // 1 byte: algorithm 0-3, shape 4-7
	ConfigOffsetJump       = 19 // 1 byte
	ConfigOffsetTIP1       = 20 // 1 byte
	ConfigOffsetTIP2       = 21 // 1 byte
	ConfigOffsetTFCS       = 22 // 1 byte
	ConfigOffsetTPM        = 23 // 1 byte
)

// Config byte masks
const (
	ConfigIDMask    = 0x3F
	ConfigStateMask = 0xC0
	ModeMainMask    = 0x03
	ModeSubMask     = 0x0C
	ModeRoleMask    = 0x10
	LowNibbleMask   = 0x0F
	HighNibbleMask  = 0xF0
)

// CS_REQ field offsets
const (
	CSReqOffsetConfigID          = 0  // 1 byte
	CSReqOffsetConnEventCount    = 1  // 2 bytes
	CSReqOffsetOffsetMin         = 3  // 3 bytes, µs
	CSReqOffsetOffsetMax         = 6  // 3 bytes, µs
	CSReqOffsetMaxProcedureLen   = 9  // 2 bytes, 0.625 ms
	CSReqOffsetEventInterval     = 11 // 2 bytes, connection events
	CSReqOffsetSubeventsPerEvent = 13 // 1 byte
	CSReqOffsetSubeventInterval  = 14 // 2 bytes, 0.625 ms
	CSReqOffsetSubeventLen       = 16 // 3 bytes, µs
	CSReqOffsetProcedureInterval = 19 // 2 bytes, connection events
	CSReqOffsetProcedureCount    = 21 // 2 bytes
	CSReqOffsetACI               = 23 // 1 byte
	CSReqOffsetPreferredAntenna  = 24 // 1 byte
	CSReqOffsetPhy               = 25 // 1 byte
	CSReqOffsetPwrDelta          = 26 // 1 byte
	CSReqOffsetSNR               = 27 // 1 byte: initiator 0-3, reflector 4-7
)

// HCI LE meta subevent codes
const (
	EvtReadRemoteCapabilitiesComplete = 0x2C
	EvtReadRemoteFAETableComplete     = 0x2D
	EvtSecurityEnableComplete         = 0x2E
	EvtConfigComplete                 = 0x2F
	EvtProcedureEnableComplete        = 0x30
	EvtSubeventResult                 = 0x31
	EvtSubeventResultContinue         = 0x32
	EvtTestEndComplete                = 0x33
)

// Result event sizes
const (
	ResultEventHeaderLen         = 16
	ContinueResultEventHeaderLen = 9
	MaxEventParamLen             = 255
	StepHdrLen                   = 3
)
