package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/drbg"
)

// PDU is a CS LL control PDU.
type PDU interface {
	Opcode() byte
	Encode() ([]byte, error)
	Parse(data []byte) error
}

// EncodePDU serializes p with its opcode in front.
func EncodePDU(p PDU) ([]byte, error) {
	payload, err := p.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(payload))
	out[0] = p.Opcode()
	copy(out[1:], payload)
	return out, nil
}

// DecodePDU parses an opcode-prefixed control PDU.
func DecodePDU(data []byte) (PDU, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty control PDU")
	}
	var p PDU
	switch data[0] {
	case OpcodeRejectExtInd:
		p = &RejectExtInd{}
	case OpcodeCSSecReq:
		p = &SecurityReq{}
	case OpcodeCSSecRsp:
		p = &SecurityRsp{}
	case OpcodeCSCapReq:
		p = &CapabilitiesReq{}
	case OpcodeCSCapRsp:
		p = &CapabilitiesRsp{}
	case OpcodeCSConfigReq:
		p = &ConfigReq{}
	case OpcodeCSConfigRsp:
		p = &ConfigRsp{}
	case OpcodeCSReq:
		p = &CSReq{}
	case OpcodeCSRsp:
		p = &CSRsp{}
	case OpcodeCSInd:
		p = &CSInd{}
	case OpcodeCSTerminateReq:
		p = &TerminateReq{}
	case OpcodeCSTerminateRsp:
		p = &TerminateRsp{}
	case OpcodeCSFAEReq:
		p = &FAEReq{}
	case OpcodeCSFAERsp:
		p = &FAERsp{}
	case OpcodeCSChannelMapInd:
		p = &ChannelMapInd{}
	default:
		return nil, fmt.Errorf("unknown control opcode 0x%02X", data[0])
	}
	if err := p.Parse(data[1:]); err != nil {
		return nil, err
	}
	return p, nil
}

func checkSize(name string, data []byte, size int) error {
	if len(data) != size {
		return fmt.Errorf("invalid %s size: %d (expected %d)", name, len(data), size)
	}
	return nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// RejectExtInd rejects a control procedure.
type RejectExtInd struct {
	RejectOpcode byte
	ErrorCode    cs.Status
}

func (*RejectExtInd) Opcode() byte { return OpcodeRejectExtInd }

func (p *RejectExtInd) Encode() ([]byte, error) {
	return []byte{p.RejectOpcode, byte(p.ErrorCode)}, nil
}

func (p *RejectExtInd) Parse(data []byte) error {
	if err := checkSize("REJECT_EXT_IND", data, RejectExtIndSize); err != nil {
		return err
	}
	p.RejectOpcode = data[0]
	p.ErrorCode = cs.Status(data[1])
	return nil
}

// security carries one side's CS security vector.
type security struct {
	Vector drbg.Vector
}

func (s *security) encode() []byte {
	data := make([]byte, SecPDUSize)
	copy(data[0:8], s.Vector.IV[:])
	copy(data[8:12], s.Vector.IN[:])
	copy(data[12:20], s.Vector.PV[:])
	return data
}

func (s *security) parse(name string, data []byte) error {
	if err := checkSize(name, data, SecPDUSize); err != nil {
		return err
	}
	copy(s.Vector.IV[:], data[0:8])
	copy(s.Vector.IN[:], data[8:12])
	copy(s.Vector.PV[:], data[12:20])
	return nil
}

// SecurityReq is sent by the central to start the CS security exchange.
type SecurityReq struct{ security }

func (*SecurityReq) Opcode() byte              { return OpcodeCSSecReq }
func (p *SecurityReq) Encode() ([]byte, error) { return p.encode(), nil }
func (p *SecurityReq) Parse(data []byte) error { return p.parse("CS_SEC_REQ", data) }

// SecurityRsp carries the peripheral's half of the security vectors.
type SecurityRsp struct{ security }

func (*SecurityRsp) Opcode() byte              { return OpcodeCSSecRsp }
func (p *SecurityRsp) Encode() ([]byte, error) { return p.encode(), nil }
func (p *SecurityRsp) Parse(data []byte) error { return p.parse("CS_SEC_RSP", data) }

// capabilities carries a capability set.
type capabilities struct {
	Caps csdb.Capabilities
}

func (c *capabilities) encode() []byte {
	caps := c.Caps
	data := make([]byte, CapPDUSize)
	data[0] = caps.ModeTypes
	data[1] = caps.RTTCapability
	data[2] = caps.RTTAAOnlyN
	data[3] = caps.RTTSoundingN
	data[4] = caps.RTTRandomPayloadN
	binary.LittleEndian.PutUint16(data[5:7], caps.NADMSoundingCapability)
	binary.LittleEndian.PutUint16(data[7:9], caps.NADMRandomCapability)
	data[9] = caps.CsSyncPhysSupported
	data[10] = caps.NumAntennas&LowNibbleMask | caps.MaxAntennaPaths<<4
	flags := caps.RolesSupported & 0x03
	if caps.NoFAE {
		flags |= 0x08
	}
	if caps.ChSel3c {
		flags |= 0x10
	}
	if caps.PBRFromSounding {
		flags |= 0x20
	}
	data[11] = flags
	data[12] = caps.NumConfigsSupported
	binary.LittleEndian.PutUint16(data[13:15], caps.MaxProceduresSupported)
	data[15] = caps.TSWTimeSupported
	binary.LittleEndian.PutUint16(data[16:18], caps.TIP1TimesSupported)
	binary.LittleEndian.PutUint16(data[18:20], caps.TIP2TimesSupported)
	binary.LittleEndian.PutUint16(data[20:22], caps.TFCSTimesSupported)
	binary.LittleEndian.PutUint16(data[22:24], caps.TPMTimesSupported)
	data[24] = caps.TxSNRCapability
	return data
}

func (c *capabilities) parse(name string, data []byte) error {
	if err := checkSize(name, data, CapPDUSize); err != nil {
		return err
	}
	c.Caps = csdb.Capabilities{
		ModeTypes:              data[0],
		RTTCapability:          data[1],
		RTTAAOnlyN:             data[2],
		RTTSoundingN:           data[3],
		RTTRandomPayloadN:      data[4],
		NADMSoundingCapability: binary.LittleEndian.Uint16(data[5:7]),
		NADMRandomCapability:   binary.LittleEndian.Uint16(data[7:9]),
		CsSyncPhysSupported:    data[9],
		NumAntennas:            data[10] & LowNibbleMask,
		MaxAntennaPaths:        data[10] >> 4,
		RolesSupported:         data[11] & 0x03,
		NoFAE:                  data[11]&0x08 != 0,
		ChSel3c:                data[11]&0x10 != 0,
		PBRFromSounding:        data[11]&0x20 != 0,
		NumConfigsSupported:    data[12],
		MaxProceduresSupported: binary.LittleEndian.Uint16(data[13:15]),
		TSWTimeSupported:       data[15],
		TIP1TimesSupported:     binary.LittleEndian.Uint16(data[16:18]),
		TIP2TimesSupported:     binary.LittleEndian.Uint16(data[18:20]),
		TFCSTimesSupported:     binary.LittleEndian.Uint16(data[20:22]),
		TPMTimesSupported:      binary.LittleEndian.Uint16(data[22:24]),
		TxSNRCapability:        data[24],
	}
	return nil
}

// CapabilitiesReq carries the sender's capabilities and asks for the peer's.
type CapabilitiesReq struct{ capabilities }

func (*CapabilitiesReq) Opcode() byte              { return OpcodeCSCapReq }
func (p *CapabilitiesReq) Encode() ([]byte, error) { return p.encode(), nil }
func (p *CapabilitiesReq) Parse(data []byte) error { return p.parse("CS_CAPABILITIES_REQ", data) }

// CapabilitiesRsp answers with the responder's capabilities.
type CapabilitiesRsp struct{ capabilities }

func (*CapabilitiesRsp) Opcode() byte              { return OpcodeCSCapRsp }
func (p *CapabilitiesRsp) Encode() ([]byte, error) { return p.encode(), nil }
func (p *CapabilitiesRsp) Parse(data []byte) error { return p.parse("CS_CAPABILITIES_RSP", data) }

// ConfigReq creates, updates or removes a configuration on the peer. Role
// is the sender's role; the receiver takes the other one.
type ConfigReq struct {
	Config csdb.Configuration
}

func (*ConfigReq) Opcode() byte { return OpcodeCSConfigReq }

// Sub mode "none" is carried as 0 since mode 0 is never a sub mode.
func subModeToWire(m uint8) uint8 {
	if m == cs.ModeNone {
		return 0
	}
	return m
}

func subModeFromWire(m uint8) uint8 {
	if m == 0 {
		return cs.ModeNone
	}
	return m
}

func (p *ConfigReq) Encode() ([]byte, error) {
	c := p.Config
	if c.ID > ConfigIDMask {
		return nil, fmt.Errorf("config ID %d does not fit in 6 bits", c.ID)
	}
	data := make([]byte, ConfigReqSize)
	data[ConfigOffsetID] = c.ID&ConfigIDMask | c.State<<6

	copy(data[ConfigOffsetChannelMap:ConfigOffsetChannelMap+cs.ChannelMapLen], c.ChannelMap[:])
	data[ConfigOffsetChMRep] = c.ChMRepetition

	modes := c.MainMode&ModeMainMask | (subModeToWire(c.SubMode)<<2)&ModeSubMask
	if c.Role == cs.RoleReflector {
		modes |= ModeRoleMask
	}
	data[ConfigOffsetModes] = modes

	data[ConfigOffsetMinSteps] = c.MainModeMinSteps
	data[ConfigOffsetMaxSteps] = c.MainModeMaxSteps
	data[ConfigOffsetRepetition] = c.MainModeRepetition
	data[ConfigOffsetMode0Steps] = c.Mode0Steps
	data[ConfigOffsetRTTPhy] = c.RTTType&LowNibbleMask | c.CsSyncPhy<<4
	data[ConfigOffsetChSel] = c.ChSel&LowNibbleMask | c.Ch3cShape<<4
	data[ConfigOffsetJump] = c.Ch3cJump
	data[ConfigOffsetTIP1] = c.TIP1
	data[ConfigOffsetTIP2] = c.TIP2
	data[ConfigOffsetTFCS] = c.TFCS
	data[ConfigOffsetTPM] = c.TPM
	return data, nil
}

func (p *ConfigReq) Parse(data []byte) error {
	if err := checkSize("CS_CONFIG_REQ", data, ConfigReqSize); err != nil {
		return err
	}
	var m chanmap.Map
	copy(m[:], data[ConfigOffsetChannelMap:ConfigOffsetChannelMap+cs.ChannelMapLen])

	modes := data[ConfigOffsetModes]
	role := cs.RoleInitiator
	if modes&ModeRoleMask != 0 {
		role = cs.RoleReflector
	}
	p.Config = csdb.Configuration{
		ID:                 data[ConfigOffsetID] & ConfigIDMask,
		State:              (data[ConfigOffsetID] & ConfigStateMask) >> 6,
		ChannelMap:         m,
		ChMRepetition:      data[ConfigOffsetChMRep],
		MainMode:           modes & ModeMainMask,
		SubMode:            subModeFromWire((modes & ModeSubMask) >> 2),
		MainModeMinSteps:   data[ConfigOffsetMinSteps],
		MainModeMaxSteps:   data[ConfigOffsetMaxSteps],
		MainModeRepetition: data[ConfigOffsetRepetition],
		Mode0Steps:         data[ConfigOffsetMode0Steps],
		Role:               role,
		RTTType:            data[ConfigOffsetRTTPhy] & LowNibbleMask,
		CsSyncPhy:          data[ConfigOffsetRTTPhy] >> 4,
		ChSel:              data[ConfigOffsetChSel] & LowNibbleMask,
		Ch3cShape:          data[ConfigOffsetChSel] >> 4,
		Ch3cJump:           data[ConfigOffsetJump],
		TIP1:               data[ConfigOffsetTIP1],
		TIP2:               data[ConfigOffsetTIP2],
		TFCS:               data[ConfigOffsetTFCS],
		TPM:                data[ConfigOffsetTPM],
	}
	return nil
}

// ConfigRsp acknowledges a ConfigReq.
type ConfigRsp struct {
	ConfigID uint8
}

func (*ConfigRsp) Opcode() byte { return OpcodeCSConfigRsp }

func (p *ConfigRsp) Encode() ([]byte, error) {
	return []byte{p.ConfigID & ConfigIDMask}, nil
}

func (p *ConfigRsp) Parse(data []byte) error {
	if err := checkSize("CS_CONFIG_RSP", data, ConfigRspSize); err != nil {
		return err
	}
	p.ConfigID = data[0] & ConfigIDMask
	return nil
}

// CSReq proposes procedure timing.
type CSReq struct {
	Enable csdb.ProcedureEnable
}

func (*CSReq) Opcode() byte { return OpcodeCSReq }

func (p *CSReq) Encode() ([]byte, error) {
	e := p.Enable
	data := make([]byte, CSReqSize)
	data[CSReqOffsetConfigID] = e.ConfigID
	binary.LittleEndian.PutUint16(data[CSReqOffsetConnEventCount:], e.ConnEventCount)
	putUint24(data[CSReqOffsetOffsetMin:], e.OffsetMin)
	putUint24(data[CSReqOffsetOffsetMax:], e.OffsetMax)
	binary.LittleEndian.PutUint16(data[CSReqOffsetMaxProcedureLen:], e.MaxProcedureDur)
	binary.LittleEndian.PutUint16(data[CSReqOffsetEventInterval:], e.EventInterval)
	data[CSReqOffsetSubeventsPerEvent] = e.SubeventsPerEvent
	binary.LittleEndian.PutUint16(data[CSReqOffsetSubeventInterval:], e.SubeventInterval)
	putUint24(data[CSReqOffsetSubeventLen:], e.SubeventLen)
	binary.LittleEndian.PutUint16(data[CSReqOffsetProcedureInterval:], e.ProcedureInterval)
	binary.LittleEndian.PutUint16(data[CSReqOffsetProcedureCount:], e.ProcedureCount)
	data[CSReqOffsetACI] = uint8(e.ACI)
	data[CSReqOffsetPreferredAntenna] = e.PreferredPeerAntenna
	data[CSReqOffsetPhy] = e.Phy
	data[CSReqOffsetPwrDelta] = byte(e.PwrDelta)
	data[CSReqOffsetSNR] = e.SnrControlInitiator&LowNibbleMask | e.SnrControlReflector<<4
	return data, nil
}

func (p *CSReq) Parse(data []byte) error {
	if err := checkSize("CS_REQ", data, CSReqSize); err != nil {
		return err
	}
	p.Enable = csdb.ProcedureEnable{
		Kind:                 csdb.EnableReq,
		ConfigID:             data[CSReqOffsetConfigID],
		ConnEventCount:       binary.LittleEndian.Uint16(data[CSReqOffsetConnEventCount:]),
		OffsetMin:            uint24(data[CSReqOffsetOffsetMin:]),
		OffsetMax:            uint24(data[CSReqOffsetOffsetMax:]),
		MaxProcedureDur:      binary.LittleEndian.Uint16(data[CSReqOffsetMaxProcedureLen:]),
		EventInterval:        binary.LittleEndian.Uint16(data[CSReqOffsetEventInterval:]),
		SubeventsPerEvent:    data[CSReqOffsetSubeventsPerEvent],
		SubeventInterval:     binary.LittleEndian.Uint16(data[CSReqOffsetSubeventInterval:]),
		SubeventLen:          uint24(data[CSReqOffsetSubeventLen:]),
		ProcedureInterval:    binary.LittleEndian.Uint16(data[CSReqOffsetProcedureInterval:]),
		ProcedureCount:       binary.LittleEndian.Uint16(data[CSReqOffsetProcedureCount:]),
		ACI:                  antenna.ACI(data[CSReqOffsetACI]),
		PreferredPeerAntenna: data[CSReqOffsetPreferredAntenna],
		Phy:                  data[CSReqOffsetPhy],
		PwrDelta:             int8(data[CSReqOffsetPwrDelta]),
		SnrControlInitiator:  data[CSReqOffsetSNR] & LowNibbleMask,
		SnrControlReflector:  data[CSReqOffsetSNR] >> 4,
	}
	return nil
}

// CSRsp narrows the proposed timing window.
type CSRsp struct {
	Enable csdb.ProcedureEnable
}

func (*CSRsp) Opcode() byte { return OpcodeCSRsp }

func (p *CSRsp) Encode() ([]byte, error) {
	e := p.Enable
	data := make([]byte, CSRspSize)
	data[0] = e.ConfigID
	binary.LittleEndian.PutUint16(data[1:3], e.ConnEventCount)
	putUint24(data[3:6], e.OffsetMin)
	putUint24(data[6:9], e.OffsetMax)
	binary.LittleEndian.PutUint16(data[9:11], e.EventInterval)
	data[11] = e.SubeventsPerEvent
	binary.LittleEndian.PutUint16(data[12:14], e.SubeventInterval)
	putUint24(data[14:17], e.SubeventLen)
	data[17] = uint8(e.ACI)
	data[18] = e.Phy
	data[19] = byte(e.PwrDelta)
	return data, nil
}

func (p *CSRsp) Parse(data []byte) error {
	if err := checkSize("CS_RSP", data, CSRspSize); err != nil {
		return err
	}
	p.Enable = csdb.ProcedureEnable{
		Kind:              csdb.EnableRsp,
		ConfigID:          data[0],
		ConnEventCount:    binary.LittleEndian.Uint16(data[1:3]),
		OffsetMin:         uint24(data[3:6]),
		OffsetMax:         uint24(data[6:9]),
		EventInterval:     binary.LittleEndian.Uint16(data[9:11]),
		SubeventsPerEvent: data[11],
		SubeventInterval:  binary.LittleEndian.Uint16(data[12:14]),
		SubeventLen:       uint24(data[14:17]),
		ACI:               antenna.ACI(data[17]),
		Phy:               data[18],
		PwrDelta:          int8(data[19]),
	}
	return nil
}

// CSInd fixes the procedure timing and starts the procedure at
// ConnEventCount.
type CSInd struct {
	Enable csdb.ProcedureEnable
}

func (*CSInd) Opcode() byte { return OpcodeCSInd }

func (p *CSInd) Encode() ([]byte, error) {
	e := p.Enable
	data := make([]byte, CSIndSize)
	data[0] = e.ConfigID
	binary.LittleEndian.PutUint16(data[1:3], e.ConnEventCount)
	putUint24(data[3:6], e.Offset)
	binary.LittleEndian.PutUint16(data[6:8], e.EventInterval)
	data[8] = e.SubeventsPerEvent
	binary.LittleEndian.PutUint16(data[9:11], e.SubeventInterval)
	putUint24(data[11:14], e.SubeventLen)
	data[14] = uint8(e.ACI)
	data[15] = e.Phy
	data[16] = byte(e.PwrDelta)
	return data, nil
}

func (p *CSInd) Parse(data []byte) error {
	if err := checkSize("CS_IND", data, CSIndSize); err != nil {
		return err
	}
	p.Enable = csdb.ProcedureEnable{
		Kind:              csdb.EnableInd,
		ConfigID:          data[0],
		ConnEventCount:    binary.LittleEndian.Uint16(data[1:3]),
		Offset:            uint24(data[3:6]),
		EventInterval:     binary.LittleEndian.Uint16(data[6:8]),
		SubeventsPerEvent: data[8],
		SubeventInterval:  binary.LittleEndian.Uint16(data[9:11]),
		SubeventLen:       uint24(data[11:14]),
		ACI:               antenna.ACI(data[14]),
		Phy:               data[15],
		PwrDelta:          int8(data[16]),
	}
	return nil
}

// terminate carries the procedure being stopped.
type terminate struct {
	ConfigID  uint8
	ProcCount uint16
	ErrorCode uint8
}

func (t *terminate) encode() []byte {
	data := make([]byte, TerminateSize)
	data[0] = t.ConfigID & ConfigIDMask
	binary.LittleEndian.PutUint16(data[1:3], t.ProcCount)
	data[3] = t.ErrorCode
	return data
}

func (t *terminate) parse(name string, data []byte) error {
	if err := checkSize(name, data, TerminateSize); err != nil {
		return err
	}
	t.ConfigID = data[0] & ConfigIDMask
	t.ProcCount = binary.LittleEndian.Uint16(data[1:3])
	t.ErrorCode = data[3]
	return nil
}

// TerminateReq stops the running procedure.
type TerminateReq struct{ terminate }

func (*TerminateReq) Opcode() byte              { return OpcodeCSTerminateReq }
func (p *TerminateReq) Encode() ([]byte, error) { return p.encode(), nil }
func (p *TerminateReq) Parse(data []byte) error { return p.parse("CS_TERMINATE_REQ", data) }

// TerminateRsp acknowledges a TerminateReq.
type TerminateRsp struct{ terminate }

func (*TerminateRsp) Opcode() byte              { return OpcodeCSTerminateRsp }
func (p *TerminateRsp) Encode() ([]byte, error) { return p.encode(), nil }
func (p *TerminateRsp) Parse(data []byte) error { return p.parse("CS_TERMINATE_RSP", data) }

// FAEReq asks for the peer's FAE table.
type FAEReq struct{}

func (*FAEReq) Opcode() byte            { return OpcodeCSFAEReq }
func (*FAEReq) Encode() ([]byte, error) { return []byte{}, nil }
func (*FAEReq) Parse(data []byte) error {
	return checkSize("CS_FAE_REQ", data, FAEReqSize)
}

// FAERsp carries the responder's FAE table.
type FAERsp struct {
	Table csdb.FAETable
}

func (*FAERsp) Opcode() byte { return OpcodeCSFAERsp }

func (p *FAERsp) Encode() ([]byte, error) {
	data := make([]byte, FAERspSize)
	for i, v := range p.Table {
		data[i] = byte(v)
	}
	return data, nil
}

func (p *FAERsp) Parse(data []byte) error {
	if err := checkSize("CS_FAE_RSP", data, FAERspSize); err != nil {
		return err
	}
	for i := range p.Table {
		p.Table[i] = int8(data[i])
	}
	return nil
}

// ChannelMapInd announces a new CS channel map taking effect at Instant.
type ChannelMapInd struct {
	ChannelMap chanmap.Map
	Instant    uint16
}

func (*ChannelMapInd) Opcode() byte { return OpcodeCSChannelMapInd }

func (p *ChannelMapInd) Encode() ([]byte, error) {
	data := make([]byte, ChannelMapIndSize)
	copy(data[0:10], p.ChannelMap[:])
	binary.LittleEndian.PutUint16(data[10:12], p.Instant)
	return data, nil
}

func (p *ChannelMapInd) Parse(data []byte) error {
	if err := checkSize("CS_CHANNEL_MAP_IND", data, ChannelMapIndSize); err != nil {
		return err
	}
	copy(p.ChannelMap[:], data[0:10])
	p.Instant = binary.LittleEndian.Uint16(data[10:12])
	return nil
}
