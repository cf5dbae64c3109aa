// Package testmode holds the CS test session. While a test runs, selected
// engine outputs are replaced by fixed or looping values taken from the
// test command's override data. Every accessor falls through to the normal
// engine function when its override bit is clear.
package testmode

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/cs"
)

// Override is the Override_Config bitfield of the test command.
type Override uint16

// Override bits.
const (
	OverrideChannelList   Override = 1 << 0
	OverrideMainModeSteps Override = 1 << 2
	OverrideToneExtension Override = 1 << 3
	OverrideAntennaPerm   Override = 1 << 4
	OverrideAccessAddress Override = 1 << 5
	OverrideMarkerPos     Override = 1 << 6
	OverrideMarkerValue   Override = 1 << 7
	OverridePayload       Override = 1 << 8
	OverrideStablePhase   Override = 1 << 10
)

// Loop sentinels in the override data.
const (
	ToneExtensionLoop uint8 = 0x04
	AntennaPermLoop   uint8 = 0xFF
	maxToneExtension  uint8 = 0x03
)

const (
	userPayloadLen      = 16
	accessAddressLength = 4
)

// Payload patterns.
const (
	PayloadPRBS9  uint8 = 0x00
	PayloadPRBS15 uint8 = 0x01
	PayloadUser   uint8 = 0x80
)

// Params are the test command parameters.
type Params struct {
	MainMode               uint8
	SubMode                uint8
	MainModeRepetition     uint8
	Mode0Steps             uint8
	Role                   uint8
	RTTType                uint8
	CsSyncPhy              uint8
	CsSyncAntennaSelection uint8
	SubeventLen            uint32 // µs
	SubeventInterval       uint16 // 0.625 ms
	MaxNumSubevents        uint8
	TxPowerLevel           int8
	TIP1                   uint8 // µs
	TIP2                   uint8 // µs
	TFCS                   uint8 // µs
	TPM                    uint8 // µs
	TSW                    uint8 // µs
	ACI                    antenna.ACI
	SnrControlInitiator    uint8
	SnrControlReflector    uint8
	DRBGNonce              uint16
	ChMRepetition          uint8
	OverrideConfig         Override
	OverrideData           []byte
}

// Data is the parsed override data.
type Data struct {
	Channels       []uint8
	MainModeSteps  uint8
	ToneExtension  uint8
	AntennaPerm    uint8
	AccessAddrInit uint32
	AccessAddrRefl uint32
	Marker1Pos     uint8
	Marker2Pos     uint8
	MarkerValue    uint8
	PayloadPattern uint8
	UserPayload    [userPayloadLen]byte
	StablePhase    uint8
}

// ParseOverrideData decodes data according to the bits set in cfg. Fields
// appear in bit order; absent fields take no space.
func ParseOverrideData(cfg Override, data []byte) (Data, error) {
	var d Data
	off := 0
	need := func(n int) error {
		if off+n > len(data) {
			return fmt.Errorf("override data truncated at offset %d: %w", off, cs.StatusUnexpectedParameter)
		}
		return nil
	}
	if cfg&OverrideChannelList != 0 {
		if err := need(1); err != nil {
			return d, err
		}
		n := int(data[off])
		off++
		if n == 0 {
			return d, fmt.Errorf("empty channel list: %w", cs.StatusUnexpectedParameter)
		}
		if err := need(n); err != nil {
			return d, err
		}
		for _, ch := range data[off : off+n] {
			if ch > cs.MaxChannel {
				return d, fmt.Errorf("channel %d out of range: %w", ch, cs.StatusUnexpectedParameter)
			}
		}
		d.Channels = append([]uint8(nil), data[off:off+n]...)
		off += n
	}
	if cfg&OverrideMainModeSteps != 0 {
		if err := need(1); err != nil {
			return d, err
		}
		d.MainModeSteps = data[off]
		off++
	}
	if cfg&OverrideToneExtension != 0 {
		if err := need(1); err != nil {
			return d, err
		}
		d.ToneExtension = data[off]
		if d.ToneExtension > ToneExtensionLoop {
			return d, fmt.Errorf("tone extension 0x%02X: %w", d.ToneExtension, cs.StatusUnexpectedParameter)
		}
		off++
	}
	if cfg&OverrideAntennaPerm != 0 {
		if err := need(1); err != nil {
			return d, err
		}
		d.AntennaPerm = data[off]
		off++
	}
	if cfg&OverrideAccessAddress != 0 {
		if err := need(2 * accessAddressLength); err != nil {
			return d, err
		}
		d.AccessAddrInit = binary.LittleEndian.Uint32(data[off:])
		d.AccessAddrRefl = binary.LittleEndian.Uint32(data[off+4:])
		off += 2 * accessAddressLength
	}
	if cfg&OverrideMarkerPos != 0 {
		if err := need(2); err != nil {
			return d, err
		}
		d.Marker1Pos = data[off]
		d.Marker2Pos = data[off+1]
		off += 2
	}
	if cfg&OverrideMarkerValue != 0 {
		if err := need(1); err != nil {
			return d, err
		}
		d.MarkerValue = data[off]
		off++
	}
	if cfg&OverridePayload != 0 {
		if err := need(1 + userPayloadLen); err != nil {
			return d, err
		}
		d.PayloadPattern = data[off]
		copy(d.UserPayload[:], data[off+1:off+1+userPayloadLen])
		off += 1 + userPayloadLen
	}
	if cfg&OverrideStablePhase != 0 {
		if err := need(1); err != nil {
			return d, err
		}
		d.StablePhase = data[off]
	}
	return d, nil
}

// Session is the single CS test session of the controller.
type Session struct {
	active bool
	params Params
	data   Data

	chanCursor int
	toneLoop   uint8
	permLoop   uint8
	syncLoop   uint8
}

// Start activates the session, parsing the override data.
func (s *Session) Start(p Params) error {
	if s.active {
		return cs.StatusCommandDisallowed
	}
	d, err := ParseOverrideData(p.OverrideConfig, p.OverrideData)
	if err != nil {
		return err
	}
	*s = Session{
		active:   true,
		params:   p,
		data:     d,
		toneLoop: cs.LoopFlag,
		permLoop: cs.LoopFlag,
		syncLoop: cs.LoopFlag | 1,
	}
	return nil
}

// End deactivates the session.
func (s *Session) End() {
	*s = Session{}
}

// Active reports whether a test is running.
func (s *Session) Active() bool { return s.active }

// Params returns the parameters the session was started with.
func (s *Session) Params() Params { return s.params }

// Data returns the parsed override data.
func (s *Session) Data() Data { return s.data }

// Overridden reports whether the override bit o is in effect.
func (s *Session) Overridden(o Override) bool {
	return s.active && s.params.OverrideConfig&o != 0
}

// Channels returns the fixed channel list, if overridden.
func (s *Session) Channels() ([]uint8, bool) {
	if !s.Overridden(OverrideChannelList) {
		return nil, false
	}
	return s.data.Channels, true
}

// NextChannel returns the next channel of the fixed list, cycling, or
// defers to normal.
func (s *Session) NextChannel(normal func() (uint8, error)) (uint8, error) {
	if !s.Overridden(OverrideChannelList) {
		return normal()
	}
	ch := s.data.Channels[s.chanCursor]
	s.chanCursor = (s.chanCursor + 1) % len(s.data.Channels)
	return ch, nil
}

// MainModeSteps returns the fixed main mode run length, or defers to
// normal.
func (s *Session) MainModeSteps(normal func() (uint8, error)) (uint8, error) {
	if !s.Overridden(OverrideMainModeSteps) {
		return normal()
	}
	return s.data.MainModeSteps, nil
}

// ToneExtension returns the tone extension bits of the next mode-2/3 step.
// 0x04 cycles through 0..3.
func (s *Session) ToneExtension(normal func() (uint8, error)) (uint8, error) {
	if !s.Overridden(OverrideToneExtension) {
		return normal()
	}
	if s.data.ToneExtension != ToneExtensionLoop {
		return s.data.ToneExtension, nil
	}
	v := cs.LoopValue(s.toneLoop)
	s.toneLoop = cs.NextLoopValue(s.toneLoop, 0, maxToneExtension)
	return v, nil
}

// AntennaPermutation returns the permutation index of the next step. 0xFF
// cycles through every permutation valid for nap paths.
func (s *Session) AntennaPermutation(nap uint8, normal func() (uint8, error)) (uint8, error) {
	if !s.Overridden(OverrideAntennaPerm) {
		return normal()
	}
	if s.data.AntennaPerm != AntennaPermLoop {
		return s.data.AntennaPerm, nil
	}
	v := cs.LoopValue(s.permLoop)
	s.permLoop = cs.NextLoopValue(s.permLoop, 0, antenna.MaxPermutationIndex(nap))
	return v, nil
}

// SyncAntenna returns the CS_SYNC antenna for the next step. The test
// selection 0xFE cycles over 1..numAntennas; other values are fixed.
func (s *Session) SyncAntenna(numAntennas uint8, normal func() uint8) uint8 {
	if !s.active {
		return normal()
	}
	sel := s.params.CsSyncAntennaSelection
	if sel != cs.CsSyncAntennaRepetitive {
		return sel
	}
	if numAntennas == 0 {
		numAntennas = 1
	}
	v := cs.LoopValue(s.syncLoop)
	s.syncLoop = cs.NextLoopValue(s.syncLoop, 1, numAntennas)
	return v
}

// AccessAddresses returns the initiator and reflector CS_SYNC access
// addresses, or defers to normal.
func (s *Session) AccessAddresses(normal func() (uint32, uint32, error)) (uint32, uint32, error) {
	if !s.Overridden(OverrideAccessAddress) {
		return normal()
	}
	return s.data.AccessAddrInit, s.data.AccessAddrRefl, nil
}

// Payload returns the CS_SYNC payload pattern and user payload. Without an
// override the pattern is PRBS9.
func (s *Session) Payload() (uint8, [userPayloadLen]byte) {
	if !s.Overridden(OverridePayload) {
		return PayloadPRBS9, [userPayloadLen]byte{}
	}
	return s.data.PayloadPattern, s.data.UserPayload
}
