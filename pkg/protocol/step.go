package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

// Step data payload sizes in bytes, header excluded
const (
	Mode0InitiatorLen = 5
	Mode0ReflectorLen = 3
	Mode1Len          = 6
	ToneLen           = 4 // PCT(3) + TQI(1)
)

// Packet quality values reported in the low nibble of the quality byte
const (
	PacketQualityOK       uint8 = 0x00
	PacketQualityBitError uint8 = 0x01
	PacketQualityNotFound uint8 = 0x02
)

// Tone quality indicators
const (
	ToneQualityHigh        uint8 = 0x00
	ToneQualityMedium      uint8 = 0x01
	ToneQualityLow         uint8 = 0x02
	ToneQualityUnavailable uint8 = 0x03
)

// NADMUnknown is reported when the attack detector produced no metric.
const NADMUnknown uint8 = 0xFF

// Mode2Len returns the mode-2 payload size for nap antenna paths. One tone
// slot per path plus the tone extension slot follows the permutation index.
func Mode2Len(nap uint8) int {
	return 1 + ToneLen*(int(nap)+1)
}

// StepDataLen returns the payload size of a step with the given mode, the
// local role and the number of antenna paths.
func StepDataLen(mode, role, nap uint8) (int, error) {
	switch mode {
	case cs.Mode0:
		if role == cs.RoleInitiator {
			return Mode0InitiatorLen, nil
		}
		return Mode0ReflectorLen, nil
	case cs.Mode1:
		return Mode1Len, nil
	case cs.Mode2:
		return Mode2Len(nap), nil
	case cs.Mode3:
		return Mode1Len + Mode2Len(nap), nil
	default:
		return 0, fmt.Errorf("step mode %d: %w", mode, cs.StatusInvalidStepMode)
	}
}

// StepResult is one step in a subevent result.
type StepResult struct {
	Mode    uint8
	Channel uint8
	Data    []byte
}

// Len returns the encoded size including the header.
func (s StepResult) Len() int { return StepHdrLen + len(s.Data) }

// AppendTo appends the encoded step to buf.
func (s StepResult) AppendTo(buf []byte) ([]byte, error) {
	if len(s.Data) > 0xFF {
		return buf, fmt.Errorf("step data too long: %d bytes", len(s.Data))
	}
	buf = append(buf, s.Mode, s.Channel, byte(len(s.Data)))
	return append(buf, s.Data...), nil
}

// ParseSteps splits concatenated step data into steps. The declared data
// length of each step is checked against the mode when role and nap allow
// a size to be derived.
func ParseSteps(data []byte, count int, role, nap uint8) ([]StepResult, error) {
	steps := make([]StepResult, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+StepHdrLen > len(data) {
			return nil, fmt.Errorf("step %d header truncated at offset %d", i, off)
		}
		mode := data[off]
		ch := data[off+1]
		n := int(data[off+2])
		off += StepHdrLen
		if off+n > len(data) {
			return nil, fmt.Errorf("step %d data truncated: need %d bytes, have %d", i, n, len(data)-off)
		}
		want, err := StepDataLen(mode, role, nap)
		if err != nil {
			return nil, err
		}
		if want != n {
			return nil, fmt.Errorf("step %d mode %d: data length %d, expected %d", i, mode, n, want)
		}
		steps = append(steps, StepResult{Mode: mode, Channel: ch, Data: data[off : off+n]})
		off += n
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after %d steps", len(data)-off, count)
	}
	return steps, nil
}

// Mode0Initiator is the mode-0 payload measured by the initiator.
type Mode0Initiator struct {
	Quality    uint8
	RSSI       int8
	Antenna    uint8
	FreqOffset int16 // 0.01 ppm
}

func (m Mode0Initiator) Encode() []byte {
	data := make([]byte, Mode0InitiatorLen)
	data[0] = m.Quality
	data[1] = byte(m.RSSI)
	data[2] = m.Antenna
	binary.LittleEndian.PutUint16(data[3:5], uint16(m.FreqOffset))
	return data
}

func (m *Mode0Initiator) Parse(data []byte) error {
	if err := checkSize("mode-0 initiator step", data, Mode0InitiatorLen); err != nil {
		return err
	}
	m.Quality = data[0]
	m.RSSI = int8(data[1])
	m.Antenna = data[2]
	m.FreqOffset = int16(binary.LittleEndian.Uint16(data[3:5]))
	return nil
}

// Mode0Reflector is the mode-0 payload measured by the reflector.
type Mode0Reflector struct {
	Quality uint8
	RSSI    int8
	Antenna uint8
}

func (m Mode0Reflector) Encode() []byte {
	return []byte{m.Quality, byte(m.RSSI), m.Antenna}
}

func (m *Mode0Reflector) Parse(data []byte) error {
	if err := checkSize("mode-0 reflector step", data, Mode0ReflectorLen); err != nil {
		return err
	}
	m.Quality = data[0]
	m.RSSI = int8(data[1])
	m.Antenna = data[2]
	return nil
}

// Mode1 is the RTT payload.
type Mode1 struct {
	Quality uint8
	NADM    uint8
	RSSI    int8
	ToAToD  int16 // 0.5 ns
	Antenna uint8
}

func (m Mode1) Encode() []byte {
	data := make([]byte, Mode1Len)
	data[0] = m.Quality
	data[1] = m.NADM
	data[2] = byte(m.RSSI)
	binary.LittleEndian.PutUint16(data[3:5], uint16(m.ToAToD))
	data[5] = m.Antenna
	return data
}

func (m *Mode1) Parse(data []byte) error {
	if err := checkSize("mode-1 step", data, Mode1Len); err != nil {
		return err
	}
	m.Quality = data[0]
	m.NADM = data[1]
	m.RSSI = int8(data[2])
	m.ToAToD = int16(binary.LittleEndian.Uint16(data[3:5]))
	m.Antenna = data[5]
	return nil
}

// Tone is one phase correction term with its quality indicator. I and Q
// are signed 12-bit values.
type Tone struct {
	I, Q int16
	TQI  uint8
}

func signExtend12(v uint32) int16 {
	v &= 0x0FFF
	if v&0x0800 != 0 {
		return int16(v) - 0x1000
	}
	return int16(v)
}

func (t Tone) put(b []byte) {
	pct := uint32(uint16(t.I))&0x0FFF | (uint32(uint16(t.Q))&0x0FFF)<<12
	putUint24(b, pct)
	b[3] = t.TQI
}

func parseTone(b []byte) Tone {
	pct := uint24(b)
	return Tone{I: signExtend12(pct), Q: signExtend12(pct >> 12), TQI: b[3]}
}

// Mode2 is the phase-based ranging payload. Tones holds one entry per
// antenna path followed by the tone extension slot.
type Mode2 struct {
	PermIdx uint8
	Tones   []Tone
}

func (m Mode2) Encode() []byte {
	data := make([]byte, 1+ToneLen*len(m.Tones))
	data[0] = m.PermIdx
	for i, t := range m.Tones {
		t.put(data[1+i*ToneLen:])
	}
	return data
}

// Parse decodes a mode-2 payload for nap antenna paths.
func (m *Mode2) Parse(data []byte, nap uint8) error {
	if err := checkSize("mode-2 step", data, Mode2Len(nap)); err != nil {
		return err
	}
	m.PermIdx = data[0]
	m.Tones = make([]Tone, int(nap)+1)
	for i := range m.Tones {
		m.Tones[i] = parseTone(data[1+i*ToneLen:])
	}
	return nil
}

// Mode3 combines an RTT exchange with tones.
type Mode3 struct {
	Mode1
	Mode2
}

func (m Mode3) Encode() []byte {
	return append(m.Mode1.Encode(), m.Mode2.Encode()...)
}

// Parse decodes a mode-3 payload for nap antenna paths.
func (m *Mode3) Parse(data []byte, nap uint8) error {
	if err := checkSize("mode-3 step", data, Mode1Len+Mode2Len(nap)); err != nil {
		return err
	}
	if err := m.Mode1.Parse(data[:Mode1Len]); err != nil {
		return err
	}
	return m.Mode2.Parse(data[Mode1Len:], nap)
}
