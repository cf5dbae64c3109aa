// Package chanmap implements the CS channel map: the always-excluded channel
// restriction, filtering against the host classification and the channel
// selection algorithms that order the filtered channels for steps.
package chanmap

import (
	"fmt"
	"strings"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

// Map is a 10-byte CS channel map. Channel k is bit k%8 of byte k/8.
type Map [cs.ChannelMapLen]byte

// restricted holds the channels CS never uses: 0, 1, 23, 24, 25, 77 and
// 78. Bit 79 lies past the last CS channel and is cleared with them.
var restricted = Map{
	0: 0x03, // ch 0, 1
	2: 0x80, // ch 23
	3: 0x03, // ch 24, 25
	9: 0xE0, // ch 77, 78, reserved 79
}

// Full returns a map with every usable channel set.
func Full() Map {
	var m Map
	for i := range m {
		m[i] = 0xFF
	}
	return m.Restrict()
}

// FromBytes copies b into a map. b must be exactly ChannelMapLen bytes.
func FromBytes(b []byte) (Map, error) {
	var m Map
	if len(b) != cs.ChannelMapLen {
		return m, fmt.Errorf("channel map must be %d bytes, got %d", cs.ChannelMapLen, len(b))
	}
	copy(m[:], b)
	return m, nil
}

// IsSet reports whether channel ch is enabled.
func (m Map) IsSet(ch uint8) bool {
	if ch >= cs.ChannelMapLen*8 {
		return false
	}
	return m[ch/8]&(1<<(ch%8)) != 0
}

// Set enables channel ch.
func (m *Map) Set(ch uint8) {
	if ch < cs.ChannelMapLen*8 {
		m[ch/8] |= 1 << (ch % 8)
	}
}

// Clear disables channel ch.
func (m *Map) Clear(ch uint8) {
	if ch < cs.ChannelMapLen*8 {
		m[ch/8] &^= 1 << (ch % 8)
	}
}

// Restrict returns m with channels 0, 1, 23, 24, 25, 77 and 78 cleared. It
// also clears bit 79, which names no channel, so a restricted map never
// carries a reserved bit to the peer.
func (m Map) Restrict() Map {
	for i := range m {
		m[i] &^= restricted[i]
	}
	return m
}

// And returns the intersection of m and o.
func (m Map) And(o Map) Map {
	for i := range m {
		m[i] &= o[i]
	}
	return m
}

// Count returns the number of enabled channels.
func (m Map) Count() int {
	n := 0
	for _, b := range m {
		n += cs.PopCount(b)
	}
	return n
}

// Channels returns the enabled channels in ascending order.
func (m Map) Channels() []uint8 {
	out := make([]uint8, 0, m.Count())
	for ch := uint8(0); ch <= cs.MaxChannel; ch++ {
		if m.IsSet(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// String renders the map as hex, byte 0 first.
func (m Map) String() string {
	var sb strings.Builder
	for _, b := range m {
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// FilterChannelMap restricts cfg and intersects it with the host channel
// classification. It returns cs.StatusInvalidCHM when fewer than
// MinNumOfChannels channels remain.
func FilterChannelMap(cfg, classification Map) (Map, error) {
	out := cfg.And(classification).Restrict()
	if out.Count() < cs.MinNumOfChannels {
		return out, cs.StatusInvalidCHM
	}
	return out, nil
}
