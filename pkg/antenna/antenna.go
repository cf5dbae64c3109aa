// Package antenna resolves Antenna Configuration Indices into antenna path
// counts, validates them against device capabilities and produces the
// per-role antenna switching sequence for a permutation index.
package antenna

import (
	"github.com/dbehnke/cs-controller/pkg/cs"
)

// ACI is an Antenna Configuration Index.
type ACI uint8

// Antenna configuration indices. The name reads initiator antennas (A) by
// reflector antennas (B).
const (
	ACIA1B1 ACI = iota
	ACIA2B1
	ACIA3B1
	ACIA4B1
	ACIA1B2
	ACIA1B3
	ACIA1B4
	ACIA2B2
)

// MaxACI is the highest defined index.
const MaxACI = ACIA2B2

// MaxPaths is the largest number of antenna paths any ACI can produce.
const MaxPaths = 4

type aciEntry struct {
	initiator uint8
	reflector uint8
}

var aciTable = [...]aciEntry{
	ACIA1B1: {1, 1},
	ACIA2B1: {2, 1},
	ACIA3B1: {3, 1},
	ACIA4B1: {4, 1},
	ACIA1B2: {1, 2},
	ACIA1B3: {1, 3},
	ACIA1B4: {1, 4},
	ACIA2B2: {2, 2},
}

var factorial = [...]uint8{1, 1, 2, 6, 24}

// Valid reports whether a is a defined index.
func (a ACI) Valid() bool { return a <= MaxACI }

// InitiatorAntennas returns the number of antennas the initiator switches
// over, or 0 for an invalid index.
func (a ACI) InitiatorAntennas() uint8 {
	if !a.Valid() {
		return 0
	}
	return aciTable[a].initiator
}

// ReflectorAntennas returns the number of antennas the reflector switches
// over, or 0 for an invalid index.
func (a ACI) ReflectorAntennas() uint8 {
	if !a.Valid() {
		return 0
	}
	return aciTable[a].reflector
}

// Antennas returns the antenna count used by role.
func (a ACI) Antennas(role uint8) uint8 {
	if role == cs.RoleInitiator {
		return a.InitiatorAntennas()
	}
	return a.ReflectorAntennas()
}

// NumPaths returns the number of antenna paths (N_AP) for a, or 0 when a is
// not a defined index.
func NumPaths(a ACI) uint8 {
	return a.InitiatorAntennas() * a.ReflectorAntennas()
}

// Factorial returns n! for n in [0, 4], or 0 otherwise.
func Factorial(n uint8) uint8 {
	if int(n) >= len(factorial) {
		return 0
	}
	return factorial[n]
}

// NumPermutations returns how many antenna path permutations exist for nap
// paths.
func NumPermutations(nap uint8) uint8 {
	if nap == 0 || nap > MaxPaths {
		return 0
	}
	return Factorial(nap)
}

// MaxPermutationIndex returns the highest valid permutation index for nap
// paths.
func MaxPermutationIndex(nap uint8) uint8 {
	n := NumPermutations(nap)
	if n == 0 {
		return 0
	}
	return n - 1
}

// Capability describes one side's antenna resources.
type Capability struct {
	NumAntennas     uint8
	MaxAntennaPaths uint8
}

// CheckACI validates a against the local and remote capabilities. role is
// the local CS role. It returns cs.StatusUnexpectedParameter for undefined
// indices and cs.StatusFeatureNotSupported when either side lacks antennas
// or paths.
func CheckACI(a ACI, role uint8, local, remote Capability) error {
	if !a.Valid() {
		return cs.StatusUnexpectedParameter
	}
	localRole := role
	remoteRole := cs.RoleReflector
	if role == cs.RoleReflector {
		remoteRole = cs.RoleInitiator
	}
	if a.Antennas(localRole) > local.NumAntennas {
		return cs.StatusFeatureNotSupported
	}
	if a.Antennas(remoteRole) > remote.NumAntennas {
		return cs.StatusFeatureNotSupported
	}
	nap := NumPaths(a)
	if nap > local.MaxAntennaPaths || nap > remote.MaxAntennaPaths {
		return cs.StatusFeatureNotSupported
	}
	return nil
}

// CheckPreferredAntenna validates the preferred peer antenna bitmap: it must
// name at least as many antennas as a has paths and no more than the device
// has antennas.
func CheckPreferredAntenna(a ACI, preferred, numAntennas uint8) error {
	n := cs.PopCount(preferred & cs.PreferredPeerAntennaMask)
	if n < int(NumPaths(a)) || n > int(numAntennas) {
		return cs.StatusUnexpectedParameter
	}
	return nil
}

// MuxMapping builds the antenna mux mapping byte for a preferred antenna
// bitmap. Preferred antennas take the lowest logical indices in ascending
// order; the rest follow. A full bitmap yields the identity mapping.
func MuxMapping(preferred uint8) uint8 {
	order := make([]uint8, 0, 4)
	for i := uint8(0); i < 4; i++ {
		if preferred&(1<<i) != 0 {
			order = append(order, i)
		}
	}
	for i := uint8(0); i < 4; i++ {
		if preferred&(1<<i) == 0 {
			order = append(order, i)
		}
	}
	var m uint8
	for logical, physical := range order {
		m |= physical << (2 * uint(logical))
	}
	return m
}
