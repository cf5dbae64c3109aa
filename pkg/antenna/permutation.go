package antenna

import (
	"github.com/dbehnke/cs-controller/pkg/cs"
)

// permutations lists antenna path orders indexed by permutation index. Rows
// for fewer paths are prefixes of this table restricted to the first N_AP!
// entries, which only ever reference paths below N_AP.
var permutations = [24][MaxPaths]uint8{
	{0, 1, 2, 3}, {1, 0, 2, 3}, {0, 2, 1, 3}, {2, 0, 1, 3},
	{2, 1, 0, 3}, {1, 2, 0, 3}, {0, 1, 3, 2}, {1, 0, 3, 2},
	{0, 3, 1, 2}, {3, 0, 1, 2}, {3, 1, 0, 2}, {1, 3, 0, 2},
	{0, 3, 2, 1}, {3, 0, 2, 1}, {0, 2, 3, 1}, {2, 0, 3, 1},
	{2, 3, 0, 1}, {3, 2, 0, 1}, {3, 1, 2, 0}, {1, 3, 2, 0},
	{3, 2, 1, 0}, {2, 3, 1, 0}, {1, 2, 3, 0}, {2, 1, 3, 0},
}

// PathOrder returns the order in which the nap antenna paths are visited
// for permutation index idx. An out of range index falls back to 0.
func PathOrder(nap, idx uint8) []uint8 {
	if nap == 0 || nap > MaxPaths {
		return nil
	}
	if idx >= NumPermutations(nap) {
		idx = 0
	}
	out := make([]uint8, nap)
	copy(out, permutations[idx][:nap])
	return out
}

// PathAntennas returns the (initiator, reflector) antenna pair for path p of
// configuration a. Paths enumerate reflector antennas fastest.
func PathAntennas(a ACI, p uint8) (initiator, reflector uint8) {
	r := a.ReflectorAntennas()
	if r == 0 {
		return 0, 0
	}
	return p / r, p % r
}

// SwitchSequence returns the local antenna index for each tone slot of a
// mode-2 or mode-3 step: one per antenna path in permutation order plus the
// tone extension slot, which repeats the last path's antenna. mapping remaps
// the logical indices onto physical antennas.
func SwitchSequence(a ACI, role, permIdx, mapping uint8) []uint8 {
	nap := NumPaths(a)
	order := PathOrder(nap, permIdx)
	if order == nil {
		return nil
	}
	seq := make([]uint8, 0, len(order)+1)
	for _, p := range order {
		ini, ref := PathAntennas(a, p)
		ant := ref
		if role == cs.RoleInitiator {
			ant = ini
		}
		seq = append(seq, cs.MapAntennaMuxIndex(mapping, ant))
	}
	seq = append(seq, seq[len(seq)-1])
	return seq
}
