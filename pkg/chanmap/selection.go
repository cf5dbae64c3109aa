package chanmap

import (
	"slices"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

// ByteSource yields 8-bit random values, normally drawn from a DRBG
// transaction stream.
type ByteSource func() (uint8, error)

// Shuffle3b permutes channels in place with a Fisher-Yates shuffle driven by
// next (channel selection algorithm #3b).
func Shuffle3b(channels []uint8, next ByteSource) error {
	n := len(channels)
	for i := 0; i < n-1; i++ {
		r, err := next()
		if err != nil {
			return err
		}
		j := i + cs.HR1(r, n-i)
		channels[i], channels[j] = channels[j], channels[i]
	}
	return nil
}

// Order3c orders channels for channel selection algorithm #3c. The sorted
// channels are split into jump interleaved subgroups; the subgroup order is
// shuffled with next and each subgroup is walked according to shape. The
// hat shape alternates ascending and descending subgroups. The X shape
// walks each subgroup from both ends towards the middle.
func Order3c(channels []uint8, shape, jump uint8, next ByteSource) ([]uint8, error) {
	if jump < cs.MinCh3cJump || jump > cs.MaxCh3cJump {
		return nil, cs.StatusUnexpectedParameter
	}
	if shape != cs.Ch3cShapeHat && shape != cs.Ch3cShapeX {
		return nil, cs.StatusUnexpectedParameter
	}
	sorted := append([]uint8(nil), channels...)
	slices.Sort(sorted)

	groups := make([][]uint8, 0, jump)
	for s := 0; s < int(jump) && s < len(sorted); s++ {
		var g []uint8
		for k := s; k < len(sorted); k += int(jump) {
			g = append(g, sorted[k])
		}
		groups = append(groups, g)
	}
	idx := make([]uint8, len(groups))
	for i := range idx {
		idx[i] = uint8(i)
	}
	if err := Shuffle3b(idx, next); err != nil {
		return nil, err
	}

	out := make([]uint8, 0, len(sorted))
	for n, gi := range idx {
		g := groups[gi]
		switch shape {
		case cs.Ch3cShapeHat:
			if n%2 == 0 {
				out = append(out, g...)
			} else {
				for k := len(g) - 1; k >= 0; k-- {
					out = append(out, g[k])
				}
			}
		case cs.Ch3cShapeX:
			lo, hi := 0, len(g)-1
			for lo <= hi {
				out = append(out, g[lo])
				if lo != hi {
					out = append(out, g[hi])
				}
				lo++
				hi--
			}
		}
	}
	return out, nil
}
