package cs

import "math/bits"

// LoopFlag marks an encoded value as cycling through a range instead of
// holding a fixed value.
const LoopFlag uint8 = 0x80

// NextLoopValue advances a looping value. Values without LoopFlag are fixed
// and returned as is. Looping values step from min to max and wrap back to
// min; the flag is preserved in the result.
func NextLoopValue(curr, min, max uint8) uint8 {
	if curr&LoopFlag == 0 {
		return curr
	}
	v := curr &^ LoopFlag
	if v >= max || v < min {
		v = min
	} else {
		v++
	}
	return v | LoopFlag
}

// LoopValue strips LoopFlag from an encoded value.
func LoopValue(v uint8) uint8 {
	return v &^ LoopFlag
}

// MapAntennaMuxIndex remaps a logical antenna index through a packed mapping
// byte holding two bits per index, index 0 in the least significant bits.
// Indices above 3 are returned unchanged.
func MapAntennaMuxIndex(mapping, idx uint8) uint8 {
	if idx > 3 {
		return idx
	}
	return (mapping >> (2 * idx)) & 0x03
}

// HR1 scales an 8-bit random value v into [0, n).
func HR1(v uint8, n int) int {
	return (int(v) * n) >> 8
}

// PopCount returns the number of set bits in b.
func PopCount(b uint8) int {
	return bits.OnesCount8(b)
}
