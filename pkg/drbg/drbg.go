// Package drbg provides the random bit source behind CS randomization. The
// engine only depends on the Generator interface; AESCTR is a counter-mode
// generator keyed from the link session key and the exchanged CS security
// vectors.
package drbg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

// Generator fills out with random bits for one transaction stream.
type Generator interface {
	Generate(tx cs.TransactionID, out []byte) error
}

// Vector is one side's half of the CS security material.
type Vector struct {
	IV [8]byte
	IN [4]byte
	PV [8]byte
}

// NewVector draws a fresh random vector.
func NewVector() (Vector, error) {
	var v Vector
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return v, fmt.Errorf("failed to read random vector: %w", err)
	}
	copy(v.IV[:], buf[0:8])
	copy(v.IN[:], buf[8:12])
	copy(v.PV[:], buf[12:20])
	return v, nil
}

// Seed is the combined security material, central half first.
type Seed struct {
	IV [16]byte
	IN [8]byte
	PV [16]byte
}

// Compose joins the central and peripheral halves into a seed.
func Compose(central, peripheral Vector) Seed {
	var s Seed
	copy(s.IV[0:8], central.IV[:])
	copy(s.IV[8:16], peripheral.IV[:])
	copy(s.IN[0:4], central.IN[:])
	copy(s.IN[4:8], peripheral.IN[:])
	copy(s.PV[0:8], central.PV[:])
	copy(s.PV[8:16], peripheral.PV[:])
	return s
}

// AESCTR derives per-transaction keystreams with AES-128. Each transaction
// ID owns an independent counter, so draws for one purpose never shift the
// sequence of another.
type AESCTR struct {
	block    cipher.Block
	seed     Seed
	counters [cs.NumTransactionIDs]uint32
}

// NewAESCTR keys a generator. Both peers seeded with the same key and
// vectors produce identical streams.
func NewAESCTR(key [16]byte, seed Seed) (*AESCTR, error) {
	var k [16]byte
	for i := range k {
		k[i] = key[i] ^ seed.PV[i]
	}
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, cs.StatusDRBGInitFail
	}
	return &AESCTR{block: block, seed: seed}, nil
}

// Generate implements Generator.
func (g *AESCTR) Generate(tx cs.TransactionID, out []byte) error {
	if int(tx) >= cs.NumTransactionIDs {
		return cs.StatusUnexpectedParameter
	}
	var in, blk [16]byte
	for off := 0; off < len(out); off += 16 {
		in = g.seed.IV
		binary.LittleEndian.PutUint32(in[0:4], binary.LittleEndian.Uint32(in[0:4])^binary.LittleEndian.Uint32(g.seed.IN[0:4]))
		binary.LittleEndian.PutUint32(in[4:8], binary.LittleEndian.Uint32(in[4:8])^binary.LittleEndian.Uint32(g.seed.IN[4:8]))
		in[8] ^= byte(tx)
		binary.LittleEndian.PutUint32(in[12:16], g.counters[tx])
		g.counters[tx]++
		g.block.Encrypt(blk[:], in[:])
		copy(out[off:], blk[:])
	}
	return nil
}

// Reset rewinds every transaction counter, as done at the start of each
// procedure's security sequence.
func (g *AESCTR) Reset() {
	for i := range g.counters {
		g.counters[i] = 0
	}
}
