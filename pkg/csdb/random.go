package csdb

import (
	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/drbg"
)

const cacheBits = cs.RndmSize * 8

// SetRandomBitsCache loads a fresh DRBG block for tx and rewinds its cursor.
func (db *DB) SetRandomBitsCache(tx cs.TransactionID, bits [cs.RndmSize]byte) error {
	if int(tx) >= cs.NumTransactionIDs {
		return cs.StatusUnexpectedParameter
	}
	db.rndm[tx] = RandomBitsCache{Bits: bits}
	return nil
}

// RandomBitsAvailable reports whether at least n unused bits are cached.
func (db *DB) RandomBitsAvailable(tx cs.TransactionID, n int) bool {
	if int(tx) >= cs.NumTransactionIDs {
		return false
	}
	return cacheBits-db.rndm[tx].BitsUsed >= n
}

// RandomBitsUsed returns the cursor of the cache for tx.
func (db *DB) RandomBitsUsed(tx cs.TransactionID) int {
	if int(tx) >= cs.NumTransactionIDs {
		return 0
	}
	return db.rndm[tx].BitsUsed
}

// GetRandomBitsFromCache consumes n (at most 32) cached bits, least
// significant bit first. It fails with cs.StatusInvalidBuffer when fewer
// than n bits remain; the cache is never partially refilled.
func (db *DB) GetRandomBitsFromCache(tx cs.TransactionID, n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, cs.StatusUnexpectedParameter
	}
	if !db.RandomBitsAvailable(tx, n) {
		return 0, cs.StatusInvalidBuffer
	}
	c := &db.rndm[tx]
	var v uint32
	for i := 0; i < n; i++ {
		pos := c.BitsUsed + i
		if c.Bits[pos/8]&(1<<(pos%8)) != 0 {
			v |= 1 << i
		}
	}
	c.BitsUsed += n
	return v, nil
}

// RandomBits draws n bits for tx, refilling the whole cache from gen only
// when the cached bits cannot satisfy the request.
func (db *DB) RandomBits(gen drbg.Generator, tx cs.TransactionID, n int) (uint32, error) {
	if !db.RandomBitsAvailable(tx, n) {
		var block [cs.RndmSize]byte
		if err := gen.Generate(tx, block[:]); err != nil {
			return 0, errors.Wrapf(cs.StatusDRBGInitFail, "refill transaction %d: %v", tx, err)
		}
		if err := db.SetRandomBitsCache(tx, block); err != nil {
			return 0, err
		}
		db.refills.Add(1)
	}
	return db.GetRandomBitsFromCache(tx, n)
}

// RandomByteSource adapts RandomBits to an 8-bit source.
func (db *DB) RandomByteSource(gen drbg.Generator, tx cs.TransactionID) func() (uint8, error) {
	return func() (uint8, error) {
		v, err := db.RandomBits(gen, tx, 8)
		return uint8(v), err
	}
}

// ResetRandomBitsCache marks every cache exhausted.
func (db *DB) ResetRandomBitsCache() {
	for i := range db.rndm {
		db.rndm[i] = RandomBitsCache{BitsUsed: cacheBits}
	}
}

// DRBGRefills returns how many times a cache was refilled. Safe to call
// from any goroutine.
func (db *DB) DRBGRefills() uint64 { return db.refills.Load() }
