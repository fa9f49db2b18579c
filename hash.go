package txhash

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"

	"github.com/dchest/siphash"
)

const (
	// Prime is the modulus of the universal hash family.
	Prime uint64 = 32212254719

	// TombstoneMask is reserved in each entry's flag word for marking deleted
	// entries. Nothing sets it yet.
	TombstoneMask uint64 = 1 << 63
)

// hashParams selects one member of the family
//
//	h(key) = ((a*key + b) mod p) mod buckets
//
// a and b are fixed when the table is created; only the bucket count changes
// over the table's life.
type hashParams struct {
	a, b uint32
	p    uint64
}

func (h hashParams) sum(key uint64) uint64 {
	hi, lo := bits.Mul64(uint64(h.a), key)
	lo, carry := bits.Add64(lo, uint64(h.b), 0)
	hi += carry
	return bits.Rem64(hi, lo, h.p)
}

func (h hashParams) bucket(key, buckets uint64) uint64 {
	return h.sum(key) % buckets
}

// newHashParams draws a and b for table id, deterministically when seed is
// non-zero.
func newHashParams(seed uint64, id int) hashParams {
	var v uint64
	if seed != 0 {
		v = siphash.Hash(seed, uint64(id), []byte("txhash/params"))
	} else {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		v = binary.BigEndian.Uint64(buf[:])
	}
	h := hashParams{a: uint32(v), b: uint32(v >> 32), p: Prime}
	if h.a == 0 {
		h.a = 1
	}
	return h
}
