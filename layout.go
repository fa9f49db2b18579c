package txhash

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/theflywheel/txhash/pool"
)

// Persistent layouts. All words are big-endian uint64 unless noted.
//
//	table     id | a u32 | b u32 | p | size | buckets | seed | uuid [16]
//	buckets   count | head[count]
//	entry     key | value | next | flags
//	value     len | bytes
//	directory capacity | slot[capacity]
const (
	tblID      = 0
	tblA       = 8
	tblB       = 12
	tblP       = 16
	tblSize    = 24
	tblBuckets = 32
	tblSeed    = 40
	tblUUID    = 48
	tableSize  = 64

	entKey    = 0
	entValue  = 8
	entNext   = 16
	entFlags  = 24
	entrySize = 32

	dirCapacity = 0
)

func headOffset(i uint64) int { return 8 + 8*int(i) }

func arraySize(n uint64) int { return 8 + 8*int(n) }

func slotOffset(id int) int { return 8 + 8*id }

func bucketCount(p *pool.Pool, arr pool.Ref) uint64 {
	return p.Uint64(arr, 0)
}

func bucketHead(p *pool.Pool, arr pool.Ref, i uint64) pool.Ref {
	return pool.Ref(p.Uint64(arr, headOffset(i)))
}

func entryKey(p *pool.Pool, e pool.Ref) uint64 { return p.Uint64(e, entKey) }

func entryValue(p *pool.Pool, e pool.Ref) pool.Ref { return pool.Ref(p.Uint64(e, entValue)) }

func entryNext(p *pool.Pool, e pool.Ref) pool.Ref { return pool.Ref(p.Uint64(e, entNext)) }

func readUUID(p *pool.Pool, t pool.Ref) (id uuid.UUID) {
	copy(id[:], p.Slice(t, tblUUID, len(id)))
	return id
}

func readParams(p *pool.Pool, t pool.Ref) hashParams {
	return hashParams{
		a: p.Uint32(t, tblA),
		b: p.Uint32(t, tblB),
		p: p.Uint64(t, tblP),
	}
}

// readValue copies the value blob at ref out of the pool.
func readValue(p *pool.Pool, ref pool.Ref) []byte {
	if ref.IsNull() {
		return nil
	}
	n := p.Uint64(ref, 0)
	out := make([]byte, n)
	copy(out, p.Slice(ref, 8, int(n)))
	return out
}

// allocValue stores b in a new blob.
func allocValue(tx *pool.Tx, b []byte) (pool.Ref, error) {
	ref, err := tx.Alloc(8 + len(b))
	if err != nil {
		return pool.Null, fmt.Errorf("failed to allocate value: %w", err)
	}
	if err := tx.PutUint64(ref, 0, uint64(len(b))); err != nil {
		return pool.Null, err
	}
	if err := tx.Write(ref, 8, b); err != nil {
		return pool.Null, err
	}
	return ref, nil
}

// allocBuckets allocates an empty bucket array of n heads.
func allocBuckets(tx *pool.Tx, n uint64) (pool.Ref, error) {
	if n > uint64(tx.Pool().Size())/8 {
		return pool.Null, fmt.Errorf("failed to allocate %d buckets: %w", n, pool.ErrOutOfSpace)
	}
	arr, err := tx.Alloc(arraySize(n))
	if err != nil {
		return pool.Null, fmt.Errorf("failed to allocate %d buckets: %w", n, err)
	}
	if err := tx.PutUint64(arr, 0, n); err != nil {
		return pool.Null, err
	}
	return arr, nil
}

// allocEntry allocates an entry for key pointing at value and next.
func allocEntry(tx *pool.Tx, key uint64, value, next pool.Ref) (pool.Ref, error) {
	e, err := tx.Alloc(entrySize)
	if err != nil {
		return pool.Null, fmt.Errorf("failed to allocate entry: %w", err)
	}
	for _, f := range [...]struct {
		off int
		v   uint64
	}{{entKey, key}, {entValue, uint64(value)}, {entNext, uint64(next)}, {entFlags, 0}} {
		if err := tx.PutUint64(e, f.off, f.v); err != nil {
			return pool.Null, err
		}
	}
	return e, nil
}
