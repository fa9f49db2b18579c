package txhash

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/theflywheel/txhash/internal/metrics"
	"github.com/theflywheel/txhash/pool"
)

// SetResult tells whether Set added a key or replaced its value.
type SetResult int

// Set results.
const (
	Inserted SetResult = iota + 1
	Updated
)

func (r SetResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	}
	return fmt.Sprintf("SetResult(%d)", int(r))
}

// Table is a handle to one hash table in a Store. Chains are singly linked
// with new keys inserted at the head.
//
// A Table does no locking. Writers (Set, Expand, Migrate) must be serialised
// by the caller and must not overlap any other operation on the same tables,
// Get included: a replaced value's block is reused by later allocations.
type Table struct {
	s    *Store
	id   int
	ref  pool.Ref
	uuid uuid.UUID
}

// ID returns the table's directory slot.
func (t *Table) ID() int { return t.id }

// live reports whether the table still occupies its slot. Migrate destroys
// the source table and leaves its handles dead, even once a new table reuses
// the slot and the freed record.
func (t *Table) live() bool {
	return !t.ref.IsNull() && t.s.slot(t.id) == t.ref && readUUID(t.s.pool, t.ref) == t.uuid
}

// UUID identifies this incarnation of the table.
func (t *Table) UUID() uuid.UUID { return t.uuid }

func (t *Table) buckets() pool.Ref {
	return pool.Ref(t.s.pool.Uint64(t.ref, tblBuckets))
}

func (t *Table) params() hashParams {
	return readParams(t.s.pool, t.ref)
}

// Len returns the number of entries, zero for a destroyed table.
func (t *Table) Len() uint64 {
	if !t.live() {
		return 0
	}
	return t.s.pool.Uint64(t.ref, tblSize)
}

// BucketCount returns the size of the bucket array, zero for a destroyed
// table.
func (t *Table) BucketCount() uint64 {
	if !t.live() {
		return 0
	}
	return bucketCount(t.s.pool, t.buckets())
}

// find returns the entry for key in bucket h of arr, or Null.
func find(p *pool.Pool, arr pool.Ref, h, key uint64) pool.Ref {
	for e := bucketHead(p, arr, h); !e.IsNull(); e = entryNext(p, e) {
		if entryKey(p, e) == key {
			return e
		}
	}
	return pool.Null
}

// Get returns a copy of the value stored under key. It reads the last
// committed state without a transaction.
func (t *Table) Get(key uint64) ([]byte, bool) {
	if !t.live() {
		return nil, false
	}
	p := t.s.pool
	arr := t.buckets()
	e := find(p, arr, t.params().bucket(key, bucketCount(p, arr)), key)
	if e.IsNull() {
		return nil, false
	}
	return readValue(p, entryValue(p, e)), true
}

// Set stores value under key in one transaction. Replacing a value swaps the
// entry's value reference and frees the old value. If the transaction aborts
// the table is left unchanged.
func (t *Table) Set(key uint64, value []byte) (res SetResult, err error) {
	defer func() { metrics.ObserveOp("set", err) }()
	if !t.live() {
		return 0, fmt.Errorf("%w: %d", ErrNoTable, t.id)
	}
	p := t.s.pool
	arr := t.buckets()
	n := bucketCount(p, arr)
	h := t.params().bucket(key, n)

	if e := find(p, arr, h, key); !e.IsNull() {
		err = p.Update(func(tx *pool.Tx) error {
			blob, err := allocValue(tx, value)
			if err != nil {
				return err
			}
			old := entryValue(p, e)
			if err := tx.PutUint64(e, entValue, uint64(blob)); err != nil {
				return err
			}
			if old.IsNull() {
				return nil
			}
			return tx.Free(old)
		})
		if err != nil {
			return 0, fmt.Errorf("failed to update key %d: %w", key, err)
		}
		return Updated, nil
	}

	err = p.Update(func(tx *pool.Tx) error {
		if err := tx.LogRange(arr, headOffset(h), 8); err != nil {
			return err
		}
		if err := tx.LogRange(t.ref, tblSize, 8); err != nil {
			return err
		}
		blob, err := allocValue(tx, value)
		if err != nil {
			return err
		}
		e, err := allocEntry(tx, key, blob, bucketHead(p, arr, h))
		if err != nil {
			return err
		}
		if err := tx.PutUint64(arr, headOffset(h), uint64(e)); err != nil {
			return err
		}
		return tx.PutUint64(t.ref, tblSize, p.Uint64(t.ref, tblSize)+1)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert key %d: %w", key, err)
	}

	if lf := t.s.opts.MaxLoadFactor; lf > 0 && float64(t.Len()) > lf*float64(n) {
		if gerr := t.Expand(2 * n); gerr != nil {
			log.Warningf("table %d: growing to %d buckets after insert failed: %v", t.id, 2*n, gerr)
		}
	}
	return Inserted, nil
}

// ForEach calls fn for every entry in bucket order, stopping at the first
// error.
func (t *Table) ForEach(fn func(key uint64, value []byte) error) error {
	if !t.live() {
		return nil
	}
	p := t.s.pool
	arr := t.buckets()
	n := bucketCount(p, arr)
	for i := uint64(0); i < n; i++ {
		for e := bucketHead(p, arr, i); !e.IsNull(); e = entryNext(p, e) {
			if err := fn(entryKey(p, e), readValue(p, entryValue(p, e))); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys returns every key in ascending order.
func (t *Table) Keys() []uint64 {
	var keys []uint64
	t.ForEach(func(key uint64, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Stats describes a table's shape.
type Stats struct {
	ID           int
	UUID         uuid.UUID
	Entries      uint64
	Buckets      uint64
	EmptyBuckets uint64
	LongestChain uint64
}

// Stats walks every chain and reports the table's shape.
func (t *Table) Stats() Stats {
	st := Stats{ID: t.id, UUID: t.uuid}
	if !t.live() {
		return st
	}
	p := t.s.pool
	arr := t.buckets()
	st.Entries = t.Len()
	st.Buckets = bucketCount(p, arr)
	for i := uint64(0); i < st.Buckets; i++ {
		var chain uint64
		for e := bucketHead(p, arr, i); !e.IsNull(); e = entryNext(p, e) {
			chain++
		}
		if chain == 0 {
			st.EmptyBuckets++
		}
		if chain > st.LongestChain {
			st.LongestChain = chain
		}
	}
	return st
}
