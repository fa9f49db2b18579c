package txhash

import (
	"fmt"

	"github.com/theflywheel/txhash/internal/metrics"
	"github.com/theflywheel/txhash/pool"
)

// Expand replaces the bucket array with one of n buckets and relinks every
// entry into it, all in one transaction. Entries are moved, not copied, and
// the old array is freed when the transaction commits. n must exceed the
// current bucket count.
func (t *Table) Expand(n uint64) (err error) {
	defer func() { metrics.ObserveOp("expand", err) }()
	if !t.live() {
		return fmt.Errorf("%w: %d", ErrNoTable, t.id)
	}
	if n < 1 {
		return ErrInvalidBucketCount
	}
	p := t.s.pool
	old := t.buckets()
	cur := bucketCount(p, old)
	if n <= cur {
		return fmt.Errorf("%w: %d buckets requested, table %d has %d", ErrShrink, n, t.id, cur)
	}

	params := t.params()
	moved := 0
	err = p.Update(func(tx *pool.Tx) error {
		arr, err := allocBuckets(tx, n)
		if err != nil {
			return err
		}
		if err := tx.LogRange(old, 0, arraySize(cur)); err != nil {
			return err
		}
		if err := tx.LogRange(t.ref, tblBuckets, 8); err != nil {
			return err
		}

		moved = 0
		for i := uint64(0); i < cur; i++ {
			for e := bucketHead(p, old, i); !e.IsNull(); e = bucketHead(p, old, i) {
				if err := relink(tx, old, i, e, arr, params.bucket(entryKey(p, e), n)); err != nil {
					return err
				}
				moved++
			}
		}

		if err := tx.PutUint64(t.ref, tblBuckets, uint64(arr)); err != nil {
			return err
		}
		return tx.Free(old)
	})
	if err != nil {
		return fmt.Errorf("failed to expand table %d to %d buckets: %w", t.id, n, err)
	}
	metrics.AddRehashed("expand", moved)
	log.Debugf("table %d: expanded %d -> %d buckets, moved %d entries", t.id, cur, n, moved)
	return nil
}

// relink unlinks e from the head of bucket i of from and pushes it onto
// bucket h of to.
func relink(tx *pool.Tx, from pool.Ref, i uint64, e pool.Ref, to pool.Ref, h uint64) error {
	p := tx.Pool()
	if err := tx.PutUint64(from, headOffset(i), uint64(entryNext(p, e))); err != nil {
		return err
	}
	if err := tx.PutUint64(e, entNext, uint64(bucketHead(p, to, h))); err != nil {
		return err
	}
	return tx.PutUint64(to, headOffset(h), uint64(e))
}
