package txhash

import (
	"fmt"

	"github.com/theflywheel/txhash/internal/metrics"
	"github.com/theflywheel/txhash/pool"
)

// MigrateTables moves every entry of src into dst and destroys src, all in one
// transaction. Entries are rehashed under dst's parameters and relinked, not
// copied. When a key exists in both tables the source entry wins: dst keeps
// its entry but takes src's value.
//
// Unless Options.RehashMigrate is set both tables must have the same bucket
// count. If the transaction aborts both tables are left as they were.
func (s *Store) MigrateTables(src, dst *Table) (err error) {
	defer func() { metrics.ObserveOp("migrate", err) }()
	if !src.live() {
		return fmt.Errorf("%w: source %d", ErrNoTable, src.id)
	}
	if !dst.live() {
		return fmt.Errorf("%w: destination %d", ErrNoTable, dst.id)
	}
	if src.s != s || dst.s != s {
		return fmt.Errorf("%w: tables belong to another store", ErrNoTable)
	}
	if src.ref == dst.ref {
		return ErrSameTable
	}

	p := s.pool
	srcArr, dstArr := src.buckets(), dst.buckets()
	sn, dn := bucketCount(p, srcArr), bucketCount(p, dstArr)
	if sn != dn && !s.opts.RehashMigrate {
		return fmt.Errorf("%w: source %d has %d buckets, destination %d has %d", ErrBucketMismatch, src.id, sn, dst.id, dn)
	}

	params := dst.params()
	var moved, replaced int
	err = p.Update(func(tx *pool.Tx) error {
		if err := tx.LogRange(srcArr, 0, arraySize(sn)); err != nil {
			return err
		}
		if err := tx.LogRange(dstArr, 0, arraySize(dn)); err != nil {
			return err
		}
		if err := tx.LogRange(dst.ref, tblSize, 8); err != nil {
			return err
		}

		moved, replaced = 0, 0
		size := p.Uint64(dst.ref, tblSize)
		for i := uint64(0); i < sn; i++ {
			for e := bucketHead(p, srcArr, i); !e.IsNull(); e = bucketHead(p, srcArr, i) {
				key := entryKey(p, e)
				h := params.bucket(key, dn)
				existing := find(p, dstArr, h, key)
				if existing.IsNull() {
					if err := relink(tx, srcArr, i, e, dstArr, h); err != nil {
						return err
					}
					size++
					moved++
					continue
				}
				if err := takeValue(tx, srcArr, i, e, existing); err != nil {
					return err
				}
				replaced++
			}
		}

		if err := tx.PutUint64(dst.ref, tblSize, size); err != nil {
			return err
		}
		if err := tx.Free(srcArr); err != nil {
			return err
		}
		if err := tx.Free(src.ref); err != nil {
			return err
		}
		return tx.PutUint64(s.dir, slotOffset(src.id), uint64(pool.Null))
	})
	if err != nil {
		return fmt.Errorf("failed to migrate table %d into %d: %w", src.id, dst.id, err)
	}
	metrics.AddRehashed("migrate", moved)
	log.Debugf("table %d: migrated into %d, moved %d entries, replaced %d values", src.id, dst.id, moved, replaced)
	return nil
}

// takeValue resolves a key collision: the source entry e, at the head of
// bucket i of srcArr, hands its value to the destination entry and is freed
// together with the destination's old value.
func takeValue(tx *pool.Tx, srcArr pool.Ref, i uint64, e, existing pool.Ref) error {
	p := tx.Pool()
	if err := tx.PutUint64(srcArr, headOffset(i), uint64(entryNext(p, e))); err != nil {
		return err
	}
	old := entryValue(p, existing)
	if err := tx.PutUint64(existing, entValue, uint64(entryValue(p, e))); err != nil {
		return err
	}
	if !old.IsNull() {
		if err := tx.Free(old); err != nil {
			return err
		}
	}
	return tx.Free(e)
}
