package txhash

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/theflywheel/txhash/pool"
)

// The directory is the pool's root object: a fixed number of slots, each
// holding a table record reference or Null.

func (s *Store) loadDirectory() error {
	p := s.pool
	if p.Root().IsNull() {
		capacity := s.opts.DirectoryCapacity
		err := p.Update(func(tx *pool.Tx) error {
			dir, err := tx.Alloc(slotOffset(capacity))
			if err != nil {
				return fmt.Errorf("failed to allocate directory: %w", err)
			}
			if err := tx.PutUint64(dir, dirCapacity, uint64(capacity)); err != nil {
				return err
			}
			return tx.SetRoot(dir)
		})
		if err != nil {
			return err
		}
		log.Infof("initialised directory with %d slots in %s", capacity, p.Path())
	}

	s.dir = p.Root()
	capacity := p.Uint64(s.dir, dirCapacity)
	if capacity == 0 || capacity > uint64(p.Size())/8 {
		return fmt.Errorf("%w: directory capacity %d", ErrCorrupt, capacity)
	}
	s.capacity = int(capacity)
	if s.capacity != s.opts.DirectoryCapacity {
		log.Warningf("%s has %d table slots, ignoring configured %d", p.Path(), s.capacity, s.opts.DirectoryCapacity)
	}
	return nil
}

func (s *Store) checkID(id int) error {
	if id < 0 || id >= s.capacity {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidTableID, id, s.capacity)
	}
	return nil
}

func (s *Store) slot(id int) pool.Ref {
	return pool.Ref(s.pool.Uint64(s.dir, slotOffset(id)))
}

func (s *Store) lookup(id int) (*Table, bool, error) {
	if err := s.checkID(id); err != nil {
		return nil, false, err
	}
	ref := s.slot(id)
	if ref.IsNull() {
		return nil, false, nil
	}
	return &Table{s: s, id: id, ref: ref, uuid: readUUID(s.pool, ref)}, true, nil
}

// Lookup returns table id if it exists.
func (s *Store) Lookup(id int) (*Table, bool) {
	t, ok, err := s.lookup(id)
	if err != nil {
		return nil, false
	}
	return t, ok
}

// Table returns table id, creating it with the given bucket count on first
// reference and expanding it when buckets exceeds its current count.
func (s *Store) Table(id int, buckets uint64) (*Table, error) {
	if buckets < 1 {
		return nil, ErrInvalidBucketCount
	}
	t, ok, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.createTable(id, buckets)
	}
	if n := t.BucketCount(); buckets > n {
		log.Debugf("table %d: growing from %d to %d buckets on reference", id, n, buckets)
		if err := t.Expand(buckets); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// resolve returns table id, creating it with the default bucket count.
func (s *Store) resolve(id int) (*Table, error) {
	t, ok, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	return s.createTable(id, s.opts.DefaultBuckets)
}

func (s *Store) createTable(id int, buckets uint64) (*Table, error) {
	params := newHashParams(s.opts.Seed, id)
	tid, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to create table %d: %w", id, err)
	}
	var ref pool.Ref
	err = s.pool.Update(func(tx *pool.Tx) error {
		arr, err := allocBuckets(tx, buckets)
		if err != nil {
			return err
		}
		t, err := tx.Alloc(tableSize)
		if err != nil {
			return fmt.Errorf("failed to allocate table: %w", err)
		}
		for _, f := range [...]struct {
			off int
			v   uint64
		}{{tblID, uint64(id)}, {tblP, params.p}, {tblSize, 0}, {tblBuckets, uint64(arr)}, {tblSeed, s.opts.Seed}} {
			if err := tx.PutUint64(t, f.off, f.v); err != nil {
				return err
			}
		}
		if err := tx.PutUint32(t, tblA, params.a); err != nil {
			return err
		}
		if err := tx.PutUint32(t, tblB, params.b); err != nil {
			return err
		}
		if err := tx.Write(t, tblUUID, tid[:]); err != nil {
			return err
		}
		ref = t
		return tx.PutUint64(s.dir, slotOffset(id), uint64(t))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create table %d: %w", id, err)
	}
	log.Debugf("table %d: created with %d buckets as %s", id, buckets, tid)
	return &Table{s: s, id: id, ref: ref, uuid: tid}, nil
}

// Tables returns the ids of existing tables in ascending order.
func (s *Store) Tables() []int {
	var ids []int
	for id := 0; id < s.capacity; id++ {
		if !s.slot(id).IsNull() {
			ids = append(ids, id)
		}
	}
	return ids
}
