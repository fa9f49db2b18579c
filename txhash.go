package txhash

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/op/go-logging"

	"github.com/theflywheel/txhash/pool"
)

var log = logging.MustGetLogger("txhash")

// Store is a pool file holding a directory of hash tables.
type Store struct {
	pool     *pool.Pool
	opts     Options
	dir      pool.Ref
	capacity int
}

// Open opens the store at path, creating it if it does not exist. Opening a
// store whose last transaction was interrupted rolls that transaction back.
func Open(path string, opts *Options) (*Store, error) {
	o := opts.withDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}

	p, err := pool.Open(path, o.poolOptions())
	if err != nil {
		return nil, err
	}

	s := &Store{pool: p, opts: o}
	if err := s.loadDirectory(); err != nil {
		return nil, multierror.Append(err, p.Close()).ErrorOrNil()
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Pool exposes the store's pool.
func (s *Store) Pool() *pool.Pool { return s.pool }

// Capacity returns the number of table slots.
func (s *Store) Capacity() int { return s.capacity }

// Set stores value under key in table id, creating the table with
// Options.DefaultBuckets buckets if needed.
func (s *Store) Set(id int, key uint64, value []byte) (SetResult, error) {
	t, err := s.resolve(id)
	if err != nil {
		return 0, err
	}
	return t.Set(key, value)
}

// Get returns the value stored under key in table id. A missing table or key
// reports false; only an out-of-range id is an error.
func (s *Store) Get(id int, key uint64) ([]byte, bool, error) {
	t, ok, err := s.lookup(id)
	if err != nil || !ok {
		return nil, false, err
	}
	v, found := t.Get(key)
	return v, found, nil
}

// Expand grows table id to n buckets.
func (s *Store) Expand(id int, n uint64) error {
	t, ok, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoTable, id)
	}
	return t.Expand(n)
}

// Migrate moves every entry of table srcID into table dstID and destroys
// srcID.
func (s *Store) Migrate(srcID, dstID int) error {
	src, ok, err := s.lookup(srcID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoTable, srcID)
	}
	dst, ok, err := s.lookup(dstID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoTable, dstID)
	}
	return s.MigrateTables(src, dst)
}

// Len returns the number of entries in table id, zero if it does not exist.
func (s *Store) Len(id int) (uint64, error) {
	t, ok, err := s.lookup(id)
	if err != nil || !ok {
		return 0, err
	}
	return t.Len(), nil
}
