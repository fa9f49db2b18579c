package txhash_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/theflywheel/txhash"
)

func TestDirectoryLazyCreate(t *testing.T) {
	s, _ := newStore(t, nil)

	if c := s.Capacity(); c != txhash.DefaultDirectoryCapacity {
		t.Fatalf("Expected %d table slots, got %d", txhash.DefaultDirectoryCapacity, c)
	}
	if _, ok := s.Lookup(2); ok {
		t.Fatal("Expected no table before first use")
	}

	if _, err := s.Set(2, 1, []byte("one")); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	tbl, ok := s.Lookup(2)
	if !ok {
		t.Fatal("Expected Set to create table 2")
	}
	if n := tbl.BucketCount(); n != txhash.DefaultBuckets {
		t.Errorf("Expected %d buckets for an implicit table, got %d", txhash.DefaultBuckets, n)
	}
	if ids := s.Tables(); len(ids) != 1 || ids[0] != 2 {
		t.Errorf("Expected tables [2], got %v", ids)
	}
}

func TestDirectoryGrowsOnLargerRequest(t *testing.T) {
	s, _ := newStore(t, nil)

	tbl := mustTable(t, s, 3, 4)
	for i := uint64(0); i < 12; i++ {
		mustSet(t, tbl, i, "v")
	}

	if again := mustTable(t, s, 3, 2); again.BucketCount() != 4 {
		t.Errorf("A smaller request must not shrink the table, got %d buckets", again.BucketCount())
	}
	if again := mustTable(t, s, 3, 4); again.BucketCount() != 4 {
		t.Errorf("An equal request must leave the table alone, got %d buckets", again.BucketCount())
	}

	grown := mustTable(t, s, 3, 10)
	if grown.BucketCount() != 10 {
		t.Fatalf("Expected table to grow to 10 buckets, got %d", grown.BucketCount())
	}
	for i := uint64(0); i < 12; i++ {
		expectValue(t, grown, i, "v")
	}
	// the first handle sees the same table
	if tbl.BucketCount() != 10 || tbl.Len() != 12 {
		t.Errorf("Old handle sees %d entries in %d buckets", tbl.Len(), tbl.BucketCount())
	}
}

func TestDirectoryInvalidRequests(t *testing.T) {
	s, _ := newStore(t, nil)

	for _, id := range []int{-1, txhash.DefaultDirectoryCapacity, 100} {
		if _, err := s.Table(id, 4); !errors.Is(err, txhash.ErrInvalidTableID) {
			t.Errorf("Table(%d): expected ErrInvalidTableID, got %v", id, err)
		}
		if _, err := s.Set(id, 1, nil); !errors.Is(err, txhash.ErrInvalidTableID) {
			t.Errorf("Set(%d): expected ErrInvalidTableID, got %v", id, err)
		}
		if _, _, err := s.Get(id, 1); !errors.Is(err, txhash.ErrInvalidTableID) {
			t.Errorf("Get(%d): expected ErrInvalidTableID, got %v", id, err)
		}
	}

	if _, err := s.Table(0, 0); !errors.Is(err, txhash.ErrInvalidBucketCount) {
		t.Errorf("Expected ErrInvalidBucketCount for zero buckets, got %v", err)
	}
	if _, ok := s.Lookup(0); ok {
		t.Error("A rejected request must not create the table")
	}
	if err := s.Expand(1, 8); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable expanding a missing table, got %v", err)
	}
}

func TestDirectoryCapacityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity.pool")

	opts := testOptions()
	opts.DirectoryCapacity = 3
	s := openStore(t, path, opts)
	if s.Capacity() != 3 {
		t.Fatalf("Expected 3 slots, got %d", s.Capacity())
	}
	mustTable(t, s, 2, 4)
	if _, err := s.Table(3, 4); !errors.Is(err, txhash.ErrInvalidTableID) {
		t.Errorf("Expected slot 3 to be out of range, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	s = openStore(t, path, testOptions())
	defer s.Close()
	if s.Capacity() != 3 {
		t.Errorf("Expected the pool to keep 3 slots, got %d", s.Capacity())
	}
	if _, ok := s.Lookup(2); !ok {
		t.Error("Table 2 lost across reopen")
	}
}

func TestOpenRejectsBadOptions(t *testing.T) {
	dir := t.TempDir()

	opts := testOptions()
	opts.DirectoryCapacity = -1
	if _, err := txhash.Open(filepath.Join(dir, "a.pool"), opts); err == nil {
		t.Error("Expected an error for a negative directory capacity")
	}

	opts = testOptions()
	opts.MaxLoadFactor = -0.5
	if _, err := txhash.Open(filepath.Join(dir, "b.pool"), opts); err == nil {
		t.Error("Expected an error for a negative load factor")
	}
}
