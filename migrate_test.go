package txhash_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/theflywheel/txhash"
)

func TestMigrateDisjoint(t *testing.T) {
	s, _ := newStore(t, nil)
	src := mustTable(t, s, 0, 4)
	dst := mustTable(t, s, 1, 4)
	for i := uint64(0); i < 30; i++ {
		mustSet(t, src, i, fmt.Sprintf("src-%d", i))
	}
	for i := uint64(100); i < 120; i++ {
		mustSet(t, dst, i, fmt.Sprintf("dst-%d", i))
	}

	if err := s.Migrate(0, 1); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	if dst.Len() != 50 {
		t.Fatalf("Expected 50 entries after migrate, got %d", dst.Len())
	}
	for i := uint64(0); i < 30; i++ {
		expectValue(t, dst, i, fmt.Sprintf("src-%d", i))
	}
	for i := uint64(100); i < 120; i++ {
		expectValue(t, dst, i, fmt.Sprintf("dst-%d", i))
	}
	snapshot(t, dst)

	if _, ok := s.Lookup(0); ok {
		t.Error("Source table still in the directory")
	}
	if ids := s.Tables(); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("Expected tables [1], got %v", ids)
	}
	if src.Len() != 0 || src.BucketCount() != 0 {
		t.Errorf("Stale source handle reports %d entries in %d buckets", src.Len(), src.BucketCount())
	}
	if _, err := src.Set(1, []byte("x")); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable writing through a stale handle, got %v", err)
	}
	if err := src.Expand(8); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable expanding through a stale handle, got %v", err)
	}

	// the freed slot can be reused
	fresh := mustTable(t, s, 0, 2)
	if fresh.Len() != 0 || fresh.BucketCount() != 2 {
		t.Errorf("Expected a fresh empty table in slot 0, got %d entries in %d buckets", fresh.Len(), fresh.BucketCount())
	}
	expectMissing(t, fresh, 1)
}

func TestMigrateCollisionsSourceWins(t *testing.T) {
	s, _ := newStore(t, nil)
	src := mustTable(t, s, 4, 3)
	dst := mustTable(t, s, 5, 3)

	mustSet(t, src, 1, "src-one")
	mustSet(t, src, 2, "src-two")
	mustSet(t, dst, 1, "dst-one")
	mustSet(t, dst, 3, "dst-three")

	if err := s.MigrateTables(src, dst); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	expectState(t, dst, tableState{
		entries: map[uint64]string{1: "src-one", 2: "src-two", 3: "dst-three"},
		size:    3,
		buckets: 3,
	})
}

func TestMigrateEmptySource(t *testing.T) {
	s, _ := newStore(t, nil)
	src := mustTable(t, s, 0, 4)
	dst := mustTable(t, s, 1, 4)
	mustSet(t, dst, 9, "nine")

	if err := s.MigrateTables(src, dst); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	expectState(t, dst, tableState{entries: map[uint64]string{9: "nine"}, size: 1, buckets: 4})
	if _, ok := s.Lookup(0); ok {
		t.Error("Empty source table still in the directory")
	}
}

func TestMigrateRejected(t *testing.T) {
	s, _ := newStore(t, nil)
	src := mustTable(t, s, 0, 4)
	dst := mustTable(t, s, 1, 8)
	for i := uint64(0); i < 10; i++ {
		mustSet(t, src, i, "s")
		mustSet(t, dst, i+5, "d")
	}
	image := s.Pool().Image()

	if err := s.MigrateTables(src, dst); !errors.Is(err, txhash.ErrBucketMismatch) {
		t.Errorf("Expected ErrBucketMismatch, got %v", err)
	}
	if err := s.MigrateTables(src, src); !errors.Is(err, txhash.ErrSameTable) {
		t.Errorf("Expected ErrSameTable, got %v", err)
	}
	if err := s.Migrate(1, 1); !errors.Is(err, txhash.ErrSameTable) {
		t.Errorf("Expected ErrSameTable by id, got %v", err)
	}
	if err := s.Migrate(0, 2); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable for a missing destination, got %v", err)
	}
	if err := s.Migrate(3, 0); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable for a missing source, got %v", err)
	}
	if err := s.Migrate(0, 9); !errors.Is(err, txhash.ErrInvalidTableID) {
		t.Errorf("Expected ErrInvalidTableID, got %v", err)
	}

	if !bytes.Equal(image, s.Pool().Image()) {
		t.Error("Rejected migrate modified the pool")
	}
}

func TestMigrateAcrossStores(t *testing.T) {
	a, _ := newStore(t, nil)
	b, _ := newStore(t, nil)
	src := mustTable(t, a, 0, 4)
	dst := mustTable(t, b, 0, 4)

	if err := a.MigrateTables(src, dst); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable migrating between stores, got %v", err)
	}
}

func TestMigrateRehash(t *testing.T) {
	opts := testOptions()
	opts.RehashMigrate = true
	s, _ := newStore(t, opts)
	src := mustTable(t, s, 0, 3)
	dst := mustTable(t, s, 1, 13)
	for i := uint64(0); i < 40; i++ {
		mustSet(t, src, i, fmt.Sprintf("s%d", i))
	}
	for i := uint64(30); i < 60; i++ {
		mustSet(t, dst, i, fmt.Sprintf("d%d", i))
	}

	if err := s.MigrateTables(src, dst); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	want := tableState{entries: make(map[uint64]string), size: 60, buckets: 13}
	for i := uint64(0); i < 60; i++ {
		if i < 40 {
			want.entries[i] = fmt.Sprintf("s%d", i)
		} else {
			want.entries[i] = fmt.Sprintf("d%d", i)
		}
	}
	expectState(t, dst, want)
	for i := uint64(0); i < 60; i++ {
		expectValue(t, dst, i, want.entries[i])
	}
}

func TestMigratedHandleStaysDead(t *testing.T) {
	s, _ := newStore(t, nil)
	src := mustTable(t, s, 0, 4)
	dst := mustTable(t, s, 1, 4)
	mustSet(t, src, 7, "old-table")
	mustSet(t, dst, 8, "dst")

	if err := s.MigrateTables(src, dst); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	// the new table takes the same slot and the freed table record
	fresh := mustTable(t, s, 0, 16)
	mustSet(t, fresh, 7, "new-table")

	if _, err := src.Set(7, []byte("stale")); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable writing through the migrated handle, got %v", err)
	}
	if err := src.Expand(32); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable expanding through the migrated handle, got %v", err)
	}
	if v, found := src.Get(7); found {
		t.Errorf("Migrated handle reads the new table: %q", v)
	}
	if src.Len() != 0 || src.BucketCount() != 0 {
		t.Errorf("Migrated handle reports %d entries in %d buckets", src.Len(), src.BucketCount())
	}
	if err := s.MigrateTables(src, dst); !errors.Is(err, txhash.ErrNoTable) {
		t.Errorf("Expected ErrNoTable migrating the dead handle again, got %v", err)
	}

	expectState(t, fresh, tableState{entries: map[uint64]string{7: "new-table"}, size: 1, buckets: 16})
	if fresh.UUID() == src.UUID() {
		t.Error("Recreated table shares the migrated table's uuid")
	}
	if again, ok := s.Lookup(0); !ok || again.UUID() != fresh.UUID() {
		t.Error("Lookup does not return the recreated table")
	}
}
