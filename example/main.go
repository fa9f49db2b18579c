package main

import (
	"fmt"
	"log"
	"os"

	"github.com/theflywheel/txhash"
)

func main() {
	// Clean up previous example
	os.Remove("example.pool")
	os.Remove("example.pool.undo")

	// Open or create a store
	s, err := txhash.Open("example.pool", nil)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	fmt.Println("Store opened successfully")

	t, err := s.Table(0, 4)
	if err != nil {
		log.Fatalf("Failed to create table: %v", err)
	}

	// Insert some data, then overwrite key 1
	pairs := []struct {
		key   uint64
		value string
	}{{1, "Alpha"}, {2, "Beta"}, {3, "Omega"}, {4, "Epsilon"}, {1, "kapa"}}
	for _, kv := range pairs {
		res, err := t.Set(kv.key, []byte(kv.value))
		if err != nil {
			log.Fatalf("Failed to set key %d: %v", kv.key, err)
		}
		fmt.Printf("Set %d => %s (%s)\n", kv.key, kv.value, res)
	}

	show := func(t *txhash.Table) {
		for key := uint64(1); key <= 5; key++ {
			if v, ok := t.Get(key); ok {
				fmt.Printf("  table %d: key %d => %s\n", t.ID(), key, v)
			} else {
				fmt.Printf("  table %d: key %d not found\n", t.ID(), key)
			}
		}
	}
	show(t)

	// Grow the bucket array
	if err := t.Expand(8); err != nil {
		log.Fatalf("Failed to expand: %v", err)
	}
	fmt.Printf("Expanded table %d to %d buckets\n", t.ID(), t.BucketCount())
	show(t)

	// Move everything into a fresh table
	dst, err := s.Table(1, 8)
	if err != nil {
		log.Fatalf("Failed to create table: %v", err)
	}
	if err := s.MigrateTables(t, dst); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	fmt.Printf("Migrated table %d into table %d; table %d now holds %d entries\n",
		t.ID(), dst.ID(), t.ID(), t.Len())
	show(dst)

	fmt.Println("Example completed successfully")
}
