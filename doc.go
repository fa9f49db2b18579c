/*
Package txhash provides crash-consistent hash tables stored in a single pool file.

A Store is a pool file holding a small directory of tables addressed by integer
id. Every mutation runs as one pool transaction: either all of it reaches the
file or, after an abort or a crash, none of it does.

Basic usage:

	import "github.com/theflywheel/txhash"

	// Open or create a store
	s, err := txhash.Open("data.pool", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	// Table 0 with 4 buckets
	t, err := s.Table(0, 4)
	if err != nil {
		log.Fatal(err)
	}

	if _, err := t.Set(1, []byte("Alpha")); err != nil {
		log.Fatal(err)
	}
	if v, ok := t.Get(1); ok {
		fmt.Println(string(v))
	}

	// Grow to 8 buckets, then move everything into table 1
	err = t.Expand(8)
	dst, err := s.Table(1, 8)
	err = s.MigrateTables(t, dst)

Features:

  - 64-bit keys, variable-length byte values
  - Separate chaining with head insertion
  - Universal hashing: h(k) = ((a*k + b) mod p) mod buckets, with a and b
    fixed per table at creation
  - Expand and Migrate relink entries instead of copying them
  - Undo-logged transactions; an interrupted transaction is rolled back the
    next time the store is opened

Implementation Details:

The pool file is mapped privately, so changes made by a transaction stay in
process memory until Commit. Before any range is modified its previous
contents are appended to an undo log next to the pool file. Commit syncs the
undo log, writes the modified ranges to the pool file, syncs it and truncates
the undo log. Opening a pool with a non-empty undo log writes the logged
before-images back.

Get walks a chain without a transaction and never blocks. Tables do no
locking: Gets may run alongside each other, but every writer must be
serialised by the caller and must not overlap any other operation, Get
included, on the tables it touches.

Deletion is not supported. Entries carry a flag word with a reserved tombstone
bit (TombstoneMask) for it.
*/
package txhash
