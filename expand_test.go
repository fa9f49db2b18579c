package txhash_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/theflywheel/txhash"
)

func TestExpandKeepsEntries(t *testing.T) {
	testCases := []struct {
		from, to uint64
		entries  int
	}{
		{1, 2, 10},
		{4, 8, 100},
		{3, 1000, 250},
		{16, 17, 500},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d_to_%d", tc.from, tc.to), func(t *testing.T) {
			s, _ := newStore(t, nil)
			tbl := mustTable(t, s, 0, tc.from)
			for i := 0; i < tc.entries; i++ {
				mustSet(t, tbl, uint64(i)*7919, fmt.Sprintf("value-%d", i))
			}
			before := snapshot(t, tbl)

			if err := tbl.Expand(tc.to); err != nil {
				t.Fatalf("Failed to expand: %v", err)
			}

			before.buckets = tc.to
			expectState(t, tbl, before)
			for i := 0; i < tc.entries; i++ {
				expectValue(t, tbl, uint64(i)*7919, fmt.Sprintf("value-%d", i))
			}
			if st := tbl.Stats(); st.Buckets != tc.to || st.Entries != uint64(tc.entries) {
				t.Errorf("Unexpected stats after expand: %+v", st)
			}
		})
	}
}

func TestExpandRejectsShrink(t *testing.T) {
	s, _ := newStore(t, nil)
	tbl := mustTable(t, s, 0, 8)
	for i := uint64(0); i < 30; i++ {
		mustSet(t, tbl, i, fmt.Sprint(i))
	}
	image := s.Pool().Image()

	for _, n := range []uint64{8, 7, 1} {
		if err := tbl.Expand(n); !errors.Is(err, txhash.ErrShrink) {
			t.Errorf("Expand(%d): expected ErrShrink, got %v", n, err)
		}
	}
	if err := tbl.Expand(0); !errors.Is(err, txhash.ErrInvalidBucketCount) {
		t.Errorf("Expand(0): expected ErrInvalidBucketCount, got %v", err)
	}
	if err := s.Expand(0, 4); !errors.Is(err, txhash.ErrShrink) {
		t.Errorf("Store.Expand: expected ErrShrink, got %v", err)
	}

	if !bytes.Equal(image, s.Pool().Image()) {
		t.Error("Rejected expand modified the pool")
	}
}

func TestExpandRepeatedly(t *testing.T) {
	s, path := newStore(t, nil)
	tbl := mustTable(t, s, 1, 1)
	for i := uint64(0); i < 64; i++ {
		mustSet(t, tbl, i, fmt.Sprint(i))
	}
	for n := uint64(2); n <= 64; n *= 2 {
		if err := s.Expand(1, n); err != nil {
			t.Fatalf("Failed to expand to %d: %v", n, err)
		}
	}
	st := tbl.Stats()
	if st.Buckets != 64 || st.Entries != 64 {
		t.Fatalf("Unexpected stats %+v", st)
	}
	if st.LongestChain >= 64 {
		t.Errorf("Entries did not spread over the new buckets: %+v", st)
	}

	s.Close()
	s = openStore(t, path, nil)
	defer s.Close()
	tbl, _ = s.Lookup(1)
	for i := uint64(0); i < 64; i++ {
		expectValue(t, tbl, i, fmt.Sprint(i))
	}
}
