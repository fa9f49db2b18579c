package txhash

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func bigSum(h hashParams, key uint64) uint64 {
	v := new(big.Int).SetUint64(uint64(h.a))
	v.Mul(v, new(big.Int).SetUint64(key))
	v.Add(v, new(big.Int).SetUint64(uint64(h.b)))
	v.Mod(v, new(big.Int).SetUint64(h.p))
	return v.Uint64()
}

func TestHashSumIsExact(t *testing.T) {
	params := []hashParams{
		{a: 1, b: 0, p: Prime},
		{a: 3, b: 7, p: Prime},
		{a: ^uint32(0), b: ^uint32(0), p: Prime},
		newHashParams(1, 0),
		newHashParams(99, 5),
	}
	keys := []uint64{0, 1, 2, Prime - 1, Prime, Prime + 1, 1 << 40, 1<<63 + 12345, ^uint64(0)}

	for _, h := range params {
		for _, key := range keys {
			require.Equal(t, bigSum(h, key), h.sum(key), "a=%d b=%d key=%d", h.a, h.b, key)
		}
	}

	identity := hashParams{a: 1, b: 0, p: Prime}
	require.Equal(t, uint64(0), identity.sum(Prime))
	require.Equal(t, uint64(5), identity.sum(Prime+5))
}

func TestHashBucketInRange(t *testing.T) {
	h := newHashParams(0, 0)
	for _, n := range []uint64{1, 2, 3, 16, 1000, 1 << 20} {
		for key := uint64(0); key < 2000; key++ {
			b := h.bucket(key*2654435761, n)
			require.Less(t, b, n)
		}
	}
}

func TestHashParams(t *testing.T) {
	// seeded parameters are reproducible per table and differ between tables
	seen := make(map[hashParams]int)
	for id := 0; id < DefaultDirectoryCapacity; id++ {
		h := newHashParams(42, id)
		require.Equal(t, h, newHashParams(42, id))
		require.NotZero(t, h.a)
		require.Equal(t, Prime, h.p)
		if prev, dup := seen[h]; dup {
			t.Fatalf("tables %d and %d share hash parameters", prev, id)
		}
		seen[h] = id
	}
	require.NotEqual(t, newHashParams(42, 0), newHashParams(43, 0))

	for i := 0; i < 100; i++ {
		require.NotZero(t, newHashParams(0, 0).a)
	}
}
