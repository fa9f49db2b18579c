package pool

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/theflywheel/txhash/internal/metrics"
)

// Blocks are power-of-two sized and start with an 8-byte header:
//
//	bits 63..48  blockMagic
//	bits 15..8   state (allocated / free)
//	bits  7..0   size class
//
// A free block keeps the Ref of the next free block of its class in its first
// payload word. Free list heads live in the pool header.
const (
	blockHeaderSize = 8
	blockMagic      = 0xB10C
	minClass        = 5 // 32-byte blocks

	stateAllocated = 1
	stateFree      = 2
)

func encodeBlockHeader(class, state int) uint64 {
	return uint64(blockMagic)<<48 | uint64(state)<<8 | uint64(class)
}

func decodeBlockHeader(h uint64) (class, state int, ok bool) {
	if h>>48 != blockMagic {
		return 0, 0, false
	}
	return int(h & 0xff), int(h >> 8 & 0xff), true
}

// classFor returns the size class whose blocks fit n payload bytes.
func classFor(n int) int {
	c := bits.Len64(uint64(n+blockHeaderSize) - 1)
	if c < minClass {
		c = minClass
	}
	return c
}

func freeListOffset(class int) int {
	return offFreeLists + class*8
}

// alloc hands out a zeroed block of at least size payload bytes. Header
// changes are logged; the block itself is recorded as fresh so writes into it
// need no logging.
func (tx *Tx) alloc(size int) (Ref, error) {
	p := tx.p
	class := classFor(size)
	if class >= numClasses {
		return Null, fmt.Errorf("%w: allocation of %d bytes", ErrOutOfSpace, size)
	}
	blockSize := 1 << class

	var block uint64
	if head := binary.BigEndian.Uint64(p.data[freeListOffset(class):]); head != 0 {
		// pop: the head block's header and next link change
		if err := tx.logRaw(uint64(freeListOffset(class)), 8); err != nil {
			return Null, err
		}
		if err := tx.logRaw(head-blockHeaderSize, 2*8); err != nil {
			return Null, err
		}
		next := binary.BigEndian.Uint64(p.data[head:])
		binary.BigEndian.PutUint64(p.data[freeListOffset(class):], next)
		block = head - blockHeaderSize
	} else {
		top := binary.BigEndian.Uint64(p.data[offHeapTop:])
		if top+uint64(blockSize) > uint64(p.size) {
			return Null, fmt.Errorf("%w: need %d bytes, %d left", ErrOutOfSpace, blockSize, uint64(p.size)-top)
		}
		if err := tx.logRaw(offHeapTop, 8); err != nil {
			return Null, err
		}
		binary.BigEndian.PutUint64(p.data[offHeapTop:], top+uint64(blockSize))
		block = top
	}

	binary.BigEndian.PutUint64(p.data[block:], encodeBlockHeader(class, stateAllocated))
	payload := p.data[block+blockHeaderSize : block+uint64(blockSize)]
	for i := range payload {
		payload[i] = 0
	}

	ref := Ref(block + blockHeaderSize)
	tx.fresh[ref] = blockSize
	metrics.ObserveAlloc(blockSize)
	return ref, nil
}

// blockClass validates ref as the payload of an allocated block.
func (p *Pool) blockClass(ref Ref) (int, error) {
	if !p.inBounds(ref, 0, 0) || uint64(ref) < headerSize+blockHeaderSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRef, ref)
	}
	class, state, ok := decodeBlockHeader(binary.BigEndian.Uint64(p.data[uint64(ref)-blockHeaderSize:]))
	if !ok || class < minClass || class >= numClasses {
		return 0, fmt.Errorf("%w: %d has no block header", ErrInvalidRef, ref)
	}
	if state != stateAllocated {
		return 0, fmt.Errorf("%w: %d", ErrDoubleFree, ref)
	}
	return class, nil
}

// release pushes the block at ref onto its class free list.
func (tx *Tx) release(ref Ref) error {
	p := tx.p
	class, err := p.blockClass(ref)
	if err != nil {
		return err
	}
	if err := tx.logRaw(uint64(freeListOffset(class)), 8); err != nil {
		return err
	}
	if _, ok := tx.fresh[ref]; !ok {
		if err := tx.logRaw(uint64(ref)-blockHeaderSize, 2*8); err != nil {
			return err
		}
	}
	head := binary.BigEndian.Uint64(p.data[freeListOffset(class):])
	binary.BigEndian.PutUint64(p.data[uint64(ref)-blockHeaderSize:], encodeBlockHeader(class, stateFree))
	binary.BigEndian.PutUint64(p.data[ref:], head)
	binary.BigEndian.PutUint64(p.data[freeListOffset(class):], uint64(ref))
	return nil
}

// BlockSize returns the payload capacity of the allocated block at ref.
func (p *Pool) BlockSize(ref Ref) (int, error) {
	class, err := p.blockClass(ref)
	if err != nil {
		return 0, err
	}
	return 1<<class - blockHeaderSize, nil
}
