package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/theflywheel/txhash/internal/metrics"
)

// wideRange is the length from which a logged range is also checked for
// containment of later, smaller ranges.
const wideRange = 64

type span struct {
	off uint64
	n   uint64
}

type undoRecord struct {
	off   uint64
	image []byte
}

// Tx is a pool transaction. A pool runs at most one at a time, and a Tx must
// not be used from more than one goroutine.
type Tx struct {
	p       *Pool
	id      uint64
	records []undoRecord
	logged  map[uint64]uint64
	wide    []span
	fresh   map[Ref]int
	frees   []Ref
	freed   map[Ref]struct{}
	done    bool
}

// Begin starts a transaction.
func (p *Pool) Begin() (*Tx, error) {
	switch {
	case p.closed:
		return nil, ErrClosed
	case p.crashed:
		return nil, ErrPoolCrashed
	case p.tx != nil:
		return nil, ErrTxInProgress
	}
	p.txSeq++
	tx := &Tx{
		p:      p,
		id:     p.txSeq,
		logged: make(map[uint64]uint64),
		fresh:  make(map[Ref]int),
		freed:  make(map[Ref]struct{}),
	}
	if err := p.undo.begin(tx.id); err != nil {
		return nil, fmt.Errorf("failed to start undo log: %w", err)
	}
	p.tx = tx
	log.Debugf("tx %d: begin", tx.id)
	return tx, nil
}

// Pool returns the pool the transaction runs against.
func (tx *Tx) Pool() *Pool { return tx.p }

// Alloc allocates a zeroed object of at least size bytes. The object is
// released again if the transaction aborts.
func (tx *Tx) Alloc(size int) (Ref, error) {
	if tx.done {
		return Null, ErrTxDone
	}
	if size < 0 {
		return Null, fmt.Errorf("%w: negative size %d", ErrInvalidRef, size)
	}
	if err := tx.p.fault(FaultAlloc); err != nil {
		return Null, err
	}
	return tx.alloc(size)
}

// Free releases the object at ref when the transaction commits. Until then
// the object stays readable and its storage is not reused.
func (tx *Tx) Free(ref Ref) error {
	if tx.done {
		return ErrTxDone
	}
	if _, err := tx.p.blockClass(ref); err != nil {
		return err
	}
	if _, ok := tx.freed[ref]; ok {
		return fmt.Errorf("%w: %d", ErrDoubleFree, ref)
	}
	tx.freed[ref] = struct{}{}
	tx.frees = append(tx.frees, ref)
	return nil
}

// LogRange records the current contents of n bytes at off within the object
// at ref so they can be restored if the transaction aborts. It must be called
// before those bytes are modified. Ranges inside objects allocated by this
// transaction need no logging and are skipped.
func (tx *Tx) LogRange(ref Ref, off, n int) error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.p.inBounds(ref, off, n) {
		return fmt.Errorf("%w: %d+%d/%d", ErrRangeOutOfPool, ref, off, n)
	}
	if err := tx.p.fault(FaultLogRange); err != nil {
		return err
	}
	if _, ok := tx.fresh[ref]; ok {
		return nil
	}
	return tx.logRaw(uint64(ref)+uint64(off), uint64(n))
}

func (tx *Tx) covered(off, n uint64) bool {
	if l, ok := tx.logged[off]; ok && l >= n {
		return true
	}
	for _, s := range tx.wide {
		if off >= s.off && off+n <= s.off+s.n {
			return true
		}
	}
	return false
}

func (tx *Tx) logRaw(off, n uint64) error {
	if n == 0 || tx.covered(off, n) {
		return nil
	}
	image := make([]byte, n)
	copy(image, tx.p.data[off:off+n])
	if err := tx.p.undo.append(off, image); err != nil {
		return fmt.Errorf("failed to append undo record: %w", err)
	}
	tx.records = append(tx.records, undoRecord{off: off, image: image})
	if n > tx.logged[off] {
		tx.logged[off] = n
	}
	if n >= wideRange {
		tx.wide = append(tx.wide, span{off: off, n: n})
	}
	metrics.IncUndoRecord()
	return nil
}

// Bytes returns the writable contents of n bytes at ref. Log the range before
// writing unless ref was allocated by this transaction.
func (tx *Tx) Bytes(ref Ref, n int) []byte {
	return tx.p.Slice(ref, 0, n)
}

// PutUint64 logs and overwrites the big-endian word off bytes into ref.
func (tx *Tx) PutUint64(ref Ref, off int, v uint64) error {
	if err := tx.LogRange(ref, off, 8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(tx.p.Slice(ref, off, 8), v)
	return nil
}

// PutUint32 logs and overwrites the big-endian half-word off bytes into ref.
func (tx *Tx) PutUint32(ref Ref, off int, v uint32) error {
	if err := tx.LogRange(ref, off, 4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(tx.p.Slice(ref, off, 4), v)
	return nil
}

// Write logs and overwrites len(b) bytes off bytes into ref.
func (tx *Tx) Write(ref Ref, off int, b []byte) error {
	if err := tx.LogRange(ref, off, len(b)); err != nil {
		return err
	}
	copy(tx.p.Slice(ref, off, len(b)), b)
	return nil
}

// SetRoot points the pool root at ref.
func (tx *Tx) SetRoot(ref Ref) error {
	if tx.done {
		return ErrTxDone
	}
	if err := tx.logRaw(offRoot, 8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(tx.p.data[offRoot:], uint64(ref))
	return nil
}

// Abort restores every logged range and releases the transaction's
// allocations.
func (tx *Tx) Abort() error {
	if tx.done {
		return ErrTxDone
	}
	tx.restore()
	tx.finish()
	metrics.ObserveTx("abort")
	log.Debugf("tx %d: aborted, restored %d ranges", tx.id, len(tx.records))
	if err := tx.p.undo.reset(); err != nil {
		return fmt.Errorf("failed to reset undo log: %w", err)
	}
	return nil
}

func (tx *Tx) restore() {
	for i := len(tx.records) - 1; i >= 0; i-- {
		r := tx.records[i]
		copy(tx.p.data[r.off:], r.image)
	}
}

func (tx *Tx) finish() {
	tx.done = true
	tx.p.tx = nil
}

// Commit applies deferred frees and makes the transaction durable. The undo
// log is synced before any byte reaches the pool file and truncated once the
// file is synced; the truncation is the commit point.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	p := tx.p

	for _, ref := range tx.frees {
		if err := tx.release(ref); err != nil {
			return tx.abortWith(fmt.Errorf("failed to free %d: %w", ref, err))
		}
	}

	if err := p.undo.sync(); err != nil {
		return tx.abortWith(fmt.Errorf("failed to sync undo log: %w", err))
	}

	for i, s := range tx.dirty() {
		if i > 0 {
			if err := p.fault(FaultCommitWrite); err != nil {
				return tx.crash(err)
			}
		}
		if _, err := p.file.WriteAt(p.data[s.off:s.off+s.n], int64(s.off)); err != nil {
			return tx.rollback(fmt.Errorf("failed to write pool: %w", err))
		}
	}
	if err := p.sync(p.file); err != nil {
		return tx.rollback(fmt.Errorf("failed to sync pool: %w", err))
	}
	if err := p.undo.reset(); err != nil {
		return tx.rollback(fmt.Errorf("failed to reset undo log: %w", err))
	}

	tx.finish()
	metrics.ObserveTx("commit")
	log.Debugf("tx %d: committed %d undo records, %d allocations, %d frees",
		tx.id, len(tx.records), len(tx.fresh), len(tx.frees))
	return nil
}

// dirty returns the sorted, merged spans the transaction touched.
func (tx *Tx) dirty() []span {
	spans := make([]span, 0, len(tx.records)+len(tx.fresh))
	for _, r := range tx.records {
		spans = append(spans, span{off: r.off, n: uint64(len(r.image))})
	}
	for ref, size := range tx.fresh {
		spans = append(spans, span{off: uint64(ref) - blockHeaderSize, n: uint64(size)})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].off < spans[j].off })

	merged := spans[:0]
	for _, s := range spans {
		if k := len(merged) - 1; k >= 0 && s.off <= merged[k].off+merged[k].n {
			if end := s.off + s.n; end > merged[k].off+merged[k].n {
				merged[k].n = end - merged[k].off
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// abortWith aborts before anything reached the pool file.
func (tx *Tx) abortWith(cause error) error {
	if err := tx.Abort(); err != nil {
		return multierror.Append(fmt.Errorf("%w: %w", ErrTxAborted, cause), err)
	}
	return fmt.Errorf("%w: %w", ErrTxAborted, cause)
}

// rollback undoes a commit that failed after writing to the pool file.
func (tx *Tx) rollback(cause error) error {
	p := tx.p
	result := multierror.Append(fmt.Errorf("%w: %w", ErrTxAborted, cause))
	tx.restore()
	for _, r := range tx.records {
		if _, err := p.file.WriteAt(r.image, int64(r.off)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := p.sync(p.file); err != nil {
		result = multierror.Append(result, err)
	}
	tx.finish()
	metrics.ObserveTx("abort")
	if len(result.Errors) > 1 {
		// the undo log is still intact; leave it for recovery on reopen
		p.crashed = true
		return result
	}
	if err := p.undo.reset(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// crash stops a commit half way through writing the pool file, as a power
// failure would. The pool refuses further work until it is reopened.
func (tx *Tx) crash(cause error) error {
	tx.finish()
	tx.p.crashed = true
	metrics.ObserveTx("crash")
	log.Warningf("tx %d: crashed during commit: %v", tx.id, cause)
	return fmt.Errorf("%w: %w", ErrPoolCrashed, cause)
}

// Crashed reports whether a commit was interrupted by an injected crash.
func (p *Pool) Crashed() bool { return p.crashed }

// IsOutOfSpace reports whether err was caused by allocator exhaustion.
func IsOutOfSpace(err error) bool { return errors.Is(err, ErrOutOfSpace) }
