// Package pool is a crash-consistent object store backed by a single file.
//
// A pool is a fixed-size file mapped into memory. Objects are allocated from it
// inside transactions and addressed by Ref, a byte offset that is only
// meaningful within the pool that produced it. Every byte range a transaction
// mutates must first be registered with LogRange; the before-image goes to an
// undo log next to the pool file. Abort, or recovery after a crash, copies the
// before-images back, so a transaction is either fully applied or not at all.
//
// The file is mapped privately: uncommitted writes live only in process memory
// and reach the file during Commit, after the undo log has been synced.
package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/op/go-logging"
	"golang.org/x/sys/unix"

	"github.com/theflywheel/txhash/internal/metrics"
)

var log = logging.MustGetLogger("pool")

const (
	magicNumber uint32 = 0x54584850 // "TXHP"
	version     uint32 = 1

	// header field offsets
	offMagic     = 0
	offVersion   = 4
	offSize      = 8
	offHeapTop   = 16
	offRoot      = 24
	offFreeLists = 64

	numClasses = 48
	headerSize = 512 // offFreeLists + numClasses*8, rounded up

	// MinSize is the smallest pool Open will create.
	MinSize = 64 * 1024
	// DefaultSize is used when Options.Size is zero.
	DefaultSize = 64 * 1024 * 1024

	undoSuffix = ".undo"
)

// Errors returned by pool operations. Transaction failures wrap ErrTxAborted
// around the cause.
var (
	ErrOutOfSpace     = errors.New("pool: out of space")
	ErrInvalidPool    = errors.New("pool: invalid pool file")
	ErrTxInProgress   = errors.New("pool: transaction already in progress")
	ErrTxDone         = errors.New("pool: transaction already finished")
	ErrTxAborted      = errors.New("pool: transaction aborted")
	ErrPoolCrashed    = errors.New("pool: pool crashed during commit, reopen to recover")
	ErrClosed         = errors.New("pool: pool is closed")
	ErrInvalidRef     = errors.New("pool: invalid reference")
	ErrDoubleFree     = errors.New("pool: block freed twice")
	ErrRangeOutOfPool = errors.New("pool: range outside pool")
)

// Ref is the offset of an object's payload within the pool. The zero Ref is
// never a valid object.
type Ref uint64

// Null is the nil reference.
const Null Ref = 0

// IsNull reports whether r is the nil reference.
func (r Ref) IsNull() bool { return r == Null }

// Options configures Open.
type Options struct {
	// Size of a newly created pool file in bytes. Ignored when the file exists.
	Size int64
	// NoSync skips fsync calls. Commits are still ordered but not durable
	// against power loss; useful for tests.
	NoSync bool
	// CompressThreshold is the before-image length from which undo records
	// are snappy compressed. Zero uses the default; negative disables it.
	CompressThreshold int
	// FaultInjector, when set, is consulted at the points listed in FaultPoint.
	FaultInjector FaultInjector
}

const defaultCompressThreshold = 256

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Size == 0 {
		out.Size = DefaultSize
	}
	if out.CompressThreshold == 0 {
		out.CompressThreshold = defaultCompressThreshold
	}
	return out
}

// Pool is an open pool file.
type Pool struct {
	file    *os.File
	data    []byte
	path    string
	size    int64
	opts    Options
	undo    *undoLog
	tx      *Tx
	txSeq   uint64
	crashed bool
	closed  bool
}

// Open opens the pool at path, creating and formatting it first if it does not
// exist or is empty. If the undo log next to the pool holds the before-images of an
// interrupted transaction they are written back before the pool is mapped.
func Open(path string, opts *Options) (*Pool, error) {
	o := opts.withDefaults()

	// an empty file is formatted like a missing one
	if fi, err := os.Stat(path); os.IsNotExist(err) || (err == nil && fi.Size() == 0) {
		if err := create(path, o.Size, o.NoSync); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat pool: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat pool: %w", err)
	}
	size := fi.Size()
	if size < MinSize {
		file.Close()
		return nil, fmt.Errorf("%w: file is %d bytes", ErrInvalidPool, size)
	}

	undo, err := openUndoLog(path+undoSuffix, o.NoSync, o.CompressThreshold)
	if err != nil {
		file.Close()
		return nil, err
	}

	n, err := undo.recover(file, size)
	if err != nil {
		return nil, multierror.Append(fmt.Errorf("failed to recover pool: %w", err), undo.close(), file.Close()).ErrorOrNil()
	}
	if n > 0 {
		metrics.IncRecovery()
		log.Infof("recovered %s: rolled back %d undo records", path, n)
	}

	header := make([]byte, headerSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		return nil, multierror.Append(fmt.Errorf("failed to read header: %w", err), undo.close(), file.Close()).ErrorOrNil()
	}
	if binary.BigEndian.Uint32(header[offMagic:]) != magicNumber {
		undo.close()
		file.Close()
		return nil, fmt.Errorf("%w: invalid magic number", ErrInvalidPool)
	}
	if v := binary.BigEndian.Uint32(header[offVersion:]); v != version {
		undo.close()
		file.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPool, v)
	}
	if s := int64(binary.BigEndian.Uint64(header[offSize:])); s != size {
		undo.close()
		file.Close()
		return nil, fmt.Errorf("%w: header size %d does not match file size %d", ErrInvalidPool, s, size)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		undo.close()
		file.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return &Pool{
		file:  file,
		data:  data,
		path:  path,
		size:  size,
		opts:  o,
		undo:  undo,
		txSeq: uint64(time.Now().UnixNano()),
	}, nil
}

// create formats a new pool in a temporary file and renames it into place, so
// a crash never leaves a half-written pool at path.
func create(path string, size int64, noSync bool) error {
	if size < MinSize {
		return fmt.Errorf("%w: size %d below minimum %d", ErrInvalidPool, size, MinSize)
	}
	tmpPath := path + ".tmp"
	os.Remove(tmpPath)

	log.Infof("creating pool %s (%d bytes)", path, size)
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create pool file: %w", err)
	}
	defer tmpFile.Close()

	if err := tmpFile.Truncate(size); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to truncate pool file: %w", err)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[offMagic:], magicNumber)
	binary.BigEndian.PutUint32(header[offVersion:], version)
	binary.BigEndian.PutUint64(header[offSize:], uint64(size))
	binary.BigEndian.PutUint64(header[offHeapTop:], headerSize)
	if _, err := tmpFile.WriteAt(header, 0); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write header: %w", err)
	}

	if !noSync {
		if err := tmpFile.Sync(); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to sync pool file: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename pool file: %w", err)
	}
	if !noSync {
		syncDir(filepath.Dir(path))
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Debugf("sync %s: %v", dir, err)
	}
}

// Close unmaps the pool and closes its files. An open transaction is aborted
// first. After a simulated crash the undo log is left untouched so the next
// Open recovers from it.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	var result *multierror.Error
	if p.tx != nil && !p.crashed {
		if err := p.tx.Abort(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.closed = true
	if err := unix.Munmap(p.data); err != nil {
		result = multierror.Append(result, fmt.Errorf("munmap failed: %w", err))
	}
	p.data = nil
	if err := p.undo.close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Path returns the pool file path.
func (p *Pool) Path() string { return p.path }

// Size returns the pool size in bytes.
func (p *Pool) Size() int64 { return p.size }

// Root returns the root object reference, Null until a transaction sets one.
func (p *Pool) Root() Ref {
	return Ref(binary.BigEndian.Uint64(p.data[offRoot:]))
}

// HeapTop returns the offset of the first never-allocated byte.
func (p *Pool) HeapTop() uint64 {
	return binary.BigEndian.Uint64(p.data[offHeapTop:])
}

func (p *Pool) inBounds(ref Ref, off, n int) bool {
	if off < 0 || n < 0 {
		return false
	}
	start := uint64(ref) + uint64(off)
	return uint64(ref) >= headerSize && start+uint64(n) <= uint64(p.size) && start >= uint64(ref)
}

// Bytes returns n bytes of the object at ref. The slice aliases the mapping:
// outside a transaction treat it as read-only, inside one log it first.
func (p *Pool) Bytes(ref Ref, n int) []byte {
	return p.Slice(ref, 0, n)
}

// Slice returns n bytes starting off bytes into the object at ref.
func (p *Pool) Slice(ref Ref, off, n int) []byte {
	if !p.inBounds(ref, off, n) {
		panic(fmt.Sprintf("pool: range %d+%d/%d outside pool of %d bytes", ref, off, n, p.size))
	}
	start := uint64(ref) + uint64(off)
	return p.data[start : start+uint64(n) : start+uint64(n)]
}

// Uint64 reads the big-endian word off bytes into the object at ref.
func (p *Pool) Uint64(ref Ref, off int) uint64 {
	return binary.BigEndian.Uint64(p.Slice(ref, off, 8))
}

// Uint32 reads the big-endian half-word off bytes into the object at ref.
func (p *Pool) Uint32(ref Ref, off int) uint32 {
	return binary.BigEndian.Uint32(p.Slice(ref, off, 4))
}

// Image returns a copy of the whole mapped pool.
func (p *Pool) Image() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// Update runs fn in a transaction, committing if fn returns nil and aborting
// otherwise. The returned error wraps both ErrTxAborted and fn's error.
func (p *Pool) Update(fn func(tx *Tx) error) error {
	tx, err := p.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if aerr := tx.Abort(); aerr != nil {
			return multierror.Append(fmt.Errorf("%w: %w", ErrTxAborted, err), aerr)
		}
		return fmt.Errorf("%w: %w", ErrTxAborted, err)
	}
	return tx.Commit()
}

func (p *Pool) sync(f *os.File) error {
	if p.opts.NoSync {
		return nil
	}
	return f.Sync()
}

func (p *Pool) fault(point FaultPoint) error {
	if p.opts.FaultInjector == nil {
		return nil
	}
	return p.opts.FaultInjector(point)
}
