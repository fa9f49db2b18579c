package pool

import (
	"errors"
	"fmt"
)

// FaultPoint names a place where a FaultInjector is consulted.
type FaultPoint int

const (
	// FaultAlloc fires at the start of every Tx.Alloc.
	FaultAlloc FaultPoint = iota
	// FaultLogRange fires at the start of every Tx.LogRange.
	FaultLogRange
	// FaultCommitWrite fires between the writes of dirty ranges to the pool
	// file during Commit. An error here is treated as a crash.
	FaultCommitWrite
)

func (fp FaultPoint) String() string {
	switch fp {
	case FaultAlloc:
		return "alloc"
	case FaultLogRange:
		return "log-range"
	case FaultCommitWrite:
		return "commit-write"
	}
	return fmt.Sprintf("FaultPoint(%d)", int(fp))
}

// ErrInjected is returned by injectors built with FailAt.
var ErrInjected = errors.New("pool: injected fault")

// A FaultInjector returns a non-nil error to make the operation at point fail.
type FaultInjector func(point FaultPoint) error

// FailAt returns an injector that fails the nth (1-based) hit of point and
// every hit after it.
func FailAt(point FaultPoint, nth int) FaultInjector {
	hits := 0
	return func(fp FaultPoint) error {
		if fp != point {
			return nil
		}
		hits++
		if hits >= nth {
			return fmt.Errorf("%w at %s #%d", ErrInjected, fp, hits)
		}
		return nil
	}
}

// SetFaultInjector replaces the pool's fault injector. Pass nil to disable.
func (p *Pool) SetFaultInjector(fi FaultInjector) {
	p.opts.FaultInjector = fi
}
