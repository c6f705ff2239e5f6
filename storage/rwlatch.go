package storage

import (
	"runtime"
	"sync/atomic"
)

// Layout of the latch word:
//
//	Bits 0-30:  active readers
//	Bit 31:     writer holds or is acquiring the latch
//	Bits 32-63: writers announced (holding or queued)
const (
	readerMask        uint64 = 0x7FFFFFFF
	writerFlag        uint64 = 0x80000000
	writerWaitingMask uint64 = 0xFFFFFFFF00000000
	writerWaitingInc  uint64 = 0x100000000

	maxBackoff = 1024
)

// RWLatch is a spinning reader-writer latch kept in one atomic word.
// A writer is announced as soon as it calls Lock, and announced writers block new readers,
// so a steady stream of readers cannot starve a writer.
// Latches are held for short critical sections on page bytes; waiting goroutines yield
// with exponential backoff rather than parking.
type RWLatch struct {
	state atomic.Uint64
}

// NewRWLatch creates an unlocked latch
func NewRWLatch() *RWLatch {
	return &RWLatch{}
}

// RLock acquires the latch in shared mode
func (rw *RWLatch) RLock() {
	backoff := 1
	for !rw.TryRLock() {
		backoff = yield(backoff)
	}
}

// RUnlock releases a shared hold. Releasing a latch with no readers panics.
func (rw *RWLatch) RUnlock() {
	for {
		state := rw.state.Load()
		if state&readerMask == 0 {
			panic("RWLatch: RUnlock of unlocked latch")
		}
		if rw.state.CompareAndSwap(state, state-1) {
			return
		}
		runtime.Gosched()
	}
}

// Lock acquires the latch in exclusive mode. The writer is announced before it
// competes for the flag, so readers arriving while it queues are held back.
func (rw *RWLatch) Lock() {
	rw.state.Add(writerWaitingInc)

	backoff := 1
	for {
		state := rw.state.Load()
		if state&writerFlag == 0 {
			if rw.state.CompareAndSwap(state, state|writerFlag) {
				break
			}
		}
		backoff = yield(backoff)
	}

	// the flag is ours; wait for readers already inside to leave
	backoff = 1
	for rw.state.Load()&readerMask != 0 {
		backoff = yield(backoff)
	}
}

// Unlock releases an exclusive hold. Releasing a latch no writer holds panics.
func (rw *RWLatch) Unlock() {
	for {
		state := rw.state.Load()
		if state&writerFlag == 0 {
			panic("RWLatch: Unlock of unlocked latch")
		}
		if rw.state.CompareAndSwap(state, (state&^writerFlag)-writerWaitingInc) {
			return
		}
		runtime.Gosched()
	}
}

// TryRLock acquires a shared hold if no writer is active or waiting
func (rw *RWLatch) TryRLock() bool {
	state := rw.state.Load()
	if state&(writerFlag|writerWaitingMask) != 0 {
		return false
	}
	return rw.state.CompareAndSwap(state, state+1)
}

// TryLock acquires an exclusive hold if the latch is completely free.
// It does not jump ahead of queued writers.
func (rw *RWLatch) TryLock() bool {
	state := rw.state.Load()
	if state != 0 {
		return false
	}
	return rw.state.CompareAndSwap(state, state|writerFlag|writerWaitingInc)
}

// RWLatchStats is a point-in-time view of a latch
type RWLatchStats struct {
	ReaderCount        uint32
	WriterActive       bool
	WriterWaitingCount uint32
}

// Stats returns the current holders of the latch
func (rw *RWLatch) Stats() RWLatchStats {
	state := rw.state.Load()
	return RWLatchStats{
		ReaderCount:        uint32(state & readerMask),
		WriterActive:       state&writerFlag != 0,
		WriterWaitingCount: uint32((state & writerWaitingMask) >> 32),
	}
}

// yield gives up the processor backoff times and returns the next, doubled, backoff
func yield(backoff int) int {
	for i := 0; i < backoff; i++ {
		runtime.Gosched()
	}
	if backoff >= maxBackoff {
		return maxBackoff
	}
	return backoff * 2
}
