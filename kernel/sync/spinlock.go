// Package sync provides the busy-waiting lock used by the kernel and its
// device models. Interrupt masking on top of it lives in package proc.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinAttempts is the number of failed acquisition attempts before the
// spinning hart yields the host thread.
const spinAttempts = 64

var (
	// yieldFn is invoked after spinAttempts failed acquisitions. Tests
	// replace it to count contention.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, spinAttempts)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// AcquireUnless behaves like Acquire but gives up and returns false once
// done is closed.
func (l *Spinlock) AcquireUnless(done <-chan struct{}) bool {
	for {
		for i := uint32(0); i < spinAttempts; i++ {
			if atomic.SwapUint32(&l.state, 1) == 0 {
				return true
			}
		}
		select {
		case <-done:
			return false
		default:
		}
		yieldFn()
	}
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Locked reports whether some task currently holds the lock.
func (l *Spinlock) Locked() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// archAcquireSpinlock spins on an atomic swap, the same amoswap.w.aq loop the
// riscv64 port compiles to, yielding every attemptsBeforeYielding failures.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for i := uint32(0); i < attemptsBeforeYielding; i++ {
			if atomic.SwapUint32(state, 1) == 0 {
				return
			}
		}
		yieldFn()
	}
}
