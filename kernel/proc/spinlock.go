package proc

import (
	"octox/kernel"
	"octox/kernel/sync"
	"sync/atomic"
)

var (
	errRelock        = &kernel.Error{Module: "proc", Message: "acquire: lock already held by this hart"}
	errReleaseUnheld = &kernel.Error{Module: "proc", Message: "release: lock not held by this hart"}
)

// Spinlock is a sync.Spinlock that keeps interrupts disabled on the owning
// hart while it is held, so an interrupt handler can never spin on a lock
// its own hart holds.
type Spinlock struct {
	name  string
	lock  sync.Spinlock
	owner atomic.Pointer[Cpu]
}

// NewSpinlock returns an unlocked spinlock. name is used for diagnostics.
func NewSpinlock(name string) *Spinlock {
	return &Spinlock{name: name}
}

// Name returns the lock name.
func (l *Spinlock) Name() string { return l.name }

// Acquire disables interrupts on c and spins until the lock is free. Once
// the power is cut a spinning stream unwinds instead.
func (l *Spinlock) Acquire(c *Cpu) {
	c.PushOff()
	if l.Holding(c) {
		panicFn(errRelock)
		return
	}

	if !l.lock.AcquireUnless(powerDone()) {
		goexitFn()
	}
	l.owner.Store(c)
}

// Release releases the lock and undoes the PushOff of the matching Acquire.
func (l *Spinlock) Release(c *Cpu) {
	if !l.Holding(c) {
		panicFn(errReleaseUnheld)
		return
	}

	l.owner.Store(nil)
	l.lock.Release()
	c.PopOff()
}

// Holding reports whether c holds the lock. Interrupts must be off.
func (l *Spinlock) Holding(c *Cpu) bool {
	return l.lock.Locked() && l.owner.Load() == c
}
