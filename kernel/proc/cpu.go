// Package proc implements the process table, the per-hart scheduler and the
// sleep/wakeup monitor the rest of the kernel blocks on.
package proc

import (
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
)

var (
	cpus [NCPU]Cpu

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errPopOffInterruptible = &kernel.Error{Module: "proc", Message: "pop_off: interruptible"}
	errPopOffUnbalanced    = &kernel.Error{Module: "proc", Message: "pop_off: not pushed"}
	errTooManyHarts        = &kernel.Error{Module: "proc", Message: "more harts than NCPU"}
)

// Cpu is the kernel's view of a single hart.
type Cpu struct {
	id   int
	hart *cpu.Hart

	// proc is the process running on this hart or nil.
	proc *Proc

	// context is used to switch back into Scheduler.
	context Context

	// noff is the depth of PushOff nesting and intena the interrupt
	// enable state before the outermost PushOff.
	noff   int
	intena bool

	// next is the table slot the scheduler scans from.
	next int
}

// InitCpus binds a Cpu descriptor to every hart. It runs once on the boot
// hart before any other hart is released.
func InitCpus(harts []*cpu.Hart) {
	if len(harts) > NCPU {
		panicFn(errTooManyHarts)
		return
	}

	for i, h := range harts {
		cpus[i] = Cpu{id: h.ID(), hart: h}
		cpus[i].context.init()
	}
}

// CpuOf returns the descriptor of hart h. The caller must be the stream
// currently executing on h.
func CpuOf(h *cpu.Hart) *Cpu {
	return &cpus[h.ID()]
}

// ID returns the hart id.
func (c *Cpu) ID() int { return c.id }

// Hart returns the hart backing c.
func (c *Cpu) Hart() *cpu.Hart { return c.hart }

// Proc returns the process currently running on c or nil.
func (c *Cpu) Proc() *Proc { return c.proc }

// PushOff disables interrupts, remembering whether they were enabled if this
// is the outermost call. PushOff/PopOff pairs nest.
func (c *Cpu) PushOff() {
	old := c.hart.IntrGet()
	c.hart.IntrOff()
	if c.noff == 0 {
		c.intena = old
	}
	c.noff++
}

// PopOff undoes one PushOff and re-enables interrupts once the outermost
// PushOff is undone, if they were enabled before it.
func (c *Cpu) PopOff() {
	if c.hart.IntrGet() {
		panicFn(errPopOffInterruptible)
		return
	}
	if c.noff < 1 {
		panicFn(errPopOffUnbalanced)
		return
	}

	c.noff--
	if c.noff == 0 && c.intena {
		c.hart.IntrOn()
	}
}
