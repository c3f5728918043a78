package proc

import "octox/kernel"

var (
	errSchedLock    = &kernel.Error{Module: "proc", Message: "sched: p.lock not held"}
	errSchedLocks   = &kernel.Error{Module: "proc", Message: "sched: holding locks"}
	errSchedRunning = &kernel.Error{Module: "proc", Message: "sched: process running"}
	errSchedIntr    = &kernel.Error{Module: "proc", Message: "sched: interruptible"}
)

// Scheduler is the per-hart loop. It never returns: it repeatedly picks a
// Runnable process, switches to it and waits for it to switch back. When
// nothing is Runnable the hart idles until the next interrupt.
func Scheduler(c *Cpu) {
	c.proc = nil
	for {
		// let devices interrupt an otherwise idle hart, then keep
		// interrupts off while the table is scanned.
		c.hart.IntrOn()
		c.hart.IntrOff()

		if !c.runNext() {
			c.hart.IntrOn()
			c.hart.WaitForInterrupt()
		}
	}
}

// runNext runs the first Runnable process at or after the cursor. It
// reports whether a process ran.
func (c *Cpu) runNext() bool {
	for i := 0; i < NProc; i++ {
		slot := (c.next + i) % NProc
		p := &procs[slot]

		p.lock.Acquire(c)
		if p.state != Runnable {
			p.lock.Release(c)
			continue
		}

		// the process releases p.lock and acquires it again before
		// switching back.
		p.setState(Running)
		p.cpu = c
		c.proc = p
		swtch(&c.context, &p.context)

		c.proc = nil
		c.next = slot + 1
		p.lock.Release(c)
		return true
	}

	return false
}

// sched switches from p back to the scheduler of its hart. p.lock must be
// the only lock held and p.state must already be changed. A Zombie never
// comes back.
func (p *Proc) sched() {
	c := p.cpu
	switch {
	case !p.lock.Holding(c):
		panicFn(errSchedLock)
		return
	case c.noff != 1:
		panicFn(errSchedLocks)
		return
	case p.state == Running:
		panicFn(errSchedRunning)
		return
	case c.hart.IntrGet():
		panicFn(errSchedIntr)
		return
	}

	// intena belongs to this kernel thread, not to the hart.
	intena := c.intena
	if p.state == Zombie {
		swtchFinal(&c.context)
		return
	}
	swtch(&p.context, &c.context)
	p.cpu.intena = intena
}

// Yield gives up the hart for one scheduling round.
func Yield(p *Proc) {
	c := p.cpu
	p.lock.Acquire(c)
	p.setState(Runnable)
	p.sched()
	p.lock.Release(p.cpu)
}
