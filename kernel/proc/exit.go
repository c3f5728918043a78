package proc

import (
	"encoding/binary"
	"octox/kernel"
)

// Exit terminates p with the given status. p stays a Zombie until its
// parent reaps it with Wait. Exit does not return.
func Exit(p *Proc, status int) {
	if p == initProc {
		panicFn(errInitExiting)
		return
	}

	c := p.cpu
	tableLock.Acquire(c)

	reparent(c, p)

	// the parent might be sleeping in Wait.
	if parent := p.parent.resolve(); parent != nil {
		Wakeup(c, parent)
	}

	p.lock.Acquire(c)
	p.xstate = status
	p.setState(Zombie)
	tableLock.Release(c)

	p.sched()
}

// reparent hands the children of p to init. tableLock must be held.
func reparent(c *Cpu, p *Proc) {
	self := p.ref()
	orphanedZombie := false

	var initRef procRef
	if initProc != nil {
		initRef = initProc.ref()
	}

	for i := range procs {
		pp := &procs[i]
		if pp.parent != self {
			continue
		}

		pp.parent = initRef
		pp.lock.Acquire(c)
		if pp.state == Zombie {
			orphanedZombie = true
		}
		pp.lock.Release(c)
	}

	if orphanedZombie && initProc != nil {
		Wakeup(c, initProc)
	}
}

// Wait blocks until a child of p exits, reaps it and returns its pid and
// exit status. If addr is not zero the status is also copied to that user
// address as a 32-bit integer.
func Wait(p *Proc, addr uint64) (int, int, *kernel.Error) {
	c := p.cpu
	tableLock.Acquire(c)

	for {
		self := p.ref()
		haveKids := false

		for i := range procs {
			pp := &procs[i]
			if pp.parent != self {
				continue
			}

			pp.lock.Acquire(c)
			haveKids = true
			if pp.state != Zombie {
				pp.lock.Release(c)
				continue
			}

			pid, status := pp.pid, pp.xstate
			if addr != 0 {
				var buf [4]byte
				binary.LittleEndian.PutUint32(buf[:], uint32(int32(status)))
				if err := p.pagetable.CopyOut(addr, buf[:]); err != nil {
					pp.lock.Release(c)
					tableLock.Release(c)
					return -1, 0, err
				}
			}

			freeProc(pp)
			pp.parent = procRef{}
			pp.lock.Release(c)
			tableLock.Release(c)
			return pid, status, nil
		}

		if !haveKids {
			tableLock.Release(c)
			return -1, 0, ErrNoChildren
		}

		if p.Killed() {
			tableLock.Release(c)
			return -1, 0, ErrKilled
		}

		// wait for a child to exit; see the Wakeup call in Exit.
		Sleep(p, p, &tableLock)
		c = p.cpu
	}
}
