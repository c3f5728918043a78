package proc

import "octox/kernel"

var errNilChannel = &kernel.Error{Module: "proc", Message: "sleep on nil channel"}

// Sleep atomically releases lk and puts p to sleep on ch. lk is held again
// when Sleep returns. Wakeups are broadcasts, so callers re-check their
// condition in a loop.
func Sleep(p *Proc, ch interface{}, lk *Spinlock) {
	if ch == nil {
		panicFn(errNilChannel)
		return
	}

	// Once p.lock is held no Wakeup can slip in between releasing lk and
	// changing state, since Wakeup locks every process it inspects.
	c := p.cpu
	p.lock.Acquire(c)
	lk.Release(c)

	p.waitChan = ch
	p.setState(Sleeping)

	p.sched()

	p.waitChan = nil

	c = p.cpu
	p.lock.Release(c)
	lk.Acquire(c)
}

// Wakeup makes every process sleeping on ch Runnable. c is the hart of the
// caller; the process running on it, if any, is skipped.
func Wakeup(c *Cpu, ch interface{}) {
	for i := range procs {
		p := &procs[i]
		if p == c.proc {
			continue
		}

		p.lock.Acquire(c)
		if p.state == Sleeping && p.waitChan == ch {
			p.setState(Runnable)
		}
		p.lock.Release(c)
	}
}

// Sleeplock is a long-term lock. Waiters sleep instead of spinning, so it
// can be held across disk I/O.
type Sleeplock struct {
	lk     Spinlock
	locked bool
	pid    int
	name   string
}

// NewSleeplock returns an unlocked sleep lock.
func NewSleeplock(name string) *Sleeplock {
	return &Sleeplock{lk: Spinlock{name: "sleep lock"}, name: name}
}

// Acquire blocks until p owns the lock.
func (l *Sleeplock) Acquire(p *Proc) {
	l.lk.Acquire(p.cpu)
	for l.locked {
		Sleep(p, l, &l.lk)
	}
	l.locked = true
	l.pid = p.pid
	l.lk.Release(p.cpu)
}

// Release releases the lock and wakes its waiters.
func (l *Sleeplock) Release(p *Proc) {
	c := p.cpu
	l.lk.Acquire(c)
	l.locked = false
	l.pid = 0
	Wakeup(c, l)
	l.lk.Release(c)
}

// Holding reports whether p owns the lock.
func (l *Sleeplock) Holding(p *Proc) bool {
	l.lk.Acquire(p.cpu)
	held := l.locked && l.pid == p.pid
	l.lk.Release(p.cpu)
	return held
}
