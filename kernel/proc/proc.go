package proc

import (
	"io"
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"octox/kernel/mm/vmm"
	"sync/atomic"
)

var (
	procs [NProc]Proc

	// tableLock serializes slot allocation, pid assignment and every
	// access to Proc.parent. It is always acquired before any p.lock.
	tableLock Spinlock

	nextPID  int
	initProc *Proc

	// userLoop runs a process in user mode until it exits. It is set by
	// package trap.
	userLoop func(p *Proc)

	// firstRunHook runs once, in process context, the first time any
	// process is scheduled.
	firstRunHook func(p *Proc)
	firstRunDone atomic.Bool

	ErrTableFull   = &kernel.Error{Module: "proc", Message: "process table full"}
	ErrNoChildren  = &kernel.Error{Module: "proc", Message: "no children"}
	ErrNoProcess   = &kernel.Error{Module: "proc", Message: "no such process"}
	ErrKilled      = &kernel.Error{Module: "proc", Message: "process killed"}
	ErrBadSize     = &kernel.Error{Module: "proc", Message: "invalid memory size"}
	errInitExiting = &kernel.Error{Module: "proc", Message: "init exiting"}
	errNoUserLoop  = &kernel.Error{Module: "proc", Message: "no user loop registered"}
	errUserLoopRet = &kernel.Error{Module: "proc", Message: "user loop returned"}
)

// procRef is a weak reference to a process: it resolves only while the
// slot still holds the same incarnation.
type procRef struct {
	slot int
	gen  uint64
}

// Proc is a process descriptor.
type Proc struct {
	lock Spinlock

	// p.lock must be held when using these.
	state    State
	waitChan interface{}
	killed   bool
	xstate   int
	pid      int

	// tableLock must be held when using this.
	parent procRef

	// private to the process, or to whoever holds it in Used.
	slot      int
	gen       uint64
	kstack    mm.Frame
	sz        uint64
	minsz     uint64
	pagetable vmm.PageTable
	trapframe *cpu.Trapframe
	context   Context
	cpu       *Cpu
	name      string
}

// Init resets the process table and maps a kernel stack for every slot.
// Kernel streams unwind once pw is switched off.
func Init(pw *cpu.Power) *kernel.Error {
	power = pw
	tableLock = Spinlock{name: "wait_lock"}
	nextPID = 1
	initProc = nil
	firstRunDone.Store(false)

	for i := range procs {
		p := &procs[i]
		p.lock = Spinlock{name: "proc"}
		p.state = Unused
		p.slot = i
		p.gen = 0
		p.parent = procRef{}

		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		if err = vmm.MapKernelStack(i, frame); err != nil {
			return err
		}
		p.kstack = frame
	}

	return nil
}

// SetUserLoop registers the function every process kernel thread runs after
// its first switch in.
func SetUserLoop(fn func(p *Proc)) { userLoop = fn }

// SetFirstRunHook registers fn to run in the context of the first process
// that gets scheduled. It may sleep.
func SetFirstRunHook(fn func(p *Proc)) { firstRunHook = fn }

// Pid returns the process id.
func (p *Proc) Pid() int { return p.pid }

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// Cpu returns the hart the process runs on. It must be re-read after any
// call that may sleep or yield.
func (p *Proc) Cpu() *Cpu { return p.cpu }

// Trapframe returns the saved user registers.
func (p *Proc) Trapframe() *cpu.Trapframe { return p.trapframe }

// PageTable returns the user page table.
func (p *Proc) PageTable() vmm.PageTable { return p.pagetable }

// Size returns the size of user memory in bytes.
func (p *Proc) Size() uint64 { return p.sz }

// KStackTop returns the initial kernel stack pointer of the process.
func (p *Proc) KStackTop() uint64 { return mm.KStack(p.slot) + mm.PageSize }

func (p *Proc) ref() procRef { return procRef{slot: p.slot, gen: p.gen} }

// resolve returns the process r refers to, or nil if the slot has been
// reused or freed since. tableLock must be held.
func (r procRef) resolve() *Proc {
	if r.gen == 0 || r.slot < 0 || r.slot >= NProc {
		return nil
	}
	if p := &procs[r.slot]; p.gen == r.gen {
		return p
	}
	return nil
}

// allocProc claims an Unused slot and sets it up to run in the kernel. On
// success the process is Used and returned with p.lock held.
func allocProc(c *Cpu) (*Proc, *kernel.Error) {
	var p *Proc

	tableLock.Acquire(c)
	for i := range procs {
		p = &procs[i]
		p.lock.Acquire(c)
		if p.state == Unused {
			break
		}
		p.lock.Release(c)
		p = nil
	}
	if p == nil {
		tableLock.Release(c)
		return nil, ErrTableFull
	}

	p.pid = nextPID
	nextPID++
	p.gen++
	p.parent = procRef{}
	p.setState(Used)
	tableLock.Release(c)

	p.trapframe = new(cpu.Trapframe)
	p.context.init()
	p.killed = false
	p.xstate = 0

	pt, err := vmm.New()
	if err == nil {
		if err = vmm.MapTrampoline(pt); err != nil {
			pt.Free(0)
		}
	}
	if err != nil {
		freeProc(p)
		p.lock.Release(c)
		return nil, err
	}
	p.pagetable = pt

	return p, nil
}

// freeProc releases everything a process owns except its kernel stack and
// returns the slot to Unused. p.lock must be held. The parent link is
// cleared separately, under tableLock.
func freeProc(p *Proc) {
	if p.pagetable.Valid() {
		vmm.UnmapTrampoline(p.pagetable)
		p.pagetable.Free(p.sz)
	}
	p.pagetable = vmm.PageTable{}
	p.trapframe = nil
	p.sz, p.minsz = 0, 0
	p.pid = 0
	p.name = ""
	p.waitChan = nil
	p.killed = false
	p.xstate = 0
	p.cpu = nil
	p.setState(Unused)
}

// start launches the kernel thread of p. It first runs when a scheduler
// switches to p.
func (p *Proc) start() {
	streams.Add(1)
	go func() {
		defer streams.Done()
		p.context.wait()
		forkret(p)
	}()
}

// forkret is where a new process begins executing in the kernel. The
// scheduler still holds p.lock.
func forkret(p *Proc) {
	p.lock.Release(p.cpu)

	if firstRunDone.CompareAndSwap(false, true) && firstRunHook != nil {
		firstRunHook(p)
	}

	if userLoop == nil {
		panicFn(errNoUserLoop)
		return
	}
	userLoop(p)
	panicFn(errUserLoopRet)
}

// UserInit creates the first user process from image. It runs on the boot
// hart c before the schedulers start. The image is mapped at 0 followed by
// a guard page and one stack page.
func UserInit(c *Cpu, image []byte) (*Proc, *kernel.Error) {
	p, err := allocProc(c)
	if err != nil {
		return nil, err
	}

	imageSize := mm.PageRoundUp(uint64(len(image)))
	if imageSize == 0 {
		imageSize = mm.PageSize
	}

	sz, err := p.pagetable.Grow(0, imageSize, vmm.FlagWrite|vmm.FlagExec)
	if err == nil {
		p.sz = sz
		err = p.pagetable.CopyOut(0, image)
	}
	if err == nil {
		sz, err = p.pagetable.Grow(imageSize, imageSize+2*mm.PageSize, vmm.FlagWrite)
		p.sz = sz
	}
	if err != nil {
		freeProc(p)
		p.lock.Release(c)
		return nil, err
	}

	p.pagetable.ClearUser(imageSize)
	p.minsz = p.sz
	p.trapframe.EPC = 0
	p.trapframe.X[cpu.RegSP] = p.sz
	p.name = "initcode"

	initProc = p
	p.setState(Runnable)
	p.start()
	p.lock.Release(c)

	return p, nil
}

// Fork creates a copy of p. The child returns 0 from the system call and is
// made Runnable. The child pid is returned to the parent.
func Fork(p *Proc) (int, *kernel.Error) {
	c := p.cpu

	np, err := allocProc(c)
	if err != nil {
		return -1, err
	}

	if err = p.pagetable.Copy(np.pagetable, p.sz); err != nil {
		freeProc(np)
		np.lock.Release(c)
		return -1, err
	}
	np.sz = p.sz
	np.minsz = p.minsz

	*np.trapframe = *p.trapframe
	np.trapframe.X[cpu.RegA0] = 0
	np.name = p.name

	pid := np.pid
	np.lock.Release(c)

	tableLock.Acquire(c)
	np.parent = p.ref()
	tableLock.Release(c)

	np.lock.Acquire(c)
	np.setState(Runnable)
	np.start()
	np.lock.Release(c)

	return pid, nil
}

// GrowProc grows or shrinks the user memory of p by n bytes. Memory below
// the size of the loaded image and its stack cannot be released.
func GrowProc(p *Proc, n int64) *kernel.Error {
	sz := p.sz

	switch {
	case n > 0:
		newSize := sz + uint64(n)
		if newSize < sz || newSize > mm.Trampoline {
			return ErrBadSize
		}
		var err *kernel.Error
		if sz, err = p.pagetable.Grow(sz, newSize, vmm.FlagWrite); err != nil {
			return err
		}
	case n < 0:
		if uint64(-n) > sz-p.minsz {
			return ErrBadSize
		}
		sz = p.pagetable.Shrink(sz, sz-uint64(-n))
	}

	p.sz = sz
	return nil
}

// Kill flags the process with the given pid. A sleeping victim is made
// Runnable so it notices the flag the next time it crosses the user
// boundary.
func Kill(c *Cpu, pid int) *kernel.Error {
	for i := range procs {
		p := &procs[i]
		p.lock.Acquire(c)
		if p.state != Unused && p.pid == pid {
			p.killed = true
			if p.state == Sleeping {
				p.setState(Runnable)
			}
			p.lock.Release(c)
			return nil
		}
		p.lock.Release(c)
	}

	return ErrNoProcess
}

// SetKilled flags p as killed.
func (p *Proc) SetKilled() {
	c := p.cpu
	p.lock.Acquire(c)
	p.killed = true
	p.lock.Release(c)
}

// Killed reports whether p has a pending kill.
func (p *Proc) Killed() bool {
	c := p.cpu
	p.lock.Acquire(c)
	k := p.killed
	p.lock.Release(c)
	return k
}

// Dump writes one line per live process to w. It is bound to ^P on the
// console.
func Dump(c *Cpu, w io.Writer) {
	kfmt.Fprintf(w, "\n")
	for i := range procs {
		p := &procs[i]
		p.lock.Acquire(c)
		if p.state != Unused {
			kfmt.Fprintf(w, "%d %s %s\n", p.pid, p.state.String(), p.name)
		}
		p.lock.Release(c)
	}
}
