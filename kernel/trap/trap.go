// Package trap is the single entry point into the kernel: system calls,
// device interrupts and exceptions, from user or supervisor mode.
package trap

import (
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/irq"
	"octox/kernel/kfmt"
	"octox/kernel/proc"
)

// Timer acknowledges the per-hart timer interrupt.
type Timer interface {
	Ack(hart int)
}

// Interrupt kinds reported by devIntr.
const (
	intrNone = iota
	intrDevice
	intrTimer
)

var (
	controller irq.Controller
	timer      Timer

	// ticks counts timer interrupts on hart 0. Sleepers wait on &ticks.
	ticks     uint64
	ticksLock = proc.NewSpinlock("time")

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errKernelTrapFromUser  = &kernel.Error{Module: "trap", Message: "kerneltrap: not from supervisor mode"}
	errKernelTrapIntrOn    = &kernel.Error{Module: "trap", Message: "kerneltrap: interrupts enabled"}
	errKernelTrapCause     = &kernel.Error{Module: "trap", Message: "kerneltrap: unexpected trap"}
	errUserTrapFromKernel  = &kernel.Error{Module: "trap", Message: "usertrap: not from user mode"}
	errUserTrapCause       = &kernel.Error{Module: "trap", Message: "usertrap: unexpected trap"}
	errUserVecInSupervisor = &kernel.Error{Module: "trap", Message: "uservec: trap taken in supervisor mode"}
)

// Init wires the trap handlers to the interrupt controller and the timer and
// registers the user loop every process runs.
func Init(ctl irq.Controller, t Timer) {
	controller = ctl
	timer = t
	ticks = 0
	ticksLock = proc.NewSpinlock("time")

	proc.SetUserLoop(userLoop)
}

// InitHart installs the kernel trap vector on h.
func InitHart(h *cpu.Hart) {
	h.SetTrapVector(kernelVec)
}

// Ticks returns the number of timer interrupts since boot.
func Ticks(c *proc.Cpu) uint64 {
	ticksLock.Acquire(c)
	t := ticks
	ticksLock.Release(c)
	return t
}

// kernelVec is the trap vector used while a hart runs kernel code. Traps
// taken here never switch execution streams.
func kernelVec(h *cpu.Hart) {
	KernelTrap(h)
}

// userVec is installed while a hart is about to run user code. User traps
// return through Hart.EnterUser instead, so it should never run.
func userVec(h *cpu.Hart) {
	panicFn(errUserVecInSupervisor)
}

// KernelTrap handles interrupts and exceptions taken in supervisor mode. A
// timer interrupt is only acknowledged; the running kernel thread keeps the
// hart.
func KernelTrap(h *cpu.Hart) {
	sepc, sstatus, scause := h.Sepc(), h.Sstatus(), h.Scause()

	if sstatus&cpu.SstatusSPP == 0 {
		panicFn(errKernelTrapFromUser)
		return
	}
	if h.IntrGet() {
		panicFn(errKernelTrapIntrOn)
		return
	}

	c := proc.CpuOf(h)
	if devIntr(c, scause) == intrNone {
		dumpTrap(h, c.Proc())
		panicFn(errKernelTrapCause)
		return
	}

	// a device handler may have trapped again; restore what sret needs.
	h.SetSepc(sepc)
	h.SetSstatus(sstatus)
}

// devIntr services the interrupt described by scause. It returns intrNone
// if scause is not a recognized interrupt.
func devIntr(c *proc.Cpu, scause uint64) int {
	if scause&cpu.CauseInterrupt == 0 {
		return intrNone
	}

	h := c.Hart()
	switch scause &^ cpu.CauseInterrupt {
	case cpu.IntExternal:
		if source := controller.Claim(h.ID()); source != 0 {
			if !irq.Dispatch(c, source) {
				kfmt.Printf("unexpected interrupt irq=%d\n", source)
			}
			controller.Complete(h.ID(), source)
		}
		return intrDevice
	case cpu.IntTimer, cpu.IntSoftware:
		if c.ID() == 0 {
			clockIntr(c)
		}
		h.Clear(cpu.SieSSIE)
		timer.Ack(h.ID())
		return intrTimer
	}

	return intrNone
}

func clockIntr(c *proc.Cpu) {
	ticksLock.Acquire(c)
	ticks++
	proc.Wakeup(c, &ticks)
	ticksLock.Release(c)
}
