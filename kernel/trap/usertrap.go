package trap

import (
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/mm/vmm"
	"octox/kernel/proc"
)

// userLoop is the body of every process kernel thread: return to user mode,
// handle the next trap, repeat. It ends when the process exits.
func userLoop(p *proc.Proc) {
	for {
		UserTrapRet(p)
		UserTrap(p)
	}
}

// isUserFault reports whether scause is an exception that kills the
// offending process rather than the kernel.
func isUserFault(scause uint64) bool {
	switch scause {
	case cpu.ExcInstMisaligned, cpu.ExcInstAccess, cpu.ExcIllegalInst,
		cpu.ExcBreakpoint, cpu.ExcLoadMisaligned, cpu.ExcLoadAccess,
		cpu.ExcStoreMisaligned, cpu.ExcStoreAccess,
		cpu.ExcInstPageFault, cpu.ExcLoadPageFault, cpu.ExcStorePageFault:
		return true
	}
	return false
}

// UserTrap handles an interrupt, exception or system call from user mode.
func UserTrap(p *proc.Proc) {
	c := p.Cpu()
	h := c.Hart()

	if h.Sstatus()&cpu.SstatusSPP != 0 {
		panicFn(errUserTrapFromKernel)
		return
	}

	// we're in the kernel now.
	h.SetTrapVector(kernelVec)

	tf := p.Trapframe()
	tf.EPC = h.Sepc()

	scause := h.Scause()
	exitStatus := -1
	which := intrNone

	switch {
	case scause == cpu.ExcEcallUser:
		if p.Killed() {
			proc.Exit(p, -1)
			return
		}

		// return to the instruction after ecall.
		tf.EPC += 4

		// sepc, scause and sstatus are no longer needed, so the hart
		// may take interrupts again.
		h.IntrOn()
		syscall(p)
	case isUserFault(scause):
		kfmt.Printf("usertrap(): unexpected scause 0x%x pid=%d\n", scause, p.Pid())
		kfmt.Printf("            sepc=0x%x stval=0x%x\n", h.Sepc(), h.Stval())
		exitStatus = -(256 + int(scause))
		p.SetKilled()
	default:
		if which = devIntr(c, scause); which == intrNone {
			dumpTrap(h, p)
			panicFn(errUserTrapCause)
			return
		}
	}

	if p.Killed() {
		proc.Exit(p, exitStatus)
		return
	}

	// give up the hart on a timer interrupt.
	if which == intrTimer {
		proc.Yield(p)
	}
}

// UserTrapRet prepares the hart the process runs on for user mode and runs
// the process until its next trap.
func UserTrapRet(p *proc.Proc) {
	h := p.Cpu().Hart()

	// no more traps until the hart is in user mode.
	h.IntrOff()
	h.SetTrapVector(userVec)

	tf := p.Trapframe()
	tf.KernelSATP = vmm.KernelTable().SATP()
	tf.KernelSP = p.KStackTop()
	tf.KernelHartID = uint64(h.ID())

	// sret to user mode with interrupts enabled.
	h.SetSstatus(h.Sstatus()&^cpu.SstatusSPP | cpu.SstatusSPIE)
	h.SetSepc(tf.EPC)
	h.SetSATP(p.PageTable().SATP())

	h.EnterUser(tf, p.PageTable())
}
