package trap

import (
	"octox/kernel/proc"
)

func sysExit(p *proc.Proc) int64 {
	proc.Exit(p, argInt(p, 0))
	return 0 // not reached
}

func sysGetpid(p *proc.Proc) int64 {
	return int64(p.Pid())
}

func sysFork(p *proc.Proc) int64 {
	pid, err := proc.Fork(p)
	if err != nil {
		return -1
	}
	return int64(pid)
}

func sysWait(p *proc.Proc) int64 {
	pid, _, err := proc.Wait(p, argAddr(p, 0))
	if err != nil {
		return -1
	}
	return int64(pid)
}

func sysSbrk(p *proc.Proc) int64 {
	addr := p.Size()
	if err := proc.GrowProc(p, int64(argInt(p, 0))); err != nil {
		return -1
	}
	return int64(addr)
}

func sysSleep(p *proc.Proc) int64 {
	n := argInt(p, 0)
	if n < 0 {
		n = 0
	}

	ticksLock.Acquire(p.Cpu())
	ticks0 := ticks
	for ticks-ticks0 < uint64(n) {
		if p.Killed() {
			ticksLock.Release(p.Cpu())
			return -1
		}
		proc.Sleep(p, &ticks, ticksLock)
	}
	ticksLock.Release(p.Cpu())
	return 0
}

func sysKill(p *proc.Proc) int64 {
	if err := proc.Kill(p.Cpu(), argInt(p, 0)); err != nil {
		return -1
	}
	return 0
}

// sysUptime returns how many clock tick interrupts have occurred since
// boot.
func sysUptime(p *proc.Proc) int64 {
	return int64(Ticks(p.Cpu()))
}
