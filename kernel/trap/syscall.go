package trap

import (
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/proc"
)

// System call numbers.
const (
	SysFork   = 1
	SysExit   = 2
	SysWait   = 3
	SysRead   = 5
	SysKill   = 6
	SysGetpid = 11
	SysSbrk   = 12
	SysSleep  = 13
	SysUptime = 14
	SysWrite  = 16
)

var syscalls = [...]func(p *proc.Proc) int64{
	SysFork:   sysFork,
	SysExit:   sysExit,
	SysWait:   sysWait,
	SysRead:   sysRead,
	SysKill:   sysKill,
	SysGetpid: sysGetpid,
	SysSbrk:   sysSbrk,
	SysSleep:  sysSleep,
	SysUptime: sysUptime,
	SysWrite:  sysWrite,
}

// syscall runs the system call selected by a7 and stores its result in a0.
func syscall(p *proc.Proc) {
	tf := p.Trapframe()
	num := tf.X[cpu.RegA7]

	if num < uint64(len(syscalls)) && syscalls[num] != nil {
		tf.X[cpu.RegA0] = uint64(syscalls[num](p))
		return
	}

	kfmt.Printf("pid %d %s: unknown sys call %d\n", p.Pid(), p.Name(), num)
	tf.X[cpu.RegA0] = ^uint64(0)
}

// argRaw returns the raw value of the n-th system call argument.
func argRaw(p *proc.Proc, n int) uint64 {
	return p.Trapframe().X[cpu.RegA0+n]
}

// argInt returns the n-th argument as a 32-bit C int.
func argInt(p *proc.Proc, n int) int {
	return int(int32(argRaw(p, n)))
}

// argAddr returns the n-th argument as a user virtual address. It is not
// checked here; copyin/copyout do that.
func argAddr(p *proc.Proc, n int) uint64 {
	return argRaw(p, n)
}
