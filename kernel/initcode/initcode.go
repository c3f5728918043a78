// Package initcode assembles the first user program. It announces itself,
// then keeps a minimal echo shell running: each shell reads a line from the
// console and writes it back until end of file, and is restarted when it
// exits. Orphans handed to process 1 are reaped along the way.
package initcode

import (
	"octox/kernel"
	"octox/kernel/cpu/rvasm"
	"octox/kernel/trap"
	"sync"
)

// lineSize is the shell's read buffer size.
const lineSize = 128

var (
	once  sync.Once
	image []byte
	err   *kernel.Error
)

// Image returns the program image, loaded at virtual address 0.
func Image() ([]byte, *kernel.Error) {
	once.Do(func() {
		image, err = assemble()
	})
	return image, err
}

// write emits write(1, label, n).
func write(a *rvasm.Assembler, label string, n int64) {
	a.Li(rvasm.A0, 1)
	a.La(rvasm.A1, label)
	a.Li(rvasm.A2, n)
	a.Syscall(trap.SysWrite)
}

func assemble() ([]byte, *kernel.Error) {
	var (
		a        = rvasm.New()
		starting = []byte("init: starting\n")
		prompt   = []byte("$ ")
		forkFail = []byte("init: fork failed\n")
		waitFail = []byte("init: wait returned an error\n")
	)

	write(a, "starting", int64(len(starting)))

	a.Label("spawn")
	a.Syscall(trap.SysFork)
	a.Blt(rvasm.A0, rvasm.Zero, "forkFailed")
	a.Beq(rvasm.A0, rvasm.Zero, "shell")
	a.Mv(rvasm.S1, rvasm.A0)

	// reap until the shell itself exits, then start another one.
	a.Label("reap")
	a.Li(rvasm.A0, 0)
	a.Syscall(trap.SysWait)
	a.Blt(rvasm.A0, rvasm.Zero, "waitFailed")
	a.Beq(rvasm.A0, rvasm.S1, "spawn")
	a.J("reap")

	a.Label("forkFailed")
	write(a, "forkFail", int64(len(forkFail)))
	a.J("die")

	a.Label("waitFailed")
	write(a, "waitFail", int64(len(waitFail)))

	a.Label("die")
	a.Li(rvasm.A0, 1)
	a.Syscall(trap.SysExit)

	a.Label("shell")
	write(a, "prompt", int64(len(prompt)))
	a.Li(rvasm.A0, 0)
	a.La(rvasm.A1, "line")
	a.Li(rvasm.A2, lineSize)
	a.Syscall(trap.SysRead)
	a.Bge(rvasm.Zero, rvasm.A0, "shellExit")
	a.Mv(rvasm.A2, rvasm.A0)
	a.Li(rvasm.A0, 1)
	a.La(rvasm.A1, "line")
	a.Syscall(trap.SysWrite)
	a.J("shell")

	a.Label("shellExit")
	a.Li(rvasm.A0, 0)
	a.Syscall(trap.SysExit)

	a.Data("starting", starting)
	a.Data("prompt", prompt)
	a.Data("forkFail", forkFail)
	a.Data("waitFail", waitFail)
	a.Data("line", make([]byte, lineSize))

	return a.Assemble()
}
