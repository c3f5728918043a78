package trap

import (
	"bytes"
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/cpu/rvasm"
	"octox/kernel/driver/null"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
	"octox/kernel/mm/vmm"
	"octox/kernel/proc"
	"strings"
	"sync"
	"testing"
	"time"
)

const testRAMSize = 1024 * mm.PageSize

// lockedBuffer is a bytes.Buffer that can be read while kernel streams are
// still writing to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testConsole serves file descriptors 0-2 from memory.
type testConsole struct {
	out lockedBuffer

	mu sync.Mutex
	in []byte
}

func (tc *testConsole) Read(p *proc.Proc, addr uint64, n int) (int, *kernel.Error) {
	tc.mu.Lock()
	if n > len(tc.in) {
		n = len(tc.in)
	}
	data := tc.in[:n]
	tc.in = tc.in[n:]
	tc.mu.Unlock()

	if err := p.PageTable().CopyOut(addr, data); err != nil {
		return -1, err
	}
	return n, nil
}

func (tc *testConsole) Write(p *proc.Proc, addr uint64, n int) (int, *kernel.Error) {
	data := make([]byte, n)
	if err := p.PageTable().CopyIn(data, addr); err != nil {
		return -1, err
	}
	tc.out.Write(data)
	return n, nil
}

type testMachine struct {
	pw      *cpu.Power
	harts   []*cpu.Hart
	console *testConsole
	log     *lockedBuffer
}

// boot runs image as the first process on nharts harts. A non-zero tick
// raises a timer interrupt on hart 0 at that interval.
func boot(t *testing.T, nharts int, image []byte, input string, tick time.Duration) *testMachine {
	t.Helper()

	m := &testMachine{
		pw:      cpu.NewPower(),
		console: &testConsole{in: []byte(input)},
		log:     &lockedBuffer{},
	}
	kfmt.SetOutputSink(m.log)
	cpu.SetHaltHook(m.pw.Off)

	if err := pmm.Init(mm.KernBase, testRAMSize, mm.KernelEnd); err != nil {
		t.Fatal(err)
	}
	if err := vmm.InitKernel(); err != nil {
		t.Fatal(err)
	}

	m.harts = make([]*cpu.Hart, nharts)
	for i := range m.harts {
		m.harts[i] = cpu.NewHart(i, m.pw)
	}
	proc.InitCpus(m.harts)
	if err := proc.Init(m.pw); err != nil {
		t.Fatal(err)
	}
	proc.SetFirstRunHook(nil)

	Init(&fakeController{}, &syncTimer{harts: m.harts})
	SetConsole(m.console)
	SetNull(null.Device{})
	for _, h := range m.harts {
		vmm.InitHart(h)
		InitHart(h)
	}

	if _, err := proc.UserInit(proc.CpuOf(m.harts[0]), image); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, h := range m.harts {
		wg.Add(1)
		go func(c *proc.Cpu) {
			defer wg.Done()
			proc.Scheduler(c)
		}(proc.CpuOf(h))
	}

	if tick != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.harts[0].Raise(cpu.SieSTIE)
				case <-m.pw.Done():
					return
				}
			}
		}()
	}

	t.Cleanup(func() {
		m.pw.Off()
		wg.Wait()
		proc.WaitStreams()
		kfmt.SetOutputSink(nil)
		cpu.SetHaltHook(nil)
		SetConsole(nil)
		SetNull(nil)
	})
	return m
}

// waitForOutput waits until the console shows exp or a failure marker.
func (m *testMachine) waitForOutput(t *testing.T, exp string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		out := m.console.out.String()
		switch {
		case strings.Contains(out, exp):
			return
		case strings.Contains(out, "fail"):
			t.Fatalf("user program failed; console:\n%s\nlog:\n%s", out, m.log.String())
		}

		select {
		case <-m.pw.Done():
			t.Fatalf("kernel panicked; log:\n%s", m.log.String())
		case <-deadline:
			t.Fatalf("timed out waiting for %q; console:\n%s\nlog:\n%s", exp, out, m.log.String())
		case <-time.After(time.Millisecond):
		}
	}
}

// syncTimer acknowledges timer interrupts. Unlike clearingTimer it is safe
// to use from several harts.
type syncTimer struct {
	harts []*cpu.Hart
}

func (t *syncTimer) Ack(hart int) { t.harts[hart].Clear(cpu.SieSTIE) }

func assemble(t *testing.T, build func(a *rvasm.Assembler)) []byte {
	t.Helper()
	a := rvasm.New()
	build(a)

	// shared tail: report and park.
	a.Label("pass")
	a.Li(rvasm.A0, 1)
	a.La(rvasm.A1, "passMsg")
	a.Li(rvasm.A2, 5)
	a.Syscall(SysWrite)
	a.Label("park")
	a.J("park")
	a.Label("fail")
	a.Li(rvasm.A0, 1)
	a.La(rvasm.A1, "failMsg")
	a.Li(rvasm.A2, 5)
	a.Syscall(SysWrite)
	a.J("park")
	a.Data("passMsg", []byte("pass\n"))
	a.Data("failMsg", []byte("fail\n"))

	image, err := a.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	return image
}

func TestSystemCalls(t *testing.T) {
	image := assemble(t, func(a *rvasm.Assembler) {
		a.Syscall(SysGetpid)
		a.Li(rvasm.T0, 1)
		a.Bne(rvasm.A0, rvasm.T0, "fail")

		// grow by a page and use it.
		a.Li(rvasm.A0, int64(mm.PageSize))
		a.Syscall(SysSbrk)
		a.Blt(rvasm.A0, rvasm.Zero, "fail")
		a.Mv(rvasm.S1, rvasm.A0)
		a.Li(rvasm.T0, 0x55)
		a.Sb(rvasm.T0, rvasm.S1, 0)
		a.Lbu(rvasm.T1, rvasm.S1, 0)
		a.Bne(rvasm.T0, rvasm.T1, "fail")

		// echo one read from the console.
		a.Li(rvasm.A0, 0)
		a.La(rvasm.A1, "buf")
		a.Li(rvasm.A2, 8)
		a.Syscall(SysRead)
		a.Blt(rvasm.A0, rvasm.Zero, "fail")
		a.Mv(rvasm.A2, rvasm.A0)
		a.Li(rvasm.A0, 1)
		a.La(rvasm.A1, "buf")
		a.Syscall(SysWrite)

		// bad file descriptor.
		a.Li(rvasm.A0, 9)
		a.La(rvasm.A1, "buf")
		a.Li(rvasm.A2, 1)
		a.Syscall(SysWrite)
		a.Li(rvasm.T1, -1)
		a.Bne(rvasm.A0, rvasm.T1, "fail")

		// the null device swallows writes and has nothing to read.
		a.Li(rvasm.A0, 3)
		a.La(rvasm.A1, "buf")
		a.Li(rvasm.A2, 5)
		a.Syscall(SysWrite)
		a.Li(rvasm.T1, 5)
		a.Bne(rvasm.A0, rvasm.T1, "fail")
		a.Li(rvasm.A0, 3)
		a.La(rvasm.A1, "buf")
		a.Li(rvasm.A2, 5)
		a.Syscall(SysRead)
		a.Bne(rvasm.A0, rvasm.Zero, "fail")

		a.Syscall(SysFork)
		a.Beq(rvasm.A0, rvasm.Zero, "child")
		a.Blt(rvasm.A0, rvasm.Zero, "fail")
		a.Mv(rvasm.S2, rvasm.A0)
		a.La(rvasm.A0, "status")
		a.Syscall(SysWait)
		a.Bne(rvasm.A0, rvasm.S2, "fail")
		a.La(rvasm.T2, "status")
		a.Lw(rvasm.T0, rvasm.T2, 0)
		a.Li(rvasm.T1, 7)
		a.Bne(rvasm.T0, rvasm.T1, "fail")

		// no children left.
		a.Li(rvasm.A0, 0)
		a.Syscall(SysWait)
		a.Li(rvasm.T1, -1)
		a.Bne(rvasm.A0, rvasm.T1, "fail")

		a.Syscall(99)
		a.Li(rvasm.T1, -1)
		a.Bne(rvasm.A0, rvasm.T1, "fail")
		a.J("pass")

		a.Label("child")
		a.Li(rvasm.A0, 7)
		a.Syscall(SysExit)

		a.Data("buf", make([]byte, 8))
		a.Data("status", make([]byte, 8))
	})

	m := boot(t, 2, image, "abc\n", 0)
	m.waitForOutput(t, "pass\n")

	if exp, got := "abc\npass\n", m.console.out.String(); got != exp {
		t.Fatalf("expected console output %q; got %q", exp, got)
	}
	if exp := "pid 1 initcode: unknown sys call 99\n"; !strings.Contains(m.log.String(), exp) {
		t.Fatalf("expected log to contain %q; got:\n%s", exp, m.log.String())
	}
}

func TestUserFaultExitStatus(t *testing.T) {
	image := assemble(t, func(a *rvasm.Assembler) {
		a.Syscall(SysFork)
		a.Beq(rvasm.A0, rvasm.Zero, "child")
		a.La(rvasm.A0, "status")
		a.Syscall(SysWait)
		a.La(rvasm.T2, "status")
		a.Lw(rvasm.T0, rvasm.T2, 0)
		a.Li(rvasm.T1, -(256 + int64(cpu.ExcLoadPageFault)))
		a.Bne(rvasm.T0, rvasm.T1, "fail")
		a.J("pass")

		a.Label("child")
		a.Li(rvasm.T0, 0x100000)
		a.Ld(rvasm.T1, rvasm.T0, 0)
		a.J("child")

		a.Data("status", make([]byte, 8))
	})

	m := boot(t, 1, image, "", 0)
	m.waitForOutput(t, "pass\n")

	for _, exp := range []string{
		"usertrap(): unexpected scause 0xd pid=2\n",
		"stval=0x100000\n",
	} {
		if !strings.Contains(m.log.String(), exp) {
			t.Errorf("expected log to contain %q; got:\n%s", exp, m.log.String())
		}
	}
}

func TestPreemptionSleepAndKill(t *testing.T) {
	image := assemble(t, func(a *rvasm.Assembler) {
		a.Syscall(SysFork)
		a.Beq(rvasm.A0, rvasm.Zero, "child")
		a.Mv(rvasm.S2, rvasm.A0)

		// the only hart is shared with a spinning child, so this only
		// returns if the child gets preempted.
		a.Syscall(SysUptime)
		a.Mv(rvasm.S3, rvasm.A0)
		a.Li(rvasm.A0, 3)
		a.Syscall(SysSleep)
		a.Bne(rvasm.A0, rvasm.Zero, "fail")
		a.Syscall(SysUptime)
		a.Sub(rvasm.T0, rvasm.A0, rvasm.S3)
		a.Li(rvasm.T1, 3)
		a.Blt(rvasm.T0, rvasm.T1, "fail")

		a.Mv(rvasm.A0, rvasm.S2)
		a.Syscall(SysKill)
		a.Bne(rvasm.A0, rvasm.Zero, "fail")
		a.La(rvasm.A0, "status")
		a.Syscall(SysWait)
		a.Bne(rvasm.A0, rvasm.S2, "fail")
		a.La(rvasm.T2, "status")
		a.Lw(rvasm.T0, rvasm.T2, 0)
		a.Li(rvasm.T1, -1)
		a.Bne(rvasm.T0, rvasm.T1, "fail")

		// killing a reaped process fails.
		a.Mv(rvasm.A0, rvasm.S2)
		a.Syscall(SysKill)
		a.Li(rvasm.T1, -1)
		a.Bne(rvasm.A0, rvasm.T1, "fail")
		a.J("pass")

		a.Label("child")
		a.J("child")

		a.Data("status", make([]byte, 8))
	})

	m := boot(t, 1, image, "", 2*time.Millisecond)
	m.waitForOutput(t, "pass\n")
}

func TestTimerAfterPowerOffMidSleep(t *testing.T) {
	t.Run("sleeping machine", func(t *testing.T) {
		image := assemble(t, func(a *rvasm.Assembler) {
			a.Li(rvasm.A0, 1)
			a.La(rvasm.A1, "passMsg")
			a.Li(rvasm.A2, 5)
			a.Syscall(SysWrite)
			a.Li(rvasm.A0, 100000)
			a.Syscall(SysSleep)
			a.J("fail")
		})
		m := boot(t, 1, image, "", 2*time.Millisecond)
		m.waitForOutput(t, "pass\n")
		time.Sleep(10 * time.Millisecond)
	})

	// the machine above was powered off while its process slept; a new
	// hart must not see any of its locks as held.
	t.Run("timer on a fresh hart", func(t *testing.T) {
		fatal := mockPanic(t)
		h, _ := setupHart(t, &fakeController{})

		h.Raise(cpu.SieSTIE)
		h.IntrOn()
		if len(*fatal) != 0 {
			t.Fatalf("expected no fatal errors; got %v", *fatal)
		}
		if got := Ticks(proc.CpuOf(h)); got != 1 {
			t.Fatalf("expected the timer interrupt to tick; got %d", got)
		}
	})
}
