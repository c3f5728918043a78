// Package ktest boots a minimal machine for tests of kernel code that must
// run in process context: harts, a PLIC, the process table and trap
// handling, with the first process running a Go function instead of a user
// program.
package ktest

import (
	"io"
	"octox/device/plic"
	"octox/kernel/cpu"
	"octox/kernel/irq"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
	"octox/kernel/mm/vmm"
	"octox/kernel/proc"
	"octox/kernel/trap"
	"sync"
	"testing"
	"time"
)

const ramSize = 1024 * mm.PageSize

// Machine is a booted test machine.
type Machine struct {
	Power *cpu.Power
	Harts []*cpu.Hart
	PLIC  *plic.PLIC
}

// quietTimer acknowledges timer interrupts. Test machines have no clock
// unless a test raises one.
type quietTimer struct {
	harts []*cpu.Hart
}

func (qt quietTimer) Ack(hart int) { qt.harts[hart].Clear(cpu.SieSTIE) }

// Boot starts nharts schedulers. setup runs before the interrupt controller
// is programmed and may register interrupt handlers. The kernel thread of
// the first process, and of every process it forks, runs body and then
// parks until the machine is switched off. Unless the caller installed an
// output sink, kernel output goes to io.Discard so that boot messages never
// reach a sink installed later.
func Boot(t testing.TB, nharts int, setup func(m *Machine), body func(p *proc.Proc)) *Machine {
	t.Helper()

	if kfmt.GetOutputSink() == nil {
		kfmt.SetOutputSink(io.Discard)
		t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	}

	if err := pmm.Init(mm.KernBase, ramSize, mm.KernelEnd); err != nil {
		t.Fatal(err)
	}
	if err := vmm.InitKernel(); err != nil {
		t.Fatal(err)
	}

	m := &Machine{Power: cpu.NewPower()}
	cpu.SetHaltHook(m.Power.Off)

	m.Harts = make([]*cpu.Hart, nharts)
	for i := range m.Harts {
		m.Harts[i] = cpu.NewHart(i, m.Power)
	}
	proc.InitCpus(m.Harts)
	if err := proc.Init(m.Power); err != nil {
		t.Fatal(err)
	}

	irq.Reset()
	m.PLIC = plic.New(m.Harts)
	trap.Init(m.PLIC, quietTimer{m.Harts})
	proc.SetUserLoop(func(p *proc.Proc) {
		// like a system call, body runs with interrupts enabled.
		p.Cpu().Hart().IntrOn()
		body(p)
		Park(p)
	})
	proc.SetFirstRunHook(nil)

	if setup != nil {
		setup(m)
	}
	irq.InitController(m.PLIC)
	for _, h := range m.Harts {
		vmm.InitHart(h)
		trap.InitHart(h)
		irq.InitHart(m.PLIC, h.ID())
	}

	// the image is never entered.
	if _, err := proc.UserInit(proc.CpuOf(m.Harts[0]), []byte{0x73, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, h := range m.Harts {
		wg.Add(1)
		go func(c *proc.Cpu) {
			defer wg.Done()
			proc.Scheduler(c)
		}(proc.CpuOf(h))
	}

	t.Cleanup(func() {
		m.Power.Off()
		wg.Wait()
		proc.WaitStreams()
		cpu.SetHaltHook(nil)
		irq.Reset()
	})
	return m
}

// Park puts p to sleep until the machine is switched off.
func Park(p *proc.Proc) {
	lk := proc.NewSpinlock("park")
	lk.Acquire(p.Cpu())
	for {
		proc.Sleep(p, lk, lk)
	}
}

// Await blocks until done is closed. It fails the test if the machine
// halts or nothing happens for 10 seconds.
func (m *Machine) Await(t testing.TB, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-m.Power.Done():
		t.Fatal("machine halted")
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}
