// Package kmain is the kernel entry point every hart runs after power on.
package kmain

import (
	"encoding/binary"
	"octox/kernel"
	"octox/kernel/bio"
	"octox/kernel/cpu"
	"octox/kernel/driver/null"
	"octox/kernel/hal"
	"octox/kernel/initcode"
	"octox/kernel/irq"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
	"octox/kernel/mm/vmm"
	"octox/kernel/proc"
	"octox/kernel/trap"
	"runtime"
	"sync/atomic"
)

const (
	// RootDev is the device number of the boot disk.
	RootDev = 1

	// FSMagic identifies a formatted boot disk. It is stored little
	// endian at the start of block 1.
	FSMagic = 0x10203040
)

var (
	// initialized holds the board whose global initialization has run and
	// started the board whose secondary harts may proceed.
	initialized atomic.Pointer[hal.Board]
	started     atomic.Pointer[hal.Board]

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errReinit = &kernel.Error{Module: "kmain", Message: "global initialization ran twice"}
)

// Main brings up hart h of board b. Hart 0 performs global initialization
// once and releases the others, then every hart enters its scheduler.
// Main returns only when the board powers off.
func Main(b *hal.Board, h *cpu.Hart) {
	if h.ID() == 0 {
		if !globalInit(b, h) {
			return
		}
		started.Store(b)
	} else {
		for started.Load() != b {
			if b.Power.IsOff() {
				return
			}
			runtime.Gosched()
		}
		kfmt.Printf("hart %d starting\n", h.ID())
		hartInit(b, h)
	}

	proc.Scheduler(proc.CpuOf(h))
}

// globalInit runs the one-time initialization on hart 0 and reports
// whether it succeeded.
func globalInit(b *hal.Board, h *cpu.Hart) bool {
	if initialized.Swap(b) == b {
		panicFn(errReinit)
		return false
	}

	kfmt.SetOutputSink(b.UART)
	kfmt.Printf("\noctox kernel is booting\n\n")

	trap.SetNull(null.Device{})
	proc.InitCpus(b.Harts)

	var err *kernel.Error
	if err = pmm.Init(mm.KernBase, b.Config().RAMSize, mm.KernelEnd); err != nil {
		panicFn(err)
		return false
	}
	if err = vmm.InitKernel(); err != nil {
		panicFn(err)
		return false
	}
	vmm.InitHart(h)

	if err = proc.Init(b.Power); err != nil {
		panicFn(err)
		return false
	}
	trap.Init(b.PLIC, b.CLINT)
	trap.InitHart(h)

	// drivers register their interrupt handlers while probing.
	irq.Reset()
	b.DetectHardware()
	trap.SetConsole(b.Console)
	irq.InitController(b.PLIC)
	irq.InitHart(b.PLIC, h.ID())

	bio.Init(map[uint32]bio.Device{RootDev: b.DiskDriver})
	proc.SetFirstRunHook(fsInit)

	image, err := initcode.Image()
	if err != nil {
		panicFn(err)
		return false
	}
	if _, err = proc.UserInit(proc.CpuOf(h), image); err != nil {
		panicFn(err)
		return false
	}
	return true
}

// hartInit runs the per-hart setup of a secondary hart.
func hartInit(b *hal.Board, h *cpu.Hart) {
	vmm.InitHart(h)
	trap.InitHart(h)
	irq.InitHart(b.PLIC, h.ID())
}

// fsInit runs in the first process before it returns to user mode for the
// first time; reading the disk needs a process that can sleep.
func fsInit(p *proc.Proc) {
	buf, err := bio.Read(p, RootDev, 1)
	if err != nil {
		panicFn(err)
		return
	}
	magic := binary.LittleEndian.Uint32(buf.Data[:4])
	bio.Release(p, buf)

	if magic != FSMagic {
		kfmt.Printf("fs: dev %d has no file system (magic 0x%x)\n", RootDev, magic)
		return
	}
	kfmt.Printf("fs: dev %d ready\n", RootDev)
}

// DiskImage returns a formatted boot disk of nblocks blocks.
func DiskImage(nblocks int) []byte {
	img := make([]byte, nblocks*bio.BSize)
	binary.LittleEndian.PutUint32(img[bio.BSize:], FSMagic)
	return img
}
