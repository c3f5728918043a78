package vmm

import (
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
)

var (
	// kernelTable is the direct-mapped kernel address space shared by all
	// harts.
	kernelTable PageTable

	// the following functions are mocked by tests.
	sfenceVMAFn = (*cpu.Hart).SfenceVMA
	writeSATPFn = (*cpu.Hart).SetSATP

	errKernelTextUnmapped = &kernel.Error{Module: "vmm", Message: "kernel text is not mapped; refusing to enable paging"}
)

// kernelRegion describes one direct mapping of the kernel address space.
type kernelRegion struct {
	name  string
	start uint64
	size  uint64
	flags PageTableEntryFlag
}

// InitKernel builds the kernel page table: device registers, kernel text
// and data, all of RAM and the trampoline page.
func InitKernel() *kernel.Error {
	pt, err := New()
	if err != nil {
		return err
	}

	regions := []kernelRegion{
		{"uart", mm.UART0, mm.PageSize, FlagRead | FlagWrite},
		{"virtio", mm.VIRTIO0, mm.PageSize, FlagRead | FlagWrite},
		{"plic", mm.PLIC, mm.PLICSize, FlagRead | FlagWrite},
		{"clint", mm.CLINT, mm.CLINTSize, FlagRead | FlagWrite},
		{"text", mm.KernBase, mm.ETEXT - mm.KernBase, FlagRead | FlagExec},
		{"data", mm.ETEXT, pmm.Top() - mm.ETEXT, FlagRead | FlagWrite},
	}

	for _, r := range regions {
		if err = pt.Map(r.start, r.size, r.start, r.flags); err != nil {
			return err
		}
		kfmt.Printf("[vmm] map %s 0x%16x - 0x%16x\n", r.name, r.start, r.start+r.size)
	}

	if err = MapTrampoline(pt); err != nil {
		return err
	}

	kernelTable = pt
	return nil
}

// MapTrampoline maps the trampoline page at the top of pt.
func MapTrampoline(pt PageTable) *kernel.Error {
	return pt.Map(mm.Trampoline, mm.PageSize, mm.TrampolineFrame, FlagRead|FlagExec)
}

// UnmapTrampoline removes the trampoline mapping from a user table.
func UnmapTrampoline(pt PageTable) {
	if err := pt.Unmap(mm.Trampoline, 1, false); err != nil {
		panicFn(err)
	}
}

// KernelTable returns the kernel page table.
func KernelTable() PageTable {
	return kernelTable
}

// InitHart switches hart h to the kernel page table. The table must map the
// kernel text at its physical address, otherwise enabling translation would
// fault on the next fetch.
func InitHart(h *cpu.Hart) {
	if pa, err := kernelTable.Translate(mm.KernBase); err != nil || pa != mm.KernBase {
		panicFn(errKernelTextUnmapped)
		return
	}

	// wait for any previous writes to the page table memory to finish,
	// then flush stale entries after switching.
	sfenceVMAFn(h)
	writeSATPFn(h, kernelTable.SATP())
	sfenceVMAFn(h)
}

// MapKernelStack maps frame as the kernel stack of process table slot. It
// is called for every slot while the process table is set up, before other
// harts are released.
func MapKernelStack(slot int, frame mm.Frame) *kernel.Error {
	return kernelTable.Map(mm.KStack(slot), mm.PageSize, frame.Address(), FlagRead|FlagWrite)
}
