package mm

// Physical memory layout of the qemu virt board.
//
//	0x02000000 CLINT
//	0x0c000000 PLIC
//	0x10000000 UART0
//	0x10001000 virtio disk
//	0x80000000 kernel text, then kernel data, then free RAM up to PhysTop
const (
	CLINT     = uint64(0x02000000)
	CLINTSize = uint64(0x10000)

	PLIC     = uint64(0x0c000000)
	PLICSize = uint64(0x400000)

	UART0    = uint64(0x10000000)
	UART0IRQ = 10

	VIRTIO0    = uint64(0x10001000)
	VIRTIO0IRQ = 1

	// KernBase is where the kernel image is loaded and where RAM starts.
	KernBase = uint64(0x80000000)

	// ETEXT is the end of the kernel text section. The last text page
	// holds the trampoline.
	ETEXT = KernBase + 0x10000

	// KernelEnd is the first address past the kernel image. Frames from
	// here to the top of RAM are handed to the frame allocator.
	KernelEnd = KernBase + 0x20000

	// TrampolineFrame is the physical page holding the user trap entry
	// and exit code.
	TrampolineFrame = ETEXT - PageSize
)

// Virtual memory layout shared by the kernel and user page tables.
const (
	// MaxVA is one past the highest virtual address. It is one bit less
	// than the Sv39 maximum to avoid sign extending addresses with the
	// high bit set.
	MaxVA = uint64(1) << (9 + 9 + 9 + 12 - 1)

	// Trampoline is mapped at the highest page in every address space.
	Trampoline = MaxVA - PageSize
)

// KStack returns the kernel virtual address of the stack belonging to the
// process in table slot. Each stack is followed by an unmapped guard page.
func KStack(slot int) uint64 {
	return Trampoline - uint64(slot+1)*2*PageSize
}
