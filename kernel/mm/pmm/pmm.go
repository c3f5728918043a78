package pmm

import (
	"octox/kernel"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
)

// Init creates size bytes of RAM at physical address base and registers the
// frame allocator for every frame from kernelEnd to the top of RAM.
func Init(base, size, kernelEnd uint64) *kernel.Error {
	if size < mm.PageSize || kernelEnd < base || kernelEnd >= base+size {
		return &kernel.Error{Module: "pmm", Message: "kernel image does not fit in RAM"}
	}

	FrameAllocator.init(base, size, kernelEnd)
	mm.SetFrameAllocator(allocFrame)
	mm.SetFrameDeallocator(freeFrame)

	kfmt.Printf("[pmm] RAM 0x%16x - 0x%16x, %d free frames\n",
		base, base+size, FrameAllocator.TotalCount())
	return nil
}

func allocFrame() (mm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

func freeFrame(f mm.Frame) {
	FrameAllocator.FreeFrame(f)
}

// FrameData returns the contents of physical frame f.
func FrameData(f mm.Frame) []byte {
	return FrameAllocator.bytes(f.Address(), mm.PageSize)
}

// Bytes returns the n bytes of RAM starting at physical address pa, or nil
// if any part of the range is not RAM.
func Bytes(pa, n uint64) []byte {
	return FrameAllocator.bytes(pa, n)
}

// Top returns the first physical address past the end of RAM.
func Top() uint64 {
	return FrameAllocator.base + uint64(len(FrameAllocator.ram))
}

// FreeCount returns the number of free frames.
func FreeCount() uint32 {
	return FrameAllocator.FreeCount()
}
