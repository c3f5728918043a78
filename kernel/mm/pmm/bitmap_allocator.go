// Package pmm models the board's physical RAM and manages its page frames.
package pmm

import (
	"math"
	"math/bits"
	"octox/kernel"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"octox/kernel/sync"
)

const (
	// allocJunk fills freshly allocated frames so that code relying on
	// zeroed memory fails loudly.
	allocJunk = 5

	// freeJunk fills released frames to catch dangling references.
	freeJunk = 1
)

var (
	// FrameAllocator is the allocator for all physical frames above the
	// kernel image.
	FrameAllocator BitmapAllocator

	// ErrOutOfMemory is returned when no free frame is left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errFreeOutOfRange = &kernel.Error{Module: "pmm", Message: "free of frame outside managed memory"}
	errDoubleFree     = &kernel.Error{Module: "pmm", Message: "frame freed twice"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap. It also owns the backing store of RAM.
type BitmapAllocator struct {
	lock sync.Spinlock

	// ram holds the contents of physical memory starting at base.
	ram  []byte
	base uint64

	// startFrame is the first frame handed out by the allocator; each
	// bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame is the last managed frame.
	endFrame mm.Frame

	totalPages uint32
	freeCount  uint32

	// freeBitmap has a bit set for every reserved frame.
	freeBitmap []uint64
}

// init sets up RAM of size bytes at physical address base and marks the
// frames in [firstFree, base+size) as available.
func (alloc *BitmapAllocator) init(base, size, firstFree uint64) {
	alloc.ram = make([]byte, size)
	alloc.base = base
	alloc.startFrame = mm.FrameFromAddress(mm.PageRoundUp(firstFree))
	alloc.endFrame = mm.FrameFromAddress(base+size) - 1
	alloc.totalPages = uint32(alloc.endFrame - alloc.startFrame + 1)
	alloc.freeCount = alloc.totalPages
	alloc.freeBitmap = make([]uint64, (alloc.totalPages+63)>>6)

	// frames past endFrame in the last bitmap block do not exist
	if tail := alloc.totalPages & 63; tail != 0 {
		alloc.freeBitmap[len(alloc.freeBitmap)-1] = math.MaxUint64 << tail
	}

	for i := range alloc.ram {
		alloc.ram[i] = freeJunk
	}
}

// AllocFrame reserves and returns the lowest free frame. The frame contents
// are filled with junk.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	if alloc.freeCount == 0 {
		alloc.lock.Release()
		return mm.InvalidFrame, ErrOutOfMemory
	}

	var frame = mm.InvalidFrame
	for blockIndex, block := range alloc.freeBitmap {
		if block == math.MaxUint64 {
			continue
		}
		bit := bits.TrailingZeros64(^block)
		alloc.freeBitmap[blockIndex] |= 1 << uint(bit)
		frame = alloc.startFrame + mm.Frame(blockIndex<<6+bit)
		break
	}
	alloc.freeCount--
	alloc.lock.Release()

	kernel.Memset(alloc.frameData(frame), allocJunk)
	return frame, nil
}

// FreeFrame returns frame to the pool. Releasing a frame the allocator does
// not manage, or one that is already free, is fatal.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	if frame < alloc.startFrame || frame > alloc.endFrame {
		panicFn(errFreeOutOfRange)
		return
	}

	kernel.Memset(alloc.frameData(frame), freeJunk)

	index := uint64(frame - alloc.startFrame)
	block, mask := index>>6, uint64(1)<<(index&63)

	alloc.lock.Acquire()
	if alloc.freeBitmap[block]&mask == 0 {
		alloc.lock.Release()
		panicFn(errDoubleFree)
		return
	}
	alloc.freeBitmap[block] &^= mask
	alloc.freeCount++
	alloc.lock.Release()
}

// FreeCount returns the number of frames available for allocation.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.freeCount
}

// TotalCount returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalCount() uint32 {
	return alloc.totalPages
}

func (alloc *BitmapAllocator) frameData(frame mm.Frame) []byte {
	off := frame.Address() - alloc.base
	return alloc.ram[off : off+mm.PageSize : off+mm.PageSize]
}

// bytes returns the n bytes of RAM at physical address pa or nil if the
// range is not backed by RAM.
func (alloc *BitmapAllocator) bytes(pa, n uint64) []byte {
	if pa < alloc.base || pa+n < pa || pa+n > alloc.base+uint64(len(alloc.ram)) {
		return nil
	}
	off := pa - alloc.base
	return alloc.ram[off : off+n : off+n]
}
