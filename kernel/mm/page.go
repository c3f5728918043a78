// Package mm defines the physical frame and virtual page types, the memory
// layout of the board and the hooks through which page table code obtains
// physical frames.
package mm

import (
	"math"
	"octox/kernel"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uint64 {
	return uint64(f) << PageShift
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uint64) Frame {
	return Frame((physAddr &^ (PageSize - 1)) >> PageShift)
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameDeallocator points to the function registered using
	// SetFrameDeallocator.
	frameDeallocator FrameDeallocatorFn
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameDeallocatorFn is a function that returns a frame to its allocator.
type FrameDeallocatorFn func(Frame)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameDeallocator registers the function used to release frames.
func SetFrameDeallocator(freeFn FrameDeallocatorFn) { frameDeallocator = freeFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// FreeFrame returns f to the currently active physical frame allocator.
func FreeFrame(f Frame) { frameDeallocator(f) }

// Page describes a virtual memory page index.
type Page uint64

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uint64 {
	return uint64(p) << PageShift
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uint64) Page {
	return Page((virtAddr &^ (PageSize - 1)) >> PageShift)
}

// PageRoundUp rounds v up to a page boundary.
func PageRoundUp(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds v down to a page boundary.
func PageRoundDown(v uint64) uint64 {
	return v &^ (PageSize - 1)
}
