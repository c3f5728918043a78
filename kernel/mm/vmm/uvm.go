package vmm

import (
	"octox/kernel"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
)

var (
	errCopyUnmapped  = &kernel.Error{Module: "vmm", Message: "source page missing while copying address space"}
	errClearUnmapped = &kernel.Error{Module: "vmm", Message: "clearing user access of an unmapped page"}
)

// Grow allocates zeroed pages with read, user and xperm permissions to grow
// the user memory of pt from oldSize to newSize bytes and returns the new
// size. If newSize is smaller than oldSize nothing happens. If an
// allocation fails every page added by this call is released.
func (pt PageTable) Grow(oldSize, newSize uint64, xperm PageTableEntryFlag) (uint64, *kernel.Error) {
	if newSize < oldSize {
		return oldSize, nil
	}

	for va := mm.PageRoundUp(oldSize); va < newSize; va += mm.PageSize {
		frame, err := mm.AllocFrame()
		if err != nil {
			pt.Shrink(va, oldSize)
			return oldSize, err
		}
		kernel.Memset(pmm.FrameData(frame), 0)

		if err = pt.Map(va, mm.PageSize, frame.Address(), FlagRead|FlagUser|xperm); err != nil {
			mm.FreeFrame(frame)
			pt.Shrink(va, oldSize)
			return oldSize, err
		}
	}

	return newSize, nil
}

// Shrink releases user pages to bring the process size from oldSize down to
// newSize and returns the new size. oldSize may be larger than the actual
// process size.
func (pt PageTable) Shrink(oldSize, newSize uint64) uint64 {
	if newSize >= oldSize {
		return oldSize
	}

	if from, to := mm.PageRoundUp(newSize), mm.PageRoundUp(oldSize); from < to {
		if err := pt.Unmap(from, (to-from)/mm.PageSize, true); err != nil {
			panicFn(err)
		}
	}

	return newSize
}

// Copy duplicates the first size bytes of user memory, page contents and
// flags included, into dst. dst must not map anything in that range. On
// failure every page copied so far is released and dst is left as before.
func (pt PageTable) Copy(dst PageTable, size uint64) *kernel.Error {
	for va := uint64(0); va < size; va += mm.PageSize {
		pte, err := pt.lookup(va)
		if err != nil {
			panicFn(errCopyUnmapped)
			return errCopyUnmapped
		}

		frame, err := mm.AllocFrame()
		if err != nil {
			dst.unmapPages(0, va/mm.PageSize, true)
			return err
		}
		copy(pmm.FrameData(frame), pmm.FrameData(pte.Frame()))

		if err = dst.Map(va, mm.PageSize, frame.Address(), pte.Flags()&^(FlagValid|FlagAccessed|FlagDirty)); err != nil {
			mm.FreeFrame(frame)
			dst.unmapPages(0, va/mm.PageSize, true)
			return err
		}
	}

	return nil
}

// ClearUser marks the page at virtAddr as inaccessible from user mode. It
// is used for the guard page below the user stack.
func (pt PageTable) ClearUser(virtAddr uint64) {
	pte, err := pt.lookup(virtAddr)
	if err != nil {
		panicFn(errClearUnmapped)
		return
	}
	pte.ClearFlags(FlagUser)
}

// Free releases the user pages in [0, size) and then every page table page
// of pt. All other mappings must have been removed beforehand.
func (pt PageTable) Free(size uint64) {
	if size > 0 {
		if err := pt.Unmap(0, mm.PageRoundUp(size)/mm.PageSize, true); err != nil {
			panicFn(err)
		}
	}
	freeTable(pt.root)
}

// freeTable recursively releases a table and the tables below it.
func freeTable(tableFrame mm.Frame) {
	for i := uint64(0); i < entriesPerTable; i++ {
		pte := ptePtrFn(tableFrame, i)
		if !pte.HasFlags(FlagValid) {
			continue
		}
		if pte.IsLeaf() {
			panicFn(errLeafInTable)
			return
		}
		freeTable(pte.Frame())
		*pte = 0
	}
	mm.FreeFrame(tableFrame)
}
