package vmm

import (
	"octox/kernel"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
	"unsafe"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// pageTableEntry describes a Sv39 page table entry. These entries encode
// a physical frame number and a set of flags.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Flags returns the low ten flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) & 0x3ff)
}

// IsLeaf returns true if the entry maps a page rather than a table.
func (pte pageTableEntry) IsLeaf() bool {
	return pte.HasAnyFlag(flagLeaf)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePPNMask) >> ptePPNShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint64(*pte) &^ ptePPNMask) | (uint64(frame) << ptePPNShift))
}

var (
	// ptePtrFn returns a pointer to entry index of the table stored in
	// tableFrame. Tests override it to run walks over fake tables.
	ptePtrFn = func(tableFrame mm.Frame, index uint64) *pageTableEntry {
		table := pmm.FrameData(tableFrame)
		return (*pageTableEntry)(unsafe.Pointer(&table[index<<3]))
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the root table in rootFrame. It calls the supplied walkFn with the page
// table entry that corresponds to each page table level. The next level
// table is read from the entry after walkFn returns so walkFn may install
// missing tables.
func walk(rootFrame mm.Frame, virtAddr uint64, walkFn pageTableWalker) {
	tableFrame := rootFrame
	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & (entriesPerTable - 1)
		pte := ptePtrFn(tableFrame, entryIndex)

		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		tableFrame = pte.Frame()
	}
}

// pteForAddress returns the last level entry for virtAddr. If alloc is set,
// missing intermediate tables are allocated and zeroed; otherwise a missing
// table yields ErrUnmapped. The returned entry itself may be invalid.
func pteForAddress(rootFrame mm.Frame, virtAddr uint64, alloc bool) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	if virtAddr >= mm.MaxVA {
		return nil, ErrUnmapped
	}

	walk(rootFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.HasFlags(FlagValid) {
			if pte.IsLeaf() {
				err = errSuperPage
				return false
			}
			return true
		}

		if !alloc {
			err = ErrUnmapped
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		var newTableFrame mm.Frame
		if newTableFrame, err = mm.AllocFrame(); err != nil {
			return false
		}
		kernel.Memset(pmm.FrameData(newTableFrame), 0)

		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(FlagValid)
		return true
	})

	return entry, err
}
