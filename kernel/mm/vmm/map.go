// Package vmm implements Sv39 page tables: creating and tearing down address
// spaces, mapping and translating pages, moving data between kernel and user
// memory and the kernel's own page table.
package vmm

import (
	"octox/kernel"
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
)

var (
	// ErrUnmapped is returned when a virtual address is not mapped.
	ErrUnmapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrRemap is returned when mapping over an existing mapping.
	ErrRemap = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrFault is returned when a user buffer is not accessible with the
	// required permissions.
	ErrFault = &kernel.Error{Module: "vmm", Message: "bad user address"}

	errSuperPage   = &kernel.Error{Module: "vmm", Message: "super pages are not supported"}
	errMisaligned  = &kernel.Error{Module: "vmm", Message: "mapping is not page aligned"}
	errEmptyRange  = &kernel.Error{Module: "vmm", Message: "mapping of an empty range"}
	errNotLeaf     = &kernel.Error{Module: "vmm", Message: "entry is not a leaf"}
	errLeafInTable = &kernel.Error{Module: "vmm", Message: "leaf left in page table being freed"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// PageTable is a Sv39 address space identified by the frame of its root
// table. The zero value is not a usable table.
type PageTable struct {
	root mm.Frame
}

// New allocates an empty page table.
func New() (PageTable, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return PageTable{}, err
	}
	kernel.Memset(pmm.FrameData(frame), 0)
	return PageTable{root: frame}, nil
}

// Root returns the frame holding the root table.
func (pt PageTable) Root() mm.Frame { return pt.root }

// Valid reports whether pt refers to an allocated table.
func (pt PageTable) Valid() bool { return pt.root != 0 }

// SATP returns the satp value that activates pt.
func (pt PageTable) SATP() uint64 { return cpu.MakeSATP(pt.root.Address()) }

// Map establishes mappings for the size bytes starting at virtAddr to the
// physical range starting at physAddr. Both addresses must be page aligned.
// If a page in the range is already mapped Map returns ErrRemap; if a table
// cannot be allocated it returns the allocator error. In both cases the
// mappings created by this call are removed again.
func (pt PageTable) Map(virtAddr, size, physAddr uint64, flags PageTableEntryFlag) *kernel.Error {
	if size == 0 {
		panicFn(errEmptyRange)
		return errEmptyRange
	}
	if virtAddr%mm.PageSize != 0 || physAddr%mm.PageSize != 0 || size%mm.PageSize != 0 {
		panicFn(errMisaligned)
		return errMisaligned
	}

	pages := size / mm.PageSize
	for i := uint64(0); i < pages; i++ {
		va, pa := virtAddr+i*mm.PageSize, physAddr+i*mm.PageSize

		pte, err := pteForAddress(pt.root, va, true)
		if err == nil && pte.HasFlags(FlagValid) {
			err = ErrRemap
		}
		if err != nil {
			if i > 0 {
				pt.unmapPages(virtAddr, i, false)
			}
			return err
		}

		*pte = 0
		pte.SetFrame(mm.FrameFromAddress(pa))
		pte.SetFlags(flags | FlagValid)
	}

	return nil
}

// Unmap removes npages mappings starting at the page aligned virtAddr. When
// free is set each mapped frame is returned to the frame allocator. If any
// page in the range is not mapped nothing is removed and ErrUnmapped is
// returned.
func (pt PageTable) Unmap(virtAddr, npages uint64, free bool) *kernel.Error {
	if virtAddr%mm.PageSize != 0 {
		panicFn(errMisaligned)
		return errMisaligned
	}

	for i := uint64(0); i < npages; i++ {
		pte, err := pteForAddress(pt.root, virtAddr+i*mm.PageSize, false)
		if err != nil {
			return err
		}
		if !pte.HasFlags(FlagValid) {
			return ErrUnmapped
		}
		if !pte.IsLeaf() {
			panicFn(errNotLeaf)
			return errNotLeaf
		}
	}

	pt.unmapPages(virtAddr, npages, free)
	return nil
}

// unmapPages clears npages entries that are known to be mapped.
func (pt PageTable) unmapPages(virtAddr, npages uint64, free bool) {
	for i := uint64(0); i < npages; i++ {
		pte, _ := pteForAddress(pt.root, virtAddr+i*mm.PageSize, false)
		if free {
			mm.FreeFrame(pte.Frame())
		}
		*pte = 0
	}
}

// lookup returns the valid leaf entry for virtAddr.
func (pt PageTable) lookup(virtAddr uint64) (*pageTableEntry, *kernel.Error) {
	pte, err := pteForAddress(pt.root, virtAddr, false)
	if err != nil {
		return nil, err
	}
	if !pte.HasFlags(FlagValid) {
		return nil, ErrUnmapped
	}
	return pte, nil
}

// Translate returns the physical address that virtAddr maps to or
// ErrUnmapped.
func (pt PageTable) Translate(virtAddr uint64) (uint64, *kernel.Error) {
	pte, err := pt.lookup(virtAddr)
	if err != nil {
		return 0, err
	}
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// TranslateUser behaves like Translate but only accepts pages that are
// accessible from user mode.
func (pt PageTable) TranslateUser(virtAddr uint64) (uint64, *kernel.Error) {
	pte, err := pt.lookup(virtAddr)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagUser) {
		return 0, ErrUnmapped
	}
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Flags returns the flags of the mapping for virtAddr.
func (pt PageTable) Flags(virtAddr uint64) (PageTableEntryFlag, *kernel.Error) {
	pte, err := pt.lookup(virtAddr)
	if err != nil {
		return 0, err
	}
	return pte.Flags(), nil
}

// UserBytes returns the n bytes backing the user address virtAddr if the
// page is mapped for user access with the permission access requires. The
// range must not cross a page boundary.
func (pt PageTable) UserBytes(virtAddr, n uint64, access cpu.Access) ([]byte, bool) {
	off := PageOffset(virtAddr)
	if off+n > mm.PageSize {
		return nil, false
	}

	pte, err := pt.lookup(virtAddr)
	if err != nil || !pte.HasFlags(FlagUser) {
		return nil, false
	}

	var need PageTableEntryFlag
	switch access {
	case cpu.AccessRead:
		need = FlagRead
	case cpu.AccessWrite:
		need = FlagWrite
	default:
		need = FlagExec
	}
	if !pte.HasFlags(need) {
		return nil, false
	}

	pte.SetFlags(FlagAccessed)
	if access == cpu.AccessWrite {
		pte.SetFlags(FlagDirty)
	}

	data := pmm.Bytes(pte.Frame().Address()+off, n)
	return data, data != nil
}

// PageOffset returns the offset within the page of virtAddr.
func PageOffset(virtAddr uint64) uint64 {
	return virtAddr & (mm.PageSize - 1)
}
