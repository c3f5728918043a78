package vmm

const (
	// pageLevels indicates the number of page levels used by Sv39.
	pageLevels = 3

	// ptePPNMask extracts the physical page number from an entry. Sv39
	// stores the 44-bit PPN in bits 10-53.
	ptePPNMask = uint64(0x003ffffffffffc00)

	// ptePPNShift is the position of the PPN inside an entry.
	ptePPNShift = 10

	// entriesPerTable is the number of entries in a page table page.
	entriesPerTable = 512
)

var (
	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address. Level 0 is the root table.
	pageLevelShifts = [pageLevels]uint8{
		30,
		21,
		12,
	}
)

const (
	// FlagValid is set when the entry is in use.
	FlagValid PageTableEntryFlag = 1 << iota

	// FlagRead is set if the page can be read.
	FlagRead

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagExec is set if instructions can be fetched from the page.
	FlagExec

	// FlagUser is set if user-mode code can access this page. If not set
	// only kernel code can access this page.
	FlagUser

	// FlagGlobal marks a mapping that exists in every address space.
	FlagGlobal

	// FlagAccessed is set by the hart when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the hart when this page is modified.
	FlagDirty
)

// flagLeaf is the set of permission bits; an entry with none of them set
// points to the next level table.
const flagLeaf = FlagRead | FlagWrite | FlagExec
