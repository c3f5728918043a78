package cpu

// Supervisor status register bits.
const (
	SstatusSIE  = uint64(1) << 1
	SstatusSPIE = uint64(1) << 5
	SstatusSPP  = uint64(1) << 8
)

// Supervisor interrupt enable/pending bits.
const (
	SieSSIE = uint64(1) << 1
	SieSTIE = uint64(1) << 5
	SieSEIE = uint64(1) << 9
)

// CauseInterrupt is set in scause when the trap was caused by an interrupt.
const CauseInterrupt = uint64(1) << 63

// Interrupt cause codes (scause with CauseInterrupt set).
const (
	IntSoftware = uint64(1)
	IntTimer    = uint64(5)
	IntExternal = uint64(9)
)

// Exception cause codes.
const (
	ExcInstMisaligned  = uint64(0)
	ExcInstAccess      = uint64(1)
	ExcIllegalInst     = uint64(2)
	ExcBreakpoint      = uint64(3)
	ExcLoadMisaligned  = uint64(4)
	ExcLoadAccess      = uint64(5)
	ExcStoreMisaligned = uint64(6)
	ExcStoreAccess     = uint64(7)
	ExcEcallUser       = uint64(8)
	ExcEcallSupervisor = uint64(9)
	ExcInstPageFault   = uint64(12)
	ExcLoadPageFault   = uint64(13)
	ExcStorePageFault  = uint64(15)
)

// satpSv39 selects the Sv39 translation mode in satp.
const satpSv39 = uint64(8) << 60

// MakeSATP returns the satp value that activates the page table whose root
// lives at physical address root.
func MakeSATP(root uint64) uint64 {
	return satpSv39 | (root >> 12)
}

// SATPRoot returns the physical address of the root table selected by satp.
func SATPRoot(satp uint64) uint64 {
	return (satp &^ satpSv39) << 12
}

// Access describes the kind of memory access performed by a hart.
type Access uint8

const (
	// AccessRead is a data load.
	AccessRead Access = iota

	// AccessWrite is a data store.
	AccessWrite

	// AccessExec is an instruction fetch.
	AccessExec
)
