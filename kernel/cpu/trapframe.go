package cpu

// Register indices into Trapframe.X using the RISC-V ABI names.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegT0   = 5
	RegS0   = 8
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)

// Trapframe holds the user register file of a process together with the
// kernel values the return-to-user path needs when the process traps again.
type Trapframe struct {
	// KernelSATP is the kernel page table restored on a user trap.
	KernelSATP uint64

	// KernelSP is the top of the process kernel stack.
	KernelSP uint64

	// EPC is the user program counter to resume at.
	EPC uint64

	// KernelHartID is the hart the process last returned to user mode on.
	KernelHartID uint64

	// X contains the general purpose registers x0-x31. X[0] always reads
	// as zero.
	X [32]uint64
}

// Reset clears all user visible state.
func (tf *Trapframe) Reset() {
	*tf = Trapframe{}
}
