package proc

const (
	// NProc is the number of slots in the process table.
	NProc = 64

	// NCPU is the maximum number of harts the kernel manages.
	NCPU = 8
)
