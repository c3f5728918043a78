package trap

import (
	"octox/kernel/cpu"
	"octox/kernel/kfmt"
	"octox/kernel/proc"
)

// regNames holds the ABI names of x0-x31.
var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Frame is a snapshot of the supervisor trap registers of a hart.
type Frame struct {
	Hart    int
	Scause  uint64
	Sepc    uint64
	Stval   uint64
	Sstatus uint64
}

// frameOf captures the trap registers of h.
func frameOf(h *cpu.Hart) Frame {
	return Frame{
		Hart:    h.ID(),
		Scause:  h.Scause(),
		Sepc:    h.Sepc(),
		Stval:   h.Stval(),
		Sstatus: h.Sstatus(),
	}
}

// Print outputs a dump of the trap registers to the active console.
func (f *Frame) Print() {
	kfmt.Printf("hart %d\n", f.Hart)
	kfmt.Printf("scause  = %16x sepc  = %16x\n", f.Scause, f.Sepc)
	kfmt.Printf("stval   = %16x sstatus = %16x\n", f.Stval, f.Sstatus)
}

// printRegs outputs a dump of the user registers saved in tf.
func printRegs(tf *cpu.Trapframe) {
	for i := 0; i < len(tf.X); i += 2 {
		kfmt.Printf("%4s = %16x %4s = %16x\n", regNames[i], tf.X[i], regNames[i+1], tf.X[i+1])
	}
	kfmt.Printf(" epc = %16x\n", tf.EPC)
}

// dumpTrap prints everything known about an unexpected trap.
func dumpTrap(h *cpu.Hart, p *proc.Proc) {
	f := frameOf(h)
	f.Print()
	if p != nil {
		kfmt.Printf("pid %d (%s)\n", p.Pid(), p.Name())
		printRegs(p.Trapframe())
	}
}
