// Package rvasm is a small RV64IM assembler used to build the user programs
// the kernel loads, such as the first process image.
package rvasm

import (
	"encoding/binary"
	"octox/kernel"
)

var (
	// ErrUndefinedLabel is returned when an instruction references a label
	// that was never defined.
	ErrUndefinedLabel = &kernel.Error{Module: "rvasm", Message: "undefined label"}

	// ErrDuplicateLabel is returned when a label is defined twice.
	ErrDuplicateLabel = &kernel.Error{Module: "rvasm", Message: "duplicate label"}

	// ErrImmRange is returned when an immediate or branch offset does not
	// fit its encoding.
	ErrImmRange = &kernel.Error{Module: "rvasm", Message: "immediate out of range"}
)

type encodeFn func(a *Assembler, pc uint64) (uint32, *kernel.Error)

// Assembler accumulates a text section followed by a data section. The
// program is linked at address 0.
type Assembler struct {
	text       []encodeFn
	data       []byte
	textLabels map[string]uint64
	dataLabels map[string]uint64
	err        *kernel.Error
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{
		textLabels: make(map[string]uint64),
		dataLabels: make(map[string]uint64),
	}
}

func (a *Assembler) defined(name string) bool {
	_, inText := a.textLabels[name]
	_, inData := a.dataLabels[name]
	return inText || inData
}

// Label binds name to the address of the next instruction.
func (a *Assembler) Label(name string) {
	if a.defined(name) {
		a.fail(ErrDuplicateLabel)
		return
	}
	a.textLabels[name] = uint64(len(a.text) * 4)
}

// Data appends b to the data section under label name.
func (a *Assembler) Data(name string, b []byte) {
	if a.defined(name) {
		a.fail(ErrDuplicateLabel)
		return
	}
	a.dataLabels[name] = uint64(len(a.data))
	a.data = append(a.data, b...)
}

// Emit appends a raw instruction word.
func (a *Assembler) Emit(inst uint32) {
	a.text = append(a.text, func(*Assembler, uint64) (uint32, *kernel.Error) { return inst, nil })
}

func (a *Assembler) fail(err *kernel.Error) {
	if a.err == nil {
		a.err = err
	}
}

// dataBase is the address of the data section. Only a program with data
// is padded to 8 bytes.
func (a *Assembler) dataBase() uint64 {
	end := uint64(len(a.text) * 4)
	if len(a.data) == 0 {
		return end
	}
	return (end + 7) &^ 7
}

// addr resolves a label to its linked address.
func (a *Assembler) addr(name string) (uint64, *kernel.Error) {
	if v, ok := a.textLabels[name]; ok {
		return v, nil
	}
	if v, ok := a.dataLabels[name]; ok {
		return a.dataBase() + v, nil
	}
	return 0, ErrUndefinedLabel
}

// Assemble links the program and returns its image: the text section
// followed by the 8-byte aligned data section.
func (a *Assembler) Assemble() ([]byte, *kernel.Error) {
	if a.err != nil {
		return nil, a.err
	}

	base := a.dataBase()
	image := make([]byte, base+uint64(len(a.data)))
	for i, fn := range a.text {
		inst, err := fn(a, uint64(i*4))
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(image[i*4:], inst)
	}
	copy(image[base:], a.data)
	return image, nil
}

func (a *Assembler) immI(op, funct3 uint32, rd, rs1 Reg, imm int64) {
	if !fitsSigned(imm, 12) {
		a.fail(ErrImmRange)
		return
	}
	a.Emit(EncodeI(op, funct3, rd, rs1, imm))
}

// Addi emits rd = rs1 + imm.
func (a *Assembler) Addi(rd, rs1 Reg, imm int64) { a.immI(OpImm, 0, rd, rs1, imm) }

// Addiw emits the 32-bit rd = rs1 + imm.
func (a *Assembler) Addiw(rd, rs1 Reg, imm int64) { a.immI(OpImm32, 0, rd, rs1, imm) }

// Andi emits rd = rs1 & imm.
func (a *Assembler) Andi(rd, rs1 Reg, imm int64) { a.immI(OpImm, 7, rd, rs1, imm) }

// Slli emits rd = rs1 << shamt.
func (a *Assembler) Slli(rd, rs1 Reg, shamt uint) {
	a.Emit(EncodeI(OpImm, 1, rd, rs1, int64(shamt&0x3f)))
}

// Mv emits rd = rs.
func (a *Assembler) Mv(rd, rs Reg) { a.Addi(rd, rs, 0) }

// Nop emits addi zero, zero, 0.
func (a *Assembler) Nop() { a.Addi(Zero, Zero, 0) }

// Lui emits rd = imm << 12.
func (a *Assembler) Lui(rd Reg, imm int64) {
	if !fitsSigned(imm, 20) {
		a.fail(ErrImmRange)
		return
	}
	a.Emit(EncodeU(OpLui, rd, imm<<12))
}

// Li loads a 32-bit signed constant into rd.
func (a *Assembler) Li(rd Reg, imm int64) {
	switch {
	case fitsSigned(imm, 12):
		a.Addi(rd, Zero, imm)
	case fitsSigned(imm, 32):
		hi := (imm + 0x800) >> 12
		lo := imm - hi<<12
		a.Emit(EncodeU(OpLui, rd, hi<<12))
		a.Addiw(rd, rd, lo)
	default:
		a.fail(ErrImmRange)
	}
}

// Add emits rd = rs1 + rs2.
func (a *Assembler) Add(rd, rs1, rs2 Reg) { a.Emit(EncodeR(OpReg, 0, 0, rd, rs1, rs2)) }

// Sub emits rd = rs1 - rs2.
func (a *Assembler) Sub(rd, rs1, rs2 Reg) { a.Emit(EncodeR(OpReg, 0, 0x20, rd, rs1, rs2)) }

// Mul emits rd = rs1 * rs2.
func (a *Assembler) Mul(rd, rs1, rs2 Reg) { a.Emit(EncodeR(OpReg, 0, 1, rd, rs1, rs2)) }

// Div emits the signed rd = rs1 / rs2.
func (a *Assembler) Div(rd, rs1, rs2 Reg) { a.Emit(EncodeR(OpReg, 4, 1, rd, rs1, rs2)) }

// Rem emits the signed rd = rs1 % rs2.
func (a *Assembler) Rem(rd, rs1, rs2 Reg) { a.Emit(EncodeR(OpReg, 6, 1, rd, rs1, rs2)) }

// Ld emits a 64-bit load.
func (a *Assembler) Ld(rd, rs1 Reg, off int64) { a.immI(OpLoad, 3, rd, rs1, off) }

// Lw emits a sign extending 32-bit load.
func (a *Assembler) Lw(rd, rs1 Reg, off int64) { a.immI(OpLoad, 2, rd, rs1, off) }

// Lbu emits a zero extending byte load.
func (a *Assembler) Lbu(rd, rs1 Reg, off int64) { a.immI(OpLoad, 4, rd, rs1, off) }

func (a *Assembler) store(funct3 uint32, rs2, rs1 Reg, off int64) {
	if !fitsSigned(off, 12) {
		a.fail(ErrImmRange)
		return
	}
	a.Emit(EncodeS(funct3, rs1, rs2, off))
}

// Sd emits a 64-bit store of rs2 to off(rs1).
func (a *Assembler) Sd(rs2, rs1 Reg, off int64) { a.store(3, rs2, rs1, off) }

// Sw emits a 32-bit store of rs2 to off(rs1).
func (a *Assembler) Sw(rs2, rs1 Reg, off int64) { a.store(2, rs2, rs1, off) }

// Sb emits a byte store of rs2 to off(rs1).
func (a *Assembler) Sb(rs2, rs1 Reg, off int64) { a.store(0, rs2, rs1, off) }

func (a *Assembler) branch(funct3 uint32, rs1, rs2 Reg, label string) {
	a.text = append(a.text, func(a *Assembler, pc uint64) (uint32, *kernel.Error) {
		target, err := a.addr(label)
		if err != nil {
			return 0, err
		}
		off := int64(target - pc)
		if !fitsSigned(off, 13) {
			return 0, ErrImmRange
		}
		return EncodeB(funct3, rs1, rs2, off), nil
	})
}

// Beq branches to label if rs1 == rs2.
func (a *Assembler) Beq(rs1, rs2 Reg, label string) { a.branch(0, rs1, rs2, label) }

// Bne branches to label if rs1 != rs2.
func (a *Assembler) Bne(rs1, rs2 Reg, label string) { a.branch(1, rs1, rs2, label) }

// Blt branches to label if rs1 < rs2 (signed).
func (a *Assembler) Blt(rs1, rs2 Reg, label string) { a.branch(4, rs1, rs2, label) }

// Bge branches to label if rs1 >= rs2 (signed).
func (a *Assembler) Bge(rs1, rs2 Reg, label string) { a.branch(5, rs1, rs2, label) }

// Bltu branches to label if rs1 < rs2 (unsigned).
func (a *Assembler) Bltu(rs1, rs2 Reg, label string) { a.branch(6, rs1, rs2, label) }

// Jal jumps to label storing the return address in rd.
func (a *Assembler) Jal(rd Reg, label string) {
	a.text = append(a.text, func(a *Assembler, pc uint64) (uint32, *kernel.Error) {
		target, err := a.addr(label)
		if err != nil {
			return 0, err
		}
		off := int64(target - pc)
		if !fitsSigned(off, 21) {
			return 0, ErrImmRange
		}
		return EncodeJ(rd, off), nil
	})
}

// J jumps to label.
func (a *Assembler) J(label string) { a.Jal(Zero, label) }

// Call jumps to label storing the return address in ra.
func (a *Assembler) Call(label string) { a.Jal(RA, label) }

// Jalr jumps to rs1+off storing the return address in rd.
func (a *Assembler) Jalr(rd, rs1 Reg, off int64) { a.immI(OpJalr, 0, rd, rs1, off) }

// Ret returns to ra.
func (a *Assembler) Ret() { a.Jalr(Zero, RA, 0) }

// La loads the address of label into rd with an auipc/addi pair.
func (a *Assembler) La(rd Reg, label string) {
	split := func(a *Assembler, auipcPC uint64) (int64, int64, *kernel.Error) {
		target, err := a.addr(label)
		if err != nil {
			return 0, 0, err
		}
		off := int64(target - auipcPC)
		hi := (off + 0x800) >> 12
		return hi, off - hi<<12, nil
	}

	a.text = append(a.text,
		func(a *Assembler, pc uint64) (uint32, *kernel.Error) {
			hi, _, err := split(a, pc)
			if err != nil {
				return 0, err
			}
			return EncodeU(OpAuipc, rd, hi<<12), nil
		},
		func(a *Assembler, pc uint64) (uint32, *kernel.Error) {
			_, lo, err := split(a, pc-4)
			if err != nil {
				return 0, err
			}
			return EncodeI(OpImm, 0, rd, rd, lo), nil
		},
	)
}

// Ecall emits an environment call.
func (a *Assembler) Ecall() { a.Emit(0x00000073) }

// Ebreak emits a breakpoint.
func (a *Assembler) Ebreak() { a.Emit(0x00100073) }

// Syscall loads num into a7 and issues ecall.
func (a *Assembler) Syscall(num int64) {
	a.Li(A7, num)
	a.Ecall()
}
