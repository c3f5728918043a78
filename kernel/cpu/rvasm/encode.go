package rvasm

// Reg is a RISC-V integer register number.
type Reg uint32

// Integer registers by ABI name.
const (
	Zero Reg = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// Major opcodes.
const (
	OpLoad   = 0x03
	OpImm    = 0x13
	OpAuipc  = 0x17
	OpImm32  = 0x1b
	OpStore  = 0x23
	OpReg    = 0x33
	OpLui    = 0x37
	OpReg32  = 0x3b
	OpBranch = 0x63
	OpJalr   = 0x67
	OpJal    = 0x6f
	OpSystem = 0x73
)

// EncodeR encodes a register-register instruction.
func EncodeR(op, funct3, funct7 uint32, rd, rs1, rs2 Reg) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | op
}

// EncodeI encodes an instruction with a 12-bit signed immediate.
func EncodeI(op, funct3 uint32, rd, rs1 Reg, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | op
}

// EncodeS encodes a store.
func EncodeS(funct3 uint32, rs1, rs2 Reg, imm int64) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | (u&0x1f)<<7 | OpStore
}

// EncodeB encodes a conditional branch to the pc relative offset imm.
func EncodeB(funct3 uint32, rs1, rs2 Reg, imm int64) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | OpBranch
}

// EncodeU encodes lui or auipc. imm holds the upper 20 bits in place.
func EncodeU(op uint32, rd Reg, imm int64) uint32 {
	return uint32(imm)&0xfffff000 | uint32(rd)<<7 | op
}

// EncodeJ encodes jal with the pc relative offset imm.
func EncodeJ(rd Reg, imm int64) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | uint32(rd)<<7 | OpJal
}

func fitsSigned(v int64, width uint) bool {
	limit := int64(1) << (width - 1)
	return v >= -limit && v < limit
}
