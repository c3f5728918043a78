package cpu

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// AddressSpace resolves user virtual addresses for the instruction stream.
// UserBytes returns the n bytes backing va, all within one page, or false
// if the page is missing, not user accessible or lacks the permission
// required by access.
type AddressSpace interface {
	UserBytes(va, n uint64, access Access) ([]byte, bool)
}

// powerCheckInterval is the number of user instructions retired between
// checks of the power rail.
const powerCheckInterval = 1024

// Major opcodes of the RV64IM base ISA.
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opImm     = 0x13
	opAuipc   = 0x17
	opImm32   = 0x1b
	opStore   = 0x23
	opReg     = 0x33
	opLui     = 0x37
	opReg32   = 0x3b
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6f
	opSystem  = 0x73
)

const (
	instEcall  = 0x00000073
	instEbreak = 0x00100073
)

// trapInfo describes a synchronous exception raised by an instruction.
type trapInfo struct {
	cause, tval uint64
}

// EnterUser performs an sret to user mode and executes the user program
// described by tf in address space as, starting at sepc, until the next
// trap. On return scause, sepc and stval describe the trap and satp holds
// tf.KernelSATP again. Pending interrupts are always taken in user mode.
func (h *Hart) EnterUser(tf *Trapframe, as AddressSpace) {
	h.sret()

	pc := h.sepc
	for n := 0; ; n++ {
		if n%powerCheckInterval == 0 && h.power.IsOff() {
			goexitFn()
		}

		if cause, ok := h.pendingInterrupt(); ok {
			h.userTrap(tf, CauseInterrupt|cause, pc, 0)
			return
		}

		next, info, trapped := execute(tf, as, pc)
		tf.X[RegZero] = 0
		if trapped {
			h.userTrap(tf, info.cause, pc, info.tval)
			return
		}
		pc = next
	}
}

func (h *Hart) userTrap(tf *Trapframe, cause, epc, tval uint64) {
	h.trap(cause, epc, tval, false)
	h.satp = tf.KernelSATP
}

// execute runs the instruction at pc and returns the address of the next one.
func execute(tf *Trapframe, as AddressSpace, pc uint64) (uint64, trapInfo, bool) {
	if pc&3 != 0 {
		return 0, trapInfo{ExcInstMisaligned, pc}, true
	}
	raw, ok := as.UserBytes(pc, 4, AccessExec)
	if !ok {
		return 0, trapInfo{ExcInstPageFault, pc}, true
	}
	inst := binary.LittleEndian.Uint32(raw)
	illegal := trapInfo{ExcIllegalInst, uint64(inst)}

	// compressed encodings are not implemented
	if inst&3 != 3 {
		return 0, illegal, true
	}

	var (
		x      = &tf.X
		rd     = (inst >> 7) & 0x1f
		rs1    = (inst >> 15) & 0x1f
		rs2    = (inst >> 20) & 0x1f
		funct3 = (inst >> 12) & 7
		funct7 = inst >> 25
		next   = pc + 4
	)

	switch inst & 0x7f {
	case opLui:
		x[rd] = uint64(immU(inst))
	case opAuipc:
		x[rd] = pc + uint64(immU(inst))
	case opJal:
		target := pc + uint64(immJ(inst))
		if target&3 != 0 {
			return 0, trapInfo{ExcInstMisaligned, target}, true
		}
		x[rd] = next
		next = target
	case opJalr:
		if funct3 != 0 {
			return 0, illegal, true
		}
		target := (x[rs1] + uint64(immI(inst))) &^ 1
		if target&3 != 0 {
			return 0, trapInfo{ExcInstMisaligned, target}, true
		}
		x[rd] = next
		next = target
	case opBranch:
		var taken bool
		a, b := x[rs1], x[rs2]
		switch funct3 {
		case 0:
			taken = a == b
		case 1:
			taken = a != b
		case 4:
			taken = int64(a) < int64(b)
		case 5:
			taken = int64(a) >= int64(b)
		case 6:
			taken = a < b
		case 7:
			taken = a >= b
		default:
			return 0, illegal, true
		}
		if taken {
			target := pc + uint64(immB(inst))
			if target&3 != 0 {
				return 0, trapInfo{ExcInstMisaligned, target}, true
			}
			next = target
		}
	case opLoad:
		if funct3 == 7 {
			return 0, illegal, true
		}
		size := uint64(1) << (funct3 & 3)
		addr := x[rs1] + uint64(immI(inst))
		if addr&(size-1) != 0 {
			return 0, trapInfo{ExcLoadMisaligned, addr}, true
		}
		data, ok := as.UserBytes(addr, size, AccessRead)
		if !ok {
			return 0, trapInfo{ExcLoadPageFault, addr}, true
		}
		var v uint64
		switch funct3 {
		case 0:
			v = uint64(int64(int8(data[0])))
		case 1:
			v = uint64(int64(int16(binary.LittleEndian.Uint16(data))))
		case 2:
			v = uint64(int64(int32(binary.LittleEndian.Uint32(data))))
		case 3:
			v = binary.LittleEndian.Uint64(data)
		case 4:
			v = uint64(data[0])
		case 5:
			v = uint64(binary.LittleEndian.Uint16(data))
		case 6:
			v = uint64(binary.LittleEndian.Uint32(data))
		}
		x[rd] = v
	case opStore:
		if funct3 > 3 {
			return 0, illegal, true
		}
		size := uint64(1) << funct3
		addr := x[rs1] + uint64(immS(inst))
		if addr&(size-1) != 0 {
			return 0, trapInfo{ExcStoreMisaligned, addr}, true
		}
		data, ok := as.UserBytes(addr, size, AccessWrite)
		if !ok {
			return 0, trapInfo{ExcStorePageFault, addr}, true
		}
		v := x[rs2]
		switch funct3 {
		case 0:
			data[0] = byte(v)
		case 1:
			binary.LittleEndian.PutUint16(data, uint16(v))
		case 2:
			binary.LittleEndian.PutUint32(data, uint32(v))
		case 3:
			binary.LittleEndian.PutUint64(data, v)
		}
	case opImm:
		v, ok := aluImm(funct3, inst, x[rs1])
		if !ok {
			return 0, illegal, true
		}
		x[rd] = v
	case opImm32:
		v, ok := aluImm32(funct3, inst, x[rs1])
		if !ok {
			return 0, illegal, true
		}
		x[rd] = v
	case opReg:
		v, ok := alu(funct3, funct7, x[rs1], x[rs2])
		if !ok {
			return 0, illegal, true
		}
		x[rd] = v
	case opReg32:
		v, ok := alu32(funct3, funct7, x[rs1], x[rs2])
		if !ok {
			return 0, illegal, true
		}
		x[rd] = v
	case opMiscMem:
		// fence and fence.i have nothing to order on a single stream
	case opSystem:
		switch inst {
		case instEcall:
			return 0, trapInfo{ExcEcallUser, 0}, true
		case instEbreak:
			return 0, trapInfo{ExcBreakpoint, pc}, true
		}
		// CSR access and privileged instructions are not available in U-mode
		return 0, illegal, true
	default:
		return 0, illegal, true
	}

	return next, trapInfo{}, false
}

func immI(inst uint32) int64 {
	return int64(int32(inst) >> 20)
}

func immS(inst uint32) int64 {
	return int64(int32(inst)>>25)<<5 | int64((inst>>7)&0x1f)
}

func immB(inst uint32) int64 {
	return int64(int32(inst&0x80000000)>>19) |
		int64((inst>>20)&0x7e0) |
		int64((inst>>7)&0x1e) |
		int64((inst<<4)&0x800)
}

func immU(inst uint32) int64 {
	return int64(int32(inst & 0xfffff000))
}

func immJ(inst uint32) int64 {
	return int64(int32(inst&0x80000000)>>11) |
		int64(inst&0xff000) |
		int64((inst>>9)&0x800) |
		int64((inst>>20)&0x7fe)
}

func aluImm(funct3, inst uint32, a uint64) (uint64, bool) {
	imm := immI(inst)
	shamt := uint(inst>>20) & 0x3f
	switch funct3 {
	case 0:
		return a + uint64(imm), true
	case 1:
		if inst>>26 != 0 {
			return 0, false
		}
		return a << shamt, true
	case 2:
		return boolToReg(int64(a) < imm), true
	case 3:
		return boolToReg(a < uint64(imm)), true
	case 4:
		return a ^ uint64(imm), true
	case 5:
		switch inst >> 26 {
		case 0:
			return a >> shamt, true
		case 0x10:
			return uint64(int64(a) >> shamt), true
		}
		return 0, false
	case 6:
		return a | uint64(imm), true
	default:
		return a & uint64(imm), true
	}
}

func aluImm32(funct3, inst uint32, a uint64) (uint64, bool) {
	shamt := uint(inst>>20) & 0x1f
	switch funct3 {
	case 0:
		return sext32(uint32(a) + uint32(immI(inst))), true
	case 1:
		if inst>>25 != 0 {
			return 0, false
		}
		return sext32(uint32(a) << shamt), true
	case 5:
		switch inst >> 25 {
		case 0:
			return sext32(uint32(a) >> shamt), true
		case 0x20:
			return uint64(int64(int32(a) >> shamt)), true
		}
	}
	return 0, false
}

func alu(funct3, funct7 uint32, a, b uint64) (uint64, bool) {
	switch funct7 {
	case 0:
		switch funct3 {
		case 0:
			return a + b, true
		case 1:
			return a << (b & 0x3f), true
		case 2:
			return boolToReg(int64(a) < int64(b)), true
		case 3:
			return boolToReg(a < b), true
		case 4:
			return a ^ b, true
		case 5:
			return a >> (b & 0x3f), true
		case 6:
			return a | b, true
		default:
			return a & b, true
		}
	case 0x20:
		switch funct3 {
		case 0:
			return a - b, true
		case 5:
			return uint64(int64(a) >> (b & 0x3f)), true
		}
	case 1:
		return mulDiv(funct3, a, b), true
	}
	return 0, false
}

func alu32(funct3, funct7 uint32, a, b uint64) (uint64, bool) {
	wa, wb := uint32(a), uint32(b)
	switch funct7 {
	case 0:
		switch funct3 {
		case 0:
			return sext32(wa + wb), true
		case 1:
			return sext32(wa << (wb & 0x1f)), true
		case 5:
			return sext32(wa >> (wb & 0x1f)), true
		}
	case 0x20:
		switch funct3 {
		case 0:
			return sext32(wa - wb), true
		case 5:
			return uint64(int64(int32(wa) >> (wb & 0x1f))), true
		}
	case 1:
		switch funct3 {
		case 0:
			return sext32(wa * wb), true
		case 4:
			sa, sb := int32(wa), int32(wb)
			switch {
			case sb == 0:
				return math.MaxUint64, true
			case sa == math.MinInt32 && sb == -1:
				return uint64(int64(sa)), true
			}
			return uint64(int64(sa / sb)), true
		case 5:
			if wb == 0 {
				return math.MaxUint64, true
			}
			return sext32(wa / wb), true
		case 6:
			sa, sb := int32(wa), int32(wb)
			switch {
			case sb == 0:
				return uint64(int64(sa)), true
			case sa == math.MinInt32 && sb == -1:
				return 0, true
			}
			return uint64(int64(sa % sb)), true
		case 7:
			if wb == 0 {
				return sext32(wa), true
			}
			return sext32(wa % wb), true
		}
	}
	return 0, false
}

// mulDiv implements the M extension on 64-bit operands, including the
// architected results for division by zero and signed overflow.
func mulDiv(funct3 uint32, a, b uint64) uint64 {
	sa, sb := int64(a), int64(b)
	switch funct3 {
	case 0:
		return a * b
	case 1:
		hi, _ := bits.Mul64(a, b)
		if sa < 0 {
			hi -= b
		}
		if sb < 0 {
			hi -= a
		}
		return hi
	case 2:
		hi, _ := bits.Mul64(a, b)
		if sa < 0 {
			hi -= b
		}
		return hi
	case 3:
		hi, _ := bits.Mul64(a, b)
		return hi
	case 4:
		switch {
		case sb == 0:
			return math.MaxUint64
		case sa == math.MinInt64 && sb == -1:
			return a
		}
		return uint64(sa / sb)
	case 5:
		if b == 0 {
			return math.MaxUint64
		}
		return a / b
	case 6:
		switch {
		case sb == 0:
			return a
		case sa == math.MinInt64 && sb == -1:
			return 0
		}
		return uint64(sa % sb)
	default:
		if b == 0 {
			return a
		}
		return a % b
	}
}

func sext32(v uint32) uint64 {
	return uint64(int64(int32(v)))
}

func boolToReg(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
