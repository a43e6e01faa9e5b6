package cpu

import (
	"golang.org/x/arch/x86/x86asm"
)

// regPtr returns a pointer to the 64-bit backing field for a register,
// regardless of the access width requested (x86asm reports AL/AX/EAX/RAX
// as distinct Reg values referring to the same backing storage).
func (c *CPU) regPtr(r x86asm.Reg) *uint64 {
	switch baseReg(r) {
	case x86asm.RAX:
		return &c.RAX
	case x86asm.RBX:
		return &c.RBX
	case x86asm.RCX:
		return &c.RCX
	case x86asm.RDX:
		return &c.RDX
	case x86asm.RSI:
		return &c.RSI
	case x86asm.RDI:
		return &c.RDI
	case x86asm.RBP:
		return &c.RBP
	case x86asm.RSP:
		return &c.RSP
	case x86asm.R8:
		return &c.R8
	case x86asm.R9:
		return &c.R9
	case x86asm.R10:
		return &c.R10
	case x86asm.R11:
		return &c.R11
	case x86asm.R12:
		return &c.R12
	case x86asm.R13:
		return &c.R13
	case x86asm.R14:
		return &c.R14
	case x86asm.R15:
		return &c.R15
	}
	return nil
}

// baseReg maps any sub-register (AL, AX, EAX) to its 64-bit parent.
func baseReg(r x86asm.Reg) x86asm.Reg {
	switch r {
	case x86asm.AL, x86asm.AH, x86asm.AX, x86asm.EAX, x86asm.RAX:
		return x86asm.RAX
	case x86asm.CL, x86asm.CH, x86asm.CX, x86asm.ECX, x86asm.RCX:
		return x86asm.RCX
	case x86asm.DL, x86asm.DH, x86asm.DX, x86asm.EDX, x86asm.RDX:
		return x86asm.RDX
	case x86asm.BL, x86asm.BH, x86asm.BX, x86asm.EBX, x86asm.RBX:
		return x86asm.RBX
	case x86asm.SPB, x86asm.SP, x86asm.ESP, x86asm.RSP:
		return x86asm.RSP
	case x86asm.BPB, x86asm.BP, x86asm.EBP, x86asm.RBP:
		return x86asm.RBP
	case x86asm.SIB, x86asm.SI, x86asm.ESI, x86asm.RSI:
		return x86asm.RSI
	case x86asm.DIB, x86asm.DI, x86asm.EDI, x86asm.RDI:
		return x86asm.RDI
	case x86asm.R8B, x86asm.R8W, x86asm.R8L, x86asm.R8:
		return x86asm.R8
	case x86asm.R9B, x86asm.R9W, x86asm.R9L, x86asm.R9:
		return x86asm.R9
	case x86asm.R10B, x86asm.R10W, x86asm.R10L, x86asm.R10:
		return x86asm.R10
	case x86asm.R11B, x86asm.R11W, x86asm.R11L, x86asm.R11:
		return x86asm.R11
	case x86asm.R12B, x86asm.R12W, x86asm.R12L, x86asm.R12:
		return x86asm.R12
	case x86asm.R13B, x86asm.R13W, x86asm.R13L, x86asm.R13:
		return x86asm.R13
	case x86asm.R14B, x86asm.R14W, x86asm.R14L, x86asm.R14:
		return x86asm.R14
	case x86asm.R15B, x86asm.R15W, x86asm.R15L, x86asm.R15:
		return x86asm.R15
	}
	return r
}

// regWidth returns the access width in bytes implied by an x86asm.Reg.
func regWidth(r x86asm.Reg) int {
	switch r {
	case x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL, x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH,
		x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB,
		x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B, x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B:
		return 1
	case x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX, x86asm.SP, x86asm.BP, x86asm.SI, x86asm.DI,
		x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W, x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W:
		return 2
	case x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX, x86asm.ESP, x86asm.EBP, x86asm.ESI, x86asm.EDI,
		x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L, x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L:
		return 4
	default:
		return 8
	}
}

// readReg reads a register at its natural width, zero-extended into a
// uint64 (matching x86-64's implicit zero-extension on 32-bit writes).
func (c *CPU) readReg(r x86asm.Reg) uint64 {
	p := c.regPtr(r)
	if p == nil {
		return 0
	}
	switch regWidth(r) {
	case 1:
		if isHighByte(r) {
			return (*p >> 8) & 0xff
		}
		return *p & 0xff
	case 2:
		return *p & 0xffff
	case 4:
		return *p & 0xffffffff
	default:
		return *p
	}
}

func isHighByte(r x86asm.Reg) bool {
	switch r {
	case x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH:
		return true
	}
	return false
}

// writeReg writes v into r at its natural width. 32-bit writes zero-extend
// to 64 bits per the x86-64 architectural rule; 8/16-bit writes preserve
// the untouched upper bits, matching real silicon.
func (c *CPU) writeReg(r x86asm.Reg, v uint64) {
	p := c.regPtr(r)
	if p == nil {
		return
	}
	switch regWidth(r) {
	case 1:
		if isHighByte(r) {
			*p = (*p &^ 0xff00) | ((v & 0xff) << 8)
		} else {
			*p = (*p &^ 0xff) | (v & 0xff)
		}
	case 2:
		*p = (*p &^ 0xffff) | (v & 0xffff)
	case 4:
		*p = v & 0xffffffff
	default:
		*p = v
	}
}

// effectiveAddr computes the linear address of a Mem operand. Only the
// FS/GS segments contribute a base in long mode; the rest are zero.
func (c *CPU) effectiveAddr(m x86asm.Mem) uint64 {
	addr := uint64(int64(m.Disp))
	if m.Base != 0 {
		addr += c.readReg(m.Base)
	}
	if m.Index != 0 {
		addr += c.readReg(m.Index) * uint64(m.Scale)
	}
	switch m.Segment {
	case x86asm.FS:
		addr += c.FSBase
	case x86asm.GS:
		addr += c.GSBase
	}
	return addr
}

func widthMask(width int) uint64 {
	switch width {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}

// readArg reads an operand (Reg, Mem, or Imm) and its width in bytes.
func (c *CPU) readArg(a x86asm.Arg) (uint64, int, Fault) {
	switch v := a.(type) {
	case x86asm.Reg:
		return c.readReg(v), regWidth(v), FaultNone
	case x86asm.Imm:
		return uint64(int64(v)), 8, FaultNone
	case x86asm.Mem:
		w := c.memOperandWidth()
		addr := c.effectiveAddr(v)
		val, fault := c.readMem(addr, w)
		return val, w, fault
	}
	return 0, 0, FaultUnsupported
}

// memOperandWidth is the size of the current instruction's memory operand,
// taken from the decoder (x86asm's MemBytes), falling back to 8 for the
// rare instruction that touches memory without declaring a size.
func (c *CPU) memOperandWidth() int {
	if c.curMemBytes > 0 {
		return c.curMemBytes
	}
	return 8
}

func (c *CPU) readMem(addr uint64, width int) (uint64, Fault) {
	switch width {
	case 1:
		v, err := c.Mem.Read8(addr)
		if err != nil {
			return 0, FaultAddress
		}
		return uint64(v), FaultNone
	case 2:
		v, err := c.Mem.Read16(addr)
		if err != nil {
			return 0, FaultAddress
		}
		return uint64(v), FaultNone
	case 4:
		v, err := c.Mem.Read32(addr)
		if err != nil {
			return 0, FaultAddress
		}
		return uint64(v), FaultNone
	default:
		v, err := c.Mem.Read64(addr)
		if err != nil {
			return 0, FaultAddress
		}
		return v, FaultNone
	}
}

func (c *CPU) writeMem(addr uint64, width int, v uint64) Fault {
	var err error
	switch width {
	case 1:
		err = c.Mem.Write8(addr, uint8(v))
	case 2:
		err = c.Mem.Write16(addr, uint16(v))
	case 4:
		err = c.Mem.Write32(addr, uint32(v))
	default:
		err = c.Mem.Write64(addr, v)
	}
	if err != nil {
		return FaultAddress
	}
	return FaultNone
}

// writeArg writes v (already masked to the right width by the caller) back
// to a Reg or Mem destination operand.
func (c *CPU) writeArg(a x86asm.Arg, width int, v uint64) Fault {
	switch d := a.(type) {
	case x86asm.Reg:
		c.writeReg(d, v)
		return FaultNone
	case x86asm.Mem:
		return c.writeMem(c.effectiveAddr(d), width, v)
	}
	return FaultUnsupported
}

// argWidth returns the natural width of an operand in bytes: the register
// width for a Reg, the decoded memory-operand size for a Mem.
func (c *CPU) argWidth(a x86asm.Arg) int {
	if r, ok := a.(x86asm.Reg); ok {
		return regWidth(r)
	}
	if _, ok := a.(x86asm.Mem); ok {
		return c.memOperandWidth()
	}
	return 8
}
