package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

func execMove(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	dst, src := args[0], args[1]

	switch in.Op {
	case x86asm.LEA:
		mem, ok := src.(x86asm.Mem)
		if !ok {
			return FaultInvalidOpcode
		}
		return c.writeArg(dst, c.argWidth(dst), c.effectiveAddr(mem))
	case x86asm.MOV:
		v, srcWidth, fault := c.readArg(src)
		if fault != FaultNone {
			return fault
		}
		dstWidth := c.argWidth(dst)
		if _, isImm := src.(x86asm.Imm); isImm {
			srcWidth = dstWidth
		}
		return c.writeArg(dst, dstWidth, v&widthMask(minInt(srcWidth, dstWidth)))
	case x86asm.MOVZX:
		v, srcWidth, fault := c.readArg(src)
		if fault != FaultNone {
			return fault
		}
		return c.writeArg(dst, c.argWidth(dst), v&widthMask(srcWidth))
	case x86asm.MOVSX, x86asm.MOVSXD:
		v, srcWidth, fault := c.readArg(src)
		if fault != FaultNone {
			return fault
		}
		sext := uint64(signExtend(v, srcWidth))
		return c.writeArg(dst, c.argWidth(dst), sext)
	default:
		return execCMOV(c, in)
	}
}

func execCMOV(c *CPU, in *decoder.Instruction) Fault {
	cc, ok := cmovCondition(in.Op)
	if !ok {
		return FaultUnsupported
	}
	if !conditionHolds(cc, c) {
		return FaultNone
	}
	args := in.Raw.Args
	dst, src := args[0], args[1]
	v, _, fault := c.readArg(src)
	if fault != FaultNone {
		return fault
	}
	return c.writeArg(dst, c.argWidth(dst), v)
}

func cmovCondition(op x86asm.Op) (uint8, bool) {
	switch op {
	case x86asm.CMOVA:
		return ccA, true
	case x86asm.CMOVAE:
		return ccAE, true
	case x86asm.CMOVB:
		return ccB, true
	case x86asm.CMOVBE:
		return ccBE, true
	case x86asm.CMOVE:
		return ccE, true
	case x86asm.CMOVG:
		return ccG, true
	case x86asm.CMOVGE:
		return ccGE, true
	case x86asm.CMOVL:
		return ccL, true
	case x86asm.CMOVLE:
		return ccLE, true
	case x86asm.CMOVNE:
		return ccNE, true
	}
	return 0, false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
