package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

func execCompare(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	dst, src := args[0], args[1]
	width := c.argWidth(dst)
	a, _, fault := c.readArg(dst)
	if fault != FaultNone {
		return fault
	}
	b, _, fault := c.readArg(src)
	if fault != FaultNone {
		return fault
	}
	c.subWithFlags(a, b, width) // CMP is SUB that discards its result
	return FaultNone
}

// execSetCC handles SETcc (SETE/SETNE/SETA/...): write 1 or 0 to an
// 8-bit destination depending on the same condition codes Jcc/CMOVcc
// consult, reusing jccCondition/conditionHolds rather than a third
// parallel flag-decode.
func execSetCC(c *CPU, in *decoder.Instruction) Fault {
	cc, ok := jccCondition(setccToJcc(in.Op))
	if !ok {
		return FaultUnsupported
	}
	v := uint64(0)
	if conditionHolds(cc, c) {
		v = 1
	}
	return c.writeArg(in.Raw.Args[0], 1, v)
}

// setccToJcc maps a SETcc opcode onto the equivalent Jcc opcode so
// jccCondition's existing table can be reused verbatim.
func setccToJcc(op x86asm.Op) x86asm.Op {
	switch op {
	case x86asm.SETA:
		return x86asm.JA
	case x86asm.SETAE:
		return x86asm.JAE
	case x86asm.SETB:
		return x86asm.JB
	case x86asm.SETBE:
		return x86asm.JBE
	case x86asm.SETE:
		return x86asm.JE
	case x86asm.SETG:
		return x86asm.JG
	case x86asm.SETGE:
		return x86asm.JGE
	case x86asm.SETL:
		return x86asm.JL
	case x86asm.SETLE:
		return x86asm.JLE
	case x86asm.SETNE:
		return x86asm.JNE
	case x86asm.SETNO:
		return x86asm.JNO
	case x86asm.SETNP:
		return x86asm.JNP
	case x86asm.SETNS:
		return x86asm.JNS
	case x86asm.SETO:
		return x86asm.JO
	case x86asm.SETP:
		return x86asm.JP
	case x86asm.SETS:
		return x86asm.JS
	}
	return 0
}
