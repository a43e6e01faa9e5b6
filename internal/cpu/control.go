package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

func execBranch(c *CPU, in *decoder.Instruction) Fault {
	cc, ok := jccCondition(in.Op)
	if !ok {
		return FaultUnsupported
	}
	if !conditionHolds(cc, c) {
		return FaultNone
	}
	target, fault := c.branchTarget(in)
	if fault != FaultNone {
		return fault
	}
	c.RIP = target
	return FaultNone
}

func jccCondition(op x86asm.Op) (uint8, bool) {
	switch op {
	case x86asm.JA:
		return ccA, true
	case x86asm.JAE:
		return ccAE, true
	case x86asm.JB:
		return ccB, true
	case x86asm.JBE:
		return ccBE, true
	case x86asm.JE:
		return ccE, true
	case x86asm.JG:
		return ccG, true
	case x86asm.JGE:
		return ccGE, true
	case x86asm.JL:
		return ccL, true
	case x86asm.JLE:
		return ccLE, true
	case x86asm.JNE:
		return ccNE, true
	case x86asm.JNO:
		return ccNO, true
	case x86asm.JNS:
		return ccNS, true
	case x86asm.JO:
		return ccO, true
	case x86asm.JP:
		return ccP, true
	case x86asm.JNP:
		return ccNP, true
	case x86asm.JS:
		return ccS, true
	}
	return 0, false
}

// branchTarget resolves a CALL/JMP/Jcc's target, reading the decoder's
// cached target for direct branches and evaluating the operand for
// indirect ones (register or memory).
func (c *CPU) branchTarget(in *decoder.Instruction) (uint64, Fault) {
	if t, ok := c.Cache.JumpTarget(in.Addr); ok {
		return t, FaultNone
	}
	if t, ok := c.Cache.CallTarget(in.Addr); ok {
		return t, FaultNone
	}
	if rel, ok := in.Raw.Args[0].(x86asm.Rel); ok {
		// direct branch decoded outside a cached section
		return uint64(int64(in.Addr) + int64(in.Len) + int64(rel)), FaultNone
	}
	v, _, fault := c.readArg(in.Raw.Args[0])
	if fault != FaultNone {
		return 0, fault
	}
	return v, FaultNone
}

func execCall(c *CPU, in *decoder.Instruction) Fault {
	target, fault := c.branchTarget(in)
	if fault != FaultNone {
		return fault
	}
	if fault := c.push(in.Addr + uint64(in.Len)); fault != FaultNone {
		return fault
	}
	c.RIP = target
	return FaultNone
}

func execJump(c *CPU, in *decoder.Instruction) Fault {
	target, fault := c.branchTarget(in)
	if fault != FaultNone {
		return fault
	}
	c.RIP = target
	return FaultNone
}

func execReturn(c *CPU, in *decoder.Instruction) Fault {
	v, fault := c.pop()
	if fault != FaultNone {
		return fault
	}
	if len(in.Raw.Args) > 0 && in.Raw.Args[0] != nil {
		imm, _, fault := c.readArg(in.Raw.Args[0])
		if fault != FaultNone {
			return fault
		}
		c.RSP += imm
	}
	c.RIP = v
	return FaultNone
}
