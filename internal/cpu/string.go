package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

// stringWidth returns the per-element width of a string instruction from
// its mnemonic suffix (B/W/D/Q), since x86asm's Op already encodes it.
func stringWidth(op x86asm.Op) int {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.CMPSB, x86asm.SCASB, x86asm.LODSB:
		return 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.CMPSW, x86asm.SCASW, x86asm.LODSW:
		return 2
	case x86asm.MOVSD, x86asm.STOSD, x86asm.CMPSD, x86asm.SCASD, x86asm.LODSD:
		return 4
	default:
		return 8
	}
}

// execString runs one REP-prefixed string instruction to completion
// (looping internally on RCX, rather than yielding between iterations) —
// VEX has no use for interrupting a REP mid-stream since it never delivers
// asynchronous signals to a running instruction.
func execString(c *CPU, in *decoder.Instruction) Fault {
	width := stringWidth(in.Op)
	step := int64(width)
	if c.flag(FlagDF) {
		step = -step
	}

	repeated := in.RepKind != 0
	iterations := uint64(1)
	if repeated {
		iterations = c.RCX
	}

	for i := uint64(0); i < iterations; i++ {
		if repeated && c.RCX == 0 {
			break
		}
		fault := c.stringStep(in.Op, width, step)
		if fault != FaultNone {
			return fault
		}
		if repeated {
			c.RCX--
			if in.Op == x86asm.CMPSB || in.Op == x86asm.CMPSW || in.Op == x86asm.CMPSD || in.Op == x86asm.CMPSQ ||
				in.Op == x86asm.SCASB || in.Op == x86asm.SCASW || in.Op == x86asm.SCASD || in.Op == x86asm.SCASQ {
				wantZF := in.RepKind == x86asm.PrefixREP
				if c.flag(FlagZF) != wantZF {
					break
				}
			}
		} else {
			break
		}
	}
	return FaultNone
}

func accumReg(width int) x86asm.Reg {
	switch width {
	case 1:
		return x86asm.AL
	case 2:
		return x86asm.AX
	case 4:
		return x86asm.EAX
	default:
		return x86asm.RAX
	}
}

func (c *CPU) stringStep(op x86asm.Op, width int, step int64) Fault {
	switch op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		v, fault := c.readMem(c.RSI, width)
		if fault != FaultNone {
			return fault
		}
		if fault := c.writeMem(c.RDI, width, v); fault != FaultNone {
			return fault
		}
		c.RSI = uint64(int64(c.RSI) + step)
		c.RDI = uint64(int64(c.RDI) + step)
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		if fault := c.writeMem(c.RDI, width, c.RAX&widthMask(width)); fault != FaultNone {
			return fault
		}
		c.RDI = uint64(int64(c.RDI) + step)
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		v, fault := c.readMem(c.RSI, width)
		if fault != FaultNone {
			return fault
		}
		c.writeReg(accumReg(width), v)
		c.RSI = uint64(int64(c.RSI) + step)
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
		a, fault := c.readMem(c.RSI, width)
		if fault != FaultNone {
			return fault
		}
		b, fault := c.readMem(c.RDI, width)
		if fault != FaultNone {
			return fault
		}
		c.subWithFlags(a, b, width)
		c.RSI = uint64(int64(c.RSI) + step)
		c.RDI = uint64(int64(c.RDI) + step)
	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		b, fault := c.readMem(c.RDI, width)
		if fault != FaultNone {
			return fault
		}
		c.subWithFlags(c.RAX&widthMask(width), b, width)
		c.RDI = uint64(int64(c.RDI) + step)
	default:
		return FaultUnsupported
	}
	return FaultNone
}
