package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

func execStack(c *CPU, in *decoder.Instruction) Fault {
	switch in.Op {
	case x86asm.PUSH:
		v, _, fault := c.readArg(in.Raw.Args[0])
		if fault != FaultNone {
			return fault
		}
		return c.push(v)
	case x86asm.POP:
		v, fault := c.pop()
		if fault != FaultNone {
			return fault
		}
		return c.writeArg(in.Raw.Args[0], 8, v)
	case x86asm.LEAVE:
		// LEAVE is "MOV RSP, RBP; POP RBP" — the standard frame teardown
		// that mirrors the ENTER/push-rbp;mov rbp,rsp prologue.
		c.RSP = c.RBP
		v, fault := c.pop()
		if fault != FaultNone {
			return fault
		}
		c.RBP = v
		return FaultNone
	}
	return FaultUnsupported
}

// push/pop always operate at 8-byte granularity in 64-bit mode (the
// operand-size override is not honored by real silicon for stack ops).
func (c *CPU) push(v uint64) Fault {
	c.RSP -= 8
	if err := c.Mem.Write64(c.RSP, v); err != nil {
		return FaultStackOverflow
	}
	return FaultNone
}

func (c *CPU) pop() (uint64, Fault) {
	v, err := c.Mem.Read64(c.RSP)
	if err != nil {
		return 0, FaultAddress
	}
	c.RSP += 8
	return v, FaultNone
}
