package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

func execLogic(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	switch in.Op {
	case x86asm.NOT:
		dst := args[0]
		width := c.argWidth(dst)
		v, _, fault := c.readArg(dst)
		if fault != FaultNone {
			return fault
		}
		return c.writeArg(dst, width, (^v)&widthMask(width))
	case x86asm.TEST:
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
		c.setLogicFlags(a&b, width)
		return FaultNone
	case x86asm.AND:
		return binOp(c, args, func(a, b uint64, width int) uint64 {
			r := a & b & widthMask(width)
			c.setLogicFlags(r, width)
			return r
		})
	case x86asm.OR:
		return binOp(c, args, func(a, b uint64, width int) uint64 {
			r := (a | b) & widthMask(width)
			c.setLogicFlags(r, width)
			return r
		})
	case x86asm.XOR:
		return binOp(c, args, func(a, b uint64, width int) uint64 {
			r := (a ^ b) & widthMask(width)
			c.setLogicFlags(r, width)
			return r
		})
	}
	return FaultUnsupported
}
