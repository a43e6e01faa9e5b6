package cpu

import (
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

// execBitOp handles POPCNT/BSF/BSR/BT/BTC/BTR/BTS. math/bits backs the
// population-count and trailing/leading-zero primitives, the idiomatic Go
// replacement for the hand-rolled bit-scan loops a C-derived interpreter
// would otherwise write out longhand.
func execBitOp(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	switch in.Op {
	case x86asm.POPCNT:
		src := args[1]
		width := c.argWidth(src)
		v, _, fault := c.readArg(src)
		if fault != FaultNone {
			return fault
		}
		count := bits.OnesCount64(v & widthMask(width))
		c.RFlags &^= FlagCF | FlagPF | FlagAF | FlagSF | FlagOF
		c.setFlag(FlagZF, count == 0)
		return c.writeArg(args[0], width, uint64(count))
	case x86asm.BSF:
		src := args[1]
		width := c.argWidth(src)
		v, _, fault := c.readArg(src)
		if fault != FaultNone {
			return fault
		}
		masked := v & widthMask(width)
		if masked == 0 {
			c.setFlag(FlagZF, true)
			return FaultNone
		}
		c.setFlag(FlagZF, false)
		return c.writeArg(args[0], width, uint64(bits.TrailingZeros64(masked)))
	case x86asm.BSR:
		src := args[1]
		width := c.argWidth(src)
		v, _, fault := c.readArg(src)
		if fault != FaultNone {
			return fault
		}
		masked := v & widthMask(width)
		if masked == 0 {
			c.setFlag(FlagZF, true)
			return FaultNone
		}
		c.setFlag(FlagZF, false)
		return c.writeArg(args[0], width, uint64(63-bits.LeadingZeros64(masked)))
	case x86asm.TZCNT:
		src := args[1]
		width := c.argWidth(src)
		v, _, fault := c.readArg(src)
		if fault != FaultNone {
			return fault
		}
		masked := v & widthMask(width)
		count := bits.TrailingZeros64(masked)
		if masked == 0 {
			count = width * 8
		}
		c.setFlag(FlagCF, masked == 0)
		c.setFlag(FlagZF, count == 0)
		return c.writeArg(args[0], width, uint64(count))
	case x86asm.BT, x86asm.BTC, x86asm.BTR, x86asm.BTS:
		return execBitTest(c, in)
	}
	return FaultUnsupported
}

func execBitTest(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	dst, idx := args[0], args[1]
	width := c.argWidth(dst)
	v, _, fault := c.readArg(dst)
	if fault != FaultNone {
		return fault
	}
	n, _, fault := c.readArg(idx)
	if fault != FaultNone {
		return fault
	}
	bit := uint(n) % uint(width*8)
	c.setFlag(FlagCF, (v>>bit)&1 != 0)

	switch in.Op {
	case x86asm.BT:
		return FaultNone
	case x86asm.BTC:
		return c.writeArg(dst, width, v^(1<<bit))
	case x86asm.BTR:
		return c.writeArg(dst, width, v&^(1<<bit))
	case x86asm.BTS:
		return c.writeArg(dst, width, v|(1<<bit))
	}
	return FaultUnsupported
}
