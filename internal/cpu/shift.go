package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

// execShift handles SHL/SHR/SAR/ROL/ROR/SHLD/SHRD, all of which share the
// "dst, count" (or "dst, src, count" for the double-precision shifts)
// shape where count is either an immediate, CL, or implicitly 1. The
// through-carry rotates RCL/RCR are not implemented; fall through to
// FaultUnsupported like any other undecoded opcode.
func execShift(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	if in.Op == x86asm.SHLD || in.Op == x86asm.SHRD {
		return execDoubleShift(c, in)
	}
	dst := args[0]
	width := c.argWidth(dst)
	v, _, fault := c.readArg(dst)
	if fault != FaultNone {
		return fault
	}
	count := uint(1)
	if args[1] != nil {
		cnt, _, fault := c.readArg(args[1])
		if fault != FaultNone {
			return fault
		}
		count = uint(cnt) & uint(shiftCountMask(width))
	}
	if count == 0 {
		return FaultNone
	}

	bitsW := uint(width * 8)
	var result uint64
	switch in.Op {
	case x86asm.SHL:
		result = (v << count) & widthMask(width)
		if count <= bitsW {
			c.setFlag(FlagCF, (v>>(bitsW-count))&1 != 0)
		}
	case x86asm.SHR:
		result = (v & widthMask(width)) >> count
		c.setFlag(FlagCF, (v>>(count-1))&1 != 0)
	case x86asm.SAR:
		signed := signExtend(v, width)
		result = uint64(signed>>count) & widthMask(width)
		c.setFlag(FlagCF, (v>>(count-1))&1 != 0)
	case x86asm.ROL:
		result = rotateLeft(v&widthMask(width), count, bitsW)
		c.setFlag(FlagCF, result&1 != 0)
	case x86asm.ROR:
		result = rotateRight(v&widthMask(width), count, bitsW)
		c.setFlag(FlagCF, (result>>(bitsW-1))&1 != 0)
	default:
		return FaultUnsupported
	}
	c.setZSP(result, width)
	return c.writeArg(dst, width, result)
}

// execDoubleShift handles SHLD/SHRD dst, src, count: dst is shifted by
// count bits, with the vacated bits filled in from src rather than with
// zeros, the double-precision shift glibc's bignum/memmove-family code
// uses to shift a value across a register boundary.
func execDoubleShift(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	dst, src, cnt := args[0], args[1], args[2]
	width := c.argWidth(dst)
	v, _, fault := c.readArg(dst)
	if fault != FaultNone {
		return fault
	}
	s, _, fault := c.readArg(src)
	if fault != FaultNone {
		return fault
	}
	count, _, fault := c.readArg(cnt)
	if fault != FaultNone {
		return fault
	}
	bitsW := uint(width * 8)
	n := uint(count) & uint(shiftCountMask(width))
	if n == 0 {
		return FaultNone
	}
	v &= widthMask(width)
	s &= widthMask(width)

	var result uint64
	var carry bool
	if in.Op == x86asm.SHLD {
		result = (v << n) & widthMask(width)
		if n < bitsW {
			result |= s >> (bitsW - n)
			carry = (v>>(bitsW-n))&1 != 0
		}
	} else {
		result = v >> n
		if n < bitsW {
			result |= (s << (bitsW - n)) & widthMask(width)
		}
		carry = (v>>(n-1))&1 != 0
	}
	result &= widthMask(width)
	c.setFlag(FlagCF, carry)
	c.setZSP(result, width)
	return c.writeArg(dst, width, result)
}

func shiftCountMask(width int) uint64 {
	if width == 8 {
		return 0x3f
	}
	return 0x1f
}

func rotateLeft(v uint64, count, bitsW uint) uint64 {
	count %= bitsW
	mask := uint64(1)<<bitsW - 1
	v &= mask
	if count == 0 {
		return v
	}
	return ((v << count) | (v >> (bitsW - count))) & mask
}

func rotateRight(v uint64, count, bitsW uint) uint64 {
	count %= bitsW
	if count == 0 {
		return v & (uint64(1)<<bitsW - 1)
	}
	return rotateLeft(v, bitsW-count, bitsW)
}
