package cpu

import (
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

// execArith handles ADD/SUB/ADC/SBB/INC/DEC/NEG/(I)MUL/(I)DIV: read the
// operands, compute, write back to dst, set flags.
func execArith(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	switch in.Op {
	case x86asm.INC, x86asm.DEC:
		dst := args[0]
		width := c.argWidth(dst)
		v, _, fault := c.readArg(dst)
		if fault != FaultNone {
			return fault
		}
		savedCF := c.flag(FlagCF) // INC/DEC leave CF untouched per the architecture
		var result uint64
		if in.Op == x86asm.INC {
			result = c.addWithFlags(v, 1, width)
		} else {
			result = c.subWithFlags(v, 1, width)
		}
		c.setFlag(FlagCF, savedCF)
		return c.writeArg(dst, width, result)
	case x86asm.NEG:
		dst := args[0]
		width := c.argWidth(dst)
		v, _, fault := c.readArg(dst)
		if fault != FaultNone {
			return fault
		}
		result := c.subWithFlags(0, v, width)
		c.setFlag(FlagCF, v != 0)
		return c.writeArg(dst, width, result)
	case x86asm.ADD, x86asm.ADC:
		return binOp(c, args, func(a, b uint64, width int) uint64 {
			if in.Op == x86asm.ADC && c.flag(FlagCF) {
				b = (b + 1) & widthMask(width)
			}
			return c.addWithFlags(a, b, width)
		})
	case x86asm.SUB, x86asm.SBB:
		return binOp(c, args, func(a, b uint64, width int) uint64 {
			if in.Op == x86asm.SBB && c.flag(FlagCF) {
				b = (b + 1) & widthMask(width)
			}
			return c.subWithFlags(a, b, width)
		})
	case x86asm.IMUL:
		return execIMUL(c, in)
	case x86asm.MUL:
		return execMUL(c, in)
	case x86asm.IDIV, x86asm.DIV:
		return execDIV(c, in)
	}
	return FaultUnsupported
}

// binOp applies fn(dst, src) and writes the result back to dst, the shape
// shared by ADD/ADC/SUB/SBB.
func binOp(c *CPU, args x86asm.Args, fn func(a, b uint64, width int) uint64) Fault {
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
	result := fn(a, b, width)
	return c.writeArg(dst, width, result)
}

func execIMUL(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	switch {
	case args[2] != nil: // three-operand form: dst = src1 * imm
		width := c.argWidth(args[0])
		a, _, fault := c.readArg(args[1])
		if fault != FaultNone {
			return fault
		}
		b, _, fault := c.readArg(args[2])
		if fault != FaultNone {
			return fault
		}
		result := int64(signExtend(a, width)) * int64(signExtend(b, width))
		c.setFlag(FlagCF, result != int64(signExtend(uint64(result), width)))
		c.setFlag(FlagOF, c.flag(FlagCF))
		return c.writeArg(args[0], width, uint64(result)&widthMask(width))
	case args[1] != nil: // two-operand form: dst *= src
		width := c.argWidth(args[0])
		a, _, fault := c.readArg(args[0])
		if fault != FaultNone {
			return fault
		}
		b, _, fault := c.readArg(args[1])
		if fault != FaultNone {
			return fault
		}
		result := signExtend(a, width) * signExtend(b, width)
		c.setFlag(FlagCF, result != signExtend(uint64(result), width))
		c.setFlag(FlagOF, c.flag(FlagCF))
		return c.writeArg(args[0], width, uint64(result)&widthMask(width))
	default: // one-operand form: RDX:RAX = RAX * src
		width := c.argWidth(args[0])
		src, _, fault := c.readArg(args[0])
		if fault != FaultNone {
			return fault
		}
		a := signExtend(c.readReg(x86asm.RAX), width)
		b := signExtend(src, width)
		result := a * b
		c.writeReg(x86asm.RAX, uint64(result)&widthMask(width))
		writeWideResult(c, result, width)
		c.setFlag(FlagCF, result != signExtend(uint64(result), width))
		c.setFlag(FlagOF, c.flag(FlagCF))
		return FaultNone
	}
}

func writeWideResult(c *CPU, result int64, width int) {
	switch width {
	case 1:
		c.writeReg(x86asm.AX, uint64(result)&0xffff)
	case 2:
		c.RDX = (c.RDX &^ 0xffff) | ((uint64(result) >> 16) & 0xffff)
	case 4:
		c.RDX = uint64(result) >> 32 & 0xffffffff
	default:
		c.RDX = uint64(result >> 63) // sign fallback for the rare 128-bit case, upper half unused by VEX workloads
	}
}

func execMUL(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	width := c.argWidth(args[0])
	src, _, fault := c.readArg(args[0])
	if fault != FaultNone {
		return fault
	}
	a := c.readReg(x86asm.RAX) & widthMask(width)
	b := src & widthMask(width)
	result := a * b
	c.writeReg(x86asm.RAX, result&widthMask(width))
	switch width {
	case 1:
		c.writeReg(x86asm.AX, result&0xffff)
	case 2:
		c.RDX = (c.RDX &^ 0xffff) | ((result >> 16) & 0xffff)
	case 4:
		c.RDX = (result >> 32) & 0xffffffff
	default:
		hi, _ := bitsMulHi64(a, b)
		c.RDX = hi
	}
	overflow := result>>uint(width*8) != 0
	c.setFlag(FlagCF, overflow)
	c.setFlag(FlagOF, overflow)
	return FaultNone
}

func bitsMulHi64(a, b uint64) (hi, lo uint64) {
	const mask32 = 0xffffffff
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32
	lo = aLo * bLo
	mid1 := aHi * bLo
	mid2 := aLo * bHi
	carry := (lo>>32 + mid1&mask32 + mid2&mask32) >> 32
	hi = aHi*bHi + mid1>>32 + mid2>>32 + carry
	return hi, aLo*bLo + (mid1+mid2)<<32
}

func execDIV(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	width := c.argWidth(args[0])
	divisor, _, fault := c.readArg(args[0])
	if fault != FaultNone {
		return fault
	}
	if divisor&widthMask(width) == 0 {
		return FaultDivideByZero
	}
	if in.Op == x86asm.IDIV {
		return execIDIVSigned(c, width, divisor)
	}
	switch width {
	case 1:
		ax := c.readReg(x86asm.AX)
		q, r := ax/(divisor&0xff), ax%(divisor&0xff)
		c.writeReg(x86asm.AL, q&0xff)
		c.writeReg(x86asm.AH, r&0xff)
	case 2:
		dxax := c.RDX<<16&0xffffffff | c.readReg(x86asm.AX)&0xffff
		q, r := dxax/(divisor&0xffff), dxax%(divisor&0xffff)
		c.writeReg(x86asm.AX, q&0xffff)
		c.writeReg(x86asm.DX, r&0xffff)
	case 4:
		dxeax := (c.RDX&0xffffffff)<<32 | (c.readReg(x86asm.EAX) & 0xffffffff)
		q, r := dxeax/(divisor&0xffffffff), dxeax%(divisor&0xffffffff)
		c.writeReg(x86asm.EAX, q&0xffffffff)
		c.writeReg(x86asm.EDX, r&0xffffffff)
	default:
		// 128-bit-by-64-bit division: RDX:RAX / divisor, the real DIV
		// semantics rather than treating RDX as always 0. bits.Div64
		// panics on quotient overflow (hi >= divisor), which is exactly
		// the case the architecture itself raises #DE for, alongside a
		// zero divisor; both map to FaultDivideByZero here.
		if c.RDX >= divisor {
			return FaultDivideByZero
		}
		q, r := bits.Div64(c.RDX, c.RAX, divisor)
		c.RAX, c.RDX = q, r
	}
	return FaultNone
}

func execIDIVSigned(c *CPU, width int, divisorRaw uint64) Fault {
	divisor := signExtend(divisorRaw, width)
	switch width {
	case 1:
		ax := int64(int16(c.readReg(x86asm.AX)))
		q, r := ax/divisor, ax%divisor
		c.writeReg(x86asm.AL, uint64(q)&0xff)
		c.writeReg(x86asm.AH, uint64(r)&0xff)
	case 2:
		dxax := int64(int32(c.RDX)<<16 | int32(c.readReg(x86asm.AX)&0xffff))
		q, r := dxax/divisor, dxax%divisor
		c.writeReg(x86asm.AX, uint64(q)&0xffff)
		c.writeReg(x86asm.DX, uint64(r)&0xffff)
	case 4:
		dxeax := int64(c.RDX&0xffffffff)<<32 | int64(c.readReg(x86asm.EAX)&0xffffffff)
		q, r := dxeax/divisor, dxeax%divisor
		c.writeReg(x86asm.EAX, uint64(q)&0xffffffff)
		c.writeReg(x86asm.EDX, uint64(r)&0xffffffff)
	default:
		// Signed 128-bit-by-64-bit division: reduce to the unsigned
		// bits.Div64 case by taking absolute values of the RDX:RAX
		// dividend and the divisor, then reapplying signs (quotient
		// truncates toward zero, remainder takes the dividend's sign,
		// exactly as the architecture's IDIV defines it).
		hi, lo := c.RDX, c.RAX
		negDividend := int64(hi) < 0
		negDivisor := divisor < 0
		absHi, absLo := hi, lo
		if negDividend {
			absHi, absLo = neg128(hi, lo)
		}
		absDivisor := uint64(divisor)
		if negDivisor {
			absDivisor = uint64(-divisor)
		}
		if absHi >= absDivisor {
			return FaultDivideByZero
		}
		qAbs, rAbs := bits.Div64(absHi, absLo, absDivisor)
		q, r := int64(qAbs), int64(rAbs)
		if negDividend != negDivisor {
			q = -q
		}
		if negDividend {
			r = -r
		}
		c.RAX, c.RDX = uint64(q), uint64(r)
	}
	return FaultNone
}

// neg128 computes the two's-complement negation of a 128-bit value split
// into high/low 64-bit words.
func neg128(hi, lo uint64) (uint64, uint64) {
	lo2, borrow := bits.Sub64(0, lo, 0)
	hi2, _ := bits.Sub64(0, hi, borrow)
	return hi2, lo2
}

func signExtend(v uint64, width int) int64 {
	switch width {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}
