package cpu

import (
	"math/bits"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

// execByteSwap handles BSWAP, reversing byte order within the operand's
// 32- or 64-bit width (BSWAP has no 16-bit encoding).
func execByteSwap(c *CPU, in *decoder.Instruction) Fault {
	dst := in.Raw.Args[0]
	width := c.argWidth(dst)
	v, _, fault := c.readArg(dst)
	if fault != FaultNone {
		return fault
	}
	var swapped uint64
	if width == 4 {
		swapped = uint64(bits.ReverseBytes32(uint32(v)))
	} else {
		swapped = bits.ReverseBytes64(v)
	}
	return c.writeArg(dst, width, swapped&widthMask(width))
}
