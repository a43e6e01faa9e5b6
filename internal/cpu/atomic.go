package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

// execAtomic handles XCHG/XADD/CMPXCHG. Since VEX runs one host goroutine
// at a time per process, the LOCK prefix needs no real memory fence: the
// atomicity the guest is relying on already holds by construction. It is
// still decoded and threaded through (in.Lock) so a future SMP-accurate
// scheduler has somewhere to add real synchronization.
func execAtomic(c *CPU, in *decoder.Instruction) Fault {
	args := in.Raw.Args
	switch in.Op {
	case x86asm.XCHG:
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
		if fault := c.writeArg(dst, width, b); fault != FaultNone {
			return fault
		}
		return c.writeArg(src, width, a)
	case x86asm.XADD:
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
		sum := c.addWithFlags(a, b, width)
		if fault := c.writeArg(src, width, a); fault != FaultNone {
			return fault
		}
		return c.writeArg(dst, width, sum)
	case x86asm.CMPXCHG:
		dst, src := args[0], args[1]
		width := c.argWidth(dst)
		cur, _, fault := c.readArg(dst)
		if fault != FaultNone {
			return fault
		}
		acc := c.RAX & widthMask(width)
		c.subWithFlags(acc, cur, width)
		if acc == cur {
			v, _, fault := c.readArg(src)
			if fault != FaultNone {
				return fault
			}
			return c.writeArg(dst, width, v)
		}
		c.writeReg(accumReg(width), cur)
		return FaultNone
	}
	return FaultUnsupported
}
