package cpu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

// execExtend handles the no-operand sign-extension family CWDE/CDQE/CDQ/
// CQO. These widen AX/EAX/RAX into the next register (or into RDX/EDX as
// the high half), the mandatory setup glibc's codegen emits immediately
// before a signed IDIV to fill RDX:RAX/EDX:EAX with the dividend's sign.
func execExtend(c *CPU, in *decoder.Instruction) Fault {
	switch in.Op {
	case x86asm.CWDE:
		// AX (16-bit) sign-extended into EAX (32-bit); writing EAX
		// zero-extends the upper 32 bits of RAX per the architecture.
		c.writeReg(x86asm.EAX, uint64(int32(int16(c.readReg(x86asm.AX))))&0xffffffff)
	case x86asm.CDQE:
		// EAX (32-bit) sign-extended into RAX (64-bit).
		c.RAX = uint64(int64(int32(c.readReg(x86asm.EAX))))
	case x86asm.CDQ:
		// EAX's sign fills EDX (writing EDX zero-extends RDX's upper half).
		if int32(c.readReg(x86asm.EAX)) < 0 {
			c.writeReg(x86asm.EDX, 0xffffffff)
		} else {
			c.writeReg(x86asm.EDX, 0)
		}
	case x86asm.CQO:
		// RAX's sign fills all of RDX.
		if int64(c.RAX) < 0 {
			c.RDX = ^uint64(0)
		} else {
			c.RDX = 0
		}
	default:
		return FaultUnsupported
	}
	return FaultNone
}
