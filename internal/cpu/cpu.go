/*
   x86-64 integer/flags/control-flow interpreter.

   Copyright (c) 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   RICHARD CORNWELL BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

// Package cpu interprets decoded x86-64 instructions against a guest
// register file and an MMU-backed address space: a dispatch table built
// once at construction, one handler per instruction family, one
// Step() per retired instruction.
package cpu

import (
	"fmt"

	"github.com/n-stott/x64emulator-sub001/internal/decoder"
)

// Fault is the interruption code every handler returns, with FaultNone
// meaning "continue". A non-None Fault is fatal to the whole guest
// process, not just the faulting thread; there are no recoverable
// mid-instruction faults.
type Fault uint16

const (
	FaultNone Fault = iota
	FaultInvalidOpcode
	FaultProtection // MMU-denied access
	FaultAddress    // access outside any mapped region
	FaultDivideByZero
	FaultStackOverflow
	FaultUnsupported // decoded but not implemented by this interpreter
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultInvalidOpcode:
		return "invalid-opcode"
	case FaultProtection:
		return "protection"
	case FaultAddress:
		return "address"
	case FaultDivideByZero:
		return "divide-by-zero"
	case FaultStackOverflow:
		return "stack-overflow"
	case FaultUnsupported:
		return "unsupported"
	}
	return "unknown-fault"
}

// Flags bits, laid out exactly as RFLAGS.
const (
	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagAF = 1 << 4
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagTF = 1 << 8
	FlagIF = 1 << 9
	FlagDF = 1 << 10
	FlagOF = 1 << 11
)

// Regs is the integer register file.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	RFlags             uint64
	FSBase, GSBase     uint64
}

// Memory is the narrow interface the CPU needs from the MMU.
type Memory interface {
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, v uint8) error
	Write16(addr uint64, v uint16) error
	Write32(addr uint64, v uint32) error
	Write64(addr uint64, v uint64) error
	FetchCode(addr uint64, n int) ([]byte, error)
}

// Syscall is invoked when the interpreter decodes a SYSCALL instruction.
// It receives and returns through the register file directly, matching
// the real ABI (RAX holds the number on entry and the result on return).
type Syscall func(cpu *CPU) Fault

// CPU is one guest thread's integer execution state. FPState is carried
// opaquely across context switches and never interpreted by the integer
// dispatch table.
type CPU struct {
	Regs
	Mem       Memory
	Cache     *decoder.Cache
	FPState   []byte
	OnSyscall Syscall

	table [tableSize]handlerFn
	// curMemBytes is the memory-operand size of the instruction being
	// executed, latched by Step from the decoder so operand helpers read
	// and write memory at the width the opcode actually encodes.
	curMemBytes int
}

type handlerFn func(c *CPU, in *decoder.Instruction) Fault

const tableSize = int(decoder.KindExtend) + 1

// New creates a CPU with its dispatch table wired.
func New(mem Memory, cache *decoder.Cache) *CPU {
	c := &CPU{Mem: mem, Cache: cache}
	c.buildTable()
	return c
}

func (c *CPU) buildTable() {
	c.table[decoder.KindArith] = execArith
	c.table[decoder.KindLogic] = execLogic
	c.table[decoder.KindShift] = execShift
	c.table[decoder.KindMove] = execMove
	c.table[decoder.KindStack] = execStack
	c.table[decoder.KindCompare] = execCompare
	c.table[decoder.KindBranch] = execBranch
	c.table[decoder.KindCall] = execCall
	c.table[decoder.KindJump] = execJump
	c.table[decoder.KindReturn] = execReturn
	c.table[decoder.KindString] = execString
	c.table[decoder.KindAtomic] = execAtomic
	c.table[decoder.KindSyscall] = execSyscall
	c.table[decoder.KindNop] = execNop
	c.table[decoder.KindBitOp] = execBitOp
	c.table[decoder.KindByteSwap] = execByteSwap
	c.table[decoder.KindSetCC] = execSetCC
	c.table[decoder.KindExtend] = execExtend
	c.table[decoder.KindOther] = execUnsupported
}

// Step fetches, decodes, and executes exactly one instruction at RIP.
func (c *CPU) Step() Fault {
	in, err := c.Cache.Lookup(c.Mem, c.RIP)
	if err != nil {
		return FaultAddress
	}
	h := c.table[in.Kind]
	if h == nil {
		return FaultUnsupported
	}
	c.curMemBytes = in.Raw.MemBytes
	nextRIP := in.Addr + uint64(in.Len)
	fault := h(c, in)
	if fault != FaultNone {
		return fault
	}
	if c.RIP == in.Addr {
		// Handler did not itself redirect control flow (branch/call/jmp/ret
		// all set RIP themselves); fall through to the next instruction.
		c.RIP = nextRIP
	}
	return FaultNone
}

func (c *CPU) String() string {
	return fmt.Sprintf("cpu{rip=%#x rsp=%#x rflags=%#x}", c.RIP, c.RSP, c.RFlags)
}

// DumpState renders the register file and flags for a fault report.
func (c *CPU) DumpState() string {
	return fmt.Sprintf(
		"rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x\n"+
			"rsi=%#016x rdi=%#016x rbp=%#016x rsp=%#016x\n"+
			"r8 =%#016x r9 =%#016x r10=%#016x r11=%#016x\n"+
			"r12=%#016x r13=%#016x r14=%#016x r15=%#016x\n"+
			"rip=%#016x rflags=%#016x\n",
		c.RAX, c.RBX, c.RCX, c.RDX,
		c.RSI, c.RDI, c.RBP, c.RSP,
		c.R8, c.R9, c.R10, c.R11,
		c.R12, c.R13, c.R14, c.R15,
		c.RIP, c.RFlags)
}

func execNop(c *CPU, in *decoder.Instruction) Fault { return FaultNone }

func execUnsupported(c *CPU, in *decoder.Instruction) Fault { return FaultUnsupported }

func execSyscall(c *CPU, in *decoder.Instruction) Fault {
	if c.OnSyscall == nil {
		return FaultUnsupported
	}
	c.RIP = in.Addr + uint64(in.Len)
	// RCX/R11 are clobbered with the post-syscall RIP/RFLAGS per the real
	// SYSCALL/SYSRET ABI; VEX never returns to guest-visible ring
	// transitions so this is recorded for completeness, not relied upon.
	c.RCX = c.RIP
	c.R11 = c.RFlags
	return c.OnSyscall(c)
}
