/*
   x86-64 instruction decoder

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

// Package decoder turns raw guest instruction bytes into a small tagged-union
// Instruction, caching decode results the way a disassembler caches format
// strings instead of re-parsing the same address twice.
package decoder

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Kind tags the handful of instruction shapes the CPU actually switches on.
// Everything x86asm can decode maps onto one of these; operands the CPU
// doesn't interpret (SSE/x87) stay opaque inside Raw.
type Kind int

const (
	KindOther Kind = iota
	KindArith
	KindLogic
	KindShift
	KindMove
	KindStack
	KindCompare
	KindBranch
	KindCall
	KindJump
	KindReturn
	KindString
	KindAtomic
	KindSyscall
	KindNop
	KindBitOp
	KindByteSwap
	KindSetCC
	KindExtend
)

// Instruction is the decoded record the CPU dispatch table consumes. It is
// built once per address and cached; callers never see an x86asm.Inst.
type Instruction struct {
	Addr    uint64
	Len     int
	Kind    Kind
	Op      x86asm.Op
	Raw     x86asm.Inst
	Lock    bool // LOCK prefix present
	RepKind x86asm.Prefix
}

func classify(inst x86asm.Inst) Kind {
	switch inst.Op {
	case x86asm.ADD, x86asm.SUB, x86asm.ADC, x86asm.SBB, x86asm.INC, x86asm.DEC,
		x86asm.IMUL, x86asm.MUL, x86asm.IDIV, x86asm.DIV, x86asm.NEG:
		return KindArith
	case x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.NOT, x86asm.TEST:
		return KindLogic
	case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR, x86asm.RCL, x86asm.RCR,
		x86asm.SHLD, x86asm.SHRD:
		return KindShift
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD, x86asm.LEA,
		x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE, x86asm.CMOVE,
		x86asm.CMOVG, x86asm.CMOVGE, x86asm.CMOVL, x86asm.CMOVLE, x86asm.CMOVNE:
		return KindMove
	case x86asm.PUSH, x86asm.POP, x86asm.LEAVE:
		return KindStack
	case x86asm.CMP:
		return KindCompare
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ:
		return KindBranch
	case x86asm.CALL:
		return KindCall
	case x86asm.JMP:
		return KindJump
	case x86asm.RET:
		return KindReturn
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		return KindString
	case x86asm.XCHG, x86asm.CMPXCHG, x86asm.CMPXCHG8B, x86asm.CMPXCHG16B,
		x86asm.XADD:
		return KindAtomic
	case x86asm.SYSCALL:
		return KindSyscall
	case x86asm.NOP:
		return KindNop
	case x86asm.POPCNT, x86asm.BSF, x86asm.BSR, x86asm.BT, x86asm.BTC,
		x86asm.BTR, x86asm.BTS, x86asm.TZCNT:
		return KindBitOp
	case x86asm.BSWAP:
		return KindByteSwap
	case x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE, x86asm.SETE,
		x86asm.SETG, x86asm.SETGE, x86asm.SETL, x86asm.SETLE, x86asm.SETNE,
		x86asm.SETNO, x86asm.SETNP, x86asm.SETNS, x86asm.SETO, x86asm.SETP,
		x86asm.SETS:
		return KindSetCC
	case x86asm.CWDE, x86asm.CDQE, x86asm.CDQ, x86asm.CQO:
		return KindExtend
	default:
		return KindOther
	}
}

// Decode parses one instruction from raw bytes starting at addr. raw must
// contain at least the longest possible instruction (15 bytes) unless the
// caller knows fewer are mapped; a short read that lands mid-instruction is
// reported as an error, to be turned into a guest fault by the CPU.
func Decode(raw []byte, addr uint64) (*Instruction, error) {
	inst, err := x86asm.Decode(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("decoder: decode at %#x: %w", addr, err)
	}
	d := &Instruction{
		Addr: addr,
		Len:  inst.Len,
		Kind: classify(inst),
		Op:   inst.Op,
		Raw:  inst,
	}
	for _, p := range inst.Prefix {
		switch p & 0xff {
		case x86asm.PrefixLOCK & 0xff:
			d.Lock = true
		case x86asm.PrefixREP & 0xff, x86asm.PrefixREPN & 0xff:
			// Prefix carries status bits (implicit/ignored) in its high byte;
			// keep only the raw prefix value so comparisons downstream work.
			d.RepKind = p & 0xff
		}
	}
	return d, nil
}
