/*
   ELF loader: maps a guest ELF binary and builds its initial stack.

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

// Package loader maps an ELF64 executable into a guest address space and
// builds the initial stack/auxv Linux hands a freshly exec'd process.
package loader

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/n-stott/x64emulator-sub001/internal/mmu"
)

const (
	pageSize = mmu.PageSize

	// Conventional PIE load base, matching a typical Linux layout; the
	// interpreter gets its own base well away from the main image so the
	// two reservations can never collide.
	etDynBase  = uint64(0x555555554000)
	interpBase = uint64(0x7f7000000000)
	stackTop   = uint64(0x7ffffffde000)
)

// AuxEntry is one auxv (type, value) pair.
type AuxEntry struct {
	Type  uint64
	Value uint64
}

// Auxv types used by Image's auxv (subset of <elf.h>'s AT_* constants).
const (
	AtNull         = 0
	AtPhdr         = 3
	AtPhent        = 4
	AtPhnum        = 5
	AtPagesz       = 6
	AtBase         = 7
	AtEntry        = 9
	AtUID          = 11
	AtEUID         = 12
	AtGID          = 13
	AtEGID         = 14
	AtPlatform     = 15
	AtHwcap        = 16
	AtSecure       = 23
	AtRandom       = 25
	AtExecfn       = 31
	AtSysinfoEhdr  = 33
)

// Image is the result of loading one ELF binary: its entry point, the
// interpreter's entry point if any (ld.so's own entry, which the kernel
// actually jumps to for a dynamically linked binary), and the auxv/stack
// layout ready to be written into guest memory.
type Image struct {
	EntryPoint     uint64 // the binary's own e_entry (AT_ENTRY)
	StartAddr      uint64 // where execution actually begins (ld.so's entry, or EntryPoint)
	Phdr           uint64
	Phent          int
	Phnum          int
	LoadBias       uint64
	StackPointer   uint64
}

// Loader owns the MMU an ELF file is mapped into.
type Loader struct {
	MMU        *mmu.MMU
	StackBytes uint64 // initial stack reservation; defaultStackBytes if zero
}

const defaultStackBytes = 8 * 1024 * 1024

// New creates a Loader targeting the given MMU.
func New(m *mmu.MMU) *Loader {
	return &Loader{MMU: m, StackBytes: defaultStackBytes}
}

// Load maps path and, if it is dynamically linked, its PT_INTERP
// interpreter, then builds the initial stack at stackTop with argv, envp,
// and auxv, returning the Image the scheduler seeds its first thread's
// registers from.
func (l *Loader) Load(path string, argv, envp []string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", path, err)
	}
	defer ef.Close()

	base := uint64(0)
	if ef.Type == elf.ET_DYN {
		base = etDynBase
	}
	bias, err := l.mapLoadSegments(ef, f, base)
	if err != nil {
		return nil, err
	}

	img := &Image{
		EntryPoint: ef.Entry + bias,
		StartAddr:  ef.Entry + bias,
		LoadBias:   bias,
	}

	interp, err := readInterp(ef)
	if err != nil {
		return nil, err
	}
	if interp != "" {
		interpImg, err := l.loadInterp(interp)
		if err != nil {
			return nil, err
		}
		img.StartAddr = interpImg.EntryPoint
	}

	for _, ph := range ef.Progs {
		if ph.Type == elf.PT_PHDR {
			img.Phdr = ph.Vaddr + bias
		}
	}
	if img.Phdr == 0 {
		img.Phdr = findPhdrFallback(ef, bias)
	}
	img.Phent = int(progHeaderSize(ef))
	img.Phnum = len(ef.Progs)

	sp, err := l.buildStack(path, argv, envp, img)
	if err != nil {
		return nil, err
	}
	img.StackPointer = sp
	return img, nil
}

func (l *Loader) loadInterp(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: interpreter %s: %w", path, err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	// The interpreter is itself an ET_DYN and is placed at a base distinct
	// from the main image so the two reservations never collide (the
	// kernel does the same via a separate mmap base).
	bias, err := l.mapLoadSegments(ef, f, interpBase)
	if err != nil {
		return nil, err
	}
	return &Image{EntryPoint: ef.Entry + bias, StartAddr: ef.Entry + bias, LoadBias: bias}, nil
}

func readInterp(ef *elf.File) (string, error) {
	for _, ph := range ef.Progs {
		if ph.Type != elf.PT_INTERP {
			continue
		}
		buf := make([]byte, ph.Filesz)
		if _, err := io.ReadFull(ph.Open(), buf); err != nil {
			return "", fmt.Errorf("loader: reading PT_INTERP: %w", err)
		}
		// Trim the trailing NUL the section is stored with.
		for i, b := range buf {
			if b == 0 {
				return string(buf[:i]), nil
			}
		}
		return string(buf), nil
	}
	return "", nil
}

func progHeaderSize(ef *elf.File) uint64 {
	if ef.Class == elf.ELFCLASS64 {
		return 56
	}
	return 32
}

func findPhdrFallback(ef *elf.File, bias uint64) uint64 {
	for _, ph := range ef.Progs {
		if ph.Type == elf.PT_LOAD && ph.Off == 0 {
			return ph.Vaddr + bias + progHeaderOffsetGuess(ef)
		}
	}
	return 0
}

// progHeaderOffsetGuess returns e_phoff, which debug/elf does not export
// directly on elf.File but which is conventionally right after the ELF
// header for a well-formed binary VEX is willing to run.
func progHeaderOffsetGuess(ef *elf.File) uint64 {
	if ef.Class == elf.ELFCLASS64 {
		return 64
	}
	return 52
}

// mapLoadSegments maps every PT_LOAD segment of ef (backed by f) into the
// loader's MMU, returning the load bias applied (0 for ET_EXEC, base minus
// the image's lowest vaddr for ET_DYN). For an ET_DYN image the combined
// span of all PT_LOAD headers is reserved first as one PROT_NONE mapping,
// then each segment is placed FIXED inside the reservation, so an mmap
// issued later by the guest can never land between two of its own
// segments.
func (l *Loader) mapLoadSegments(ef *elf.File, f *os.File, base uint64) (uint64, error) {
	var bias uint64
	if base != 0 {
		lo, hi, ok := loadSpan(ef)
		if !ok {
			return 0, fmt.Errorf("loader: no PT_LOAD headers")
		}
		bias = base - lo
		if _, err := l.MMU.Mmap(base, hi-lo, mmu.ProtNone,
			mmu.FlagPrivate|mmu.FlagAnonymous|mmu.FlagFixed, nil, nil); err != nil {
			return 0, fmt.Errorf("loader: reserving %#x bytes at %#x: %w", hi-lo, base, err)
		}
	}

	for _, ph := range ef.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		prot := progFlagsToProt(ph.Flags)
		segStart := alignDown(ph.Vaddr + bias)
		segEnd := alignUp(ph.Vaddr + bias + ph.Memsz)

		addr, err := l.MMU.Mmap(segStart, segEnd-segStart, mmu.ProtRead|mmu.ProtWrite,
			mmu.FlagPrivate|mmu.FlagAnonymous|mmu.FlagFixed, nil, nil)
		if err != nil {
			return 0, fmt.Errorf("loader: mapping PT_LOAD at %#x: %w", segStart, err)
		}

		fileBytes := make([]byte, ph.Filesz)
		if ph.Filesz > 0 {
			if _, err := f.ReadAt(fileBytes, int64(ph.Off)); err != nil && err != io.EOF {
				return 0, fmt.Errorf("loader: reading segment data: %w", err)
			}
		}
		if err := l.MMU.CopyToMMU(ph.Vaddr+bias, fileBytes); err != nil {
			return 0, fmt.Errorf("loader: copying segment data: %w", err)
		}

		if err := l.MMU.Mprotect(addr, segEnd-segStart, prot); err != nil {
			return 0, err
		}
	}
	return bias, nil
}

// loadSpan returns the page-aligned [lo, hi) range covered by the union
// of an image's PT_LOAD headers.
func loadSpan(ef *elf.File) (lo, hi uint64, ok bool) {
	for _, ph := range ef.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		start := alignDown(ph.Vaddr)
		end := alignUp(ph.Vaddr + ph.Memsz)
		if !ok || start < lo {
			lo = start
		}
		if end > hi {
			hi = end
		}
		ok = true
	}
	return lo, hi, ok
}

func progFlagsToProt(flags elf.ProgFlag) mmu.Prot {
	var p mmu.Prot
	if flags&elf.PF_R != 0 {
		p |= mmu.ProtRead
	}
	if flags&elf.PF_W != 0 {
		p |= mmu.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		p |= mmu.ProtExec
	}
	return p
}

func alignDown(a uint64) uint64 { return a &^ (pageSize - 1) }
func alignUp(a uint64) uint64   { return (a + pageSize - 1) &^ (pageSize - 1) }
