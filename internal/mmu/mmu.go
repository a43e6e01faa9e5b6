/*
   MMU: guest virtual address space for the x86-64 emulator.

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
   ROBERT M SUPNIK BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

*/

// Package mmu models the guest's virtual address space as a sorted set
// of page-aligned regions with uniform protection and backing.
package mmu

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const (
	// PageSize is the fixed guest page size.
	PageSize = 4096

	pageShift = 12
	pageMask  = PageSize - 1
)

// Prot is a bitmask of READ/WRITE/EXEC, mirroring mprotect(2).
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2
)

// Flags describe how a region was mapped.
type Flags uint32

const (
	FlagPrivate Flags = 1 << iota
	FlagShared
	FlagAnonymous
	FlagFixed
	FlagNoReplace
)

// Errno mirrors the subset of Linux errno values the MMU can return.
type Errno int32

const (
	ENOMEM Errno = 12
	EEXIST Errno = 17
	EINVAL Errno = 22
)

func (e Errno) Error() string { return errnoNames[e] }

var errnoNames = map[Errno]string{
	ENOMEM: "ENOMEM",
	EEXIST: "EEXIST",
	EINVAL: "EINVAL",
}

// FileBacking records the file a region was mapped from.
type FileBacking struct {
	Path   string
	Offset int64
}

// Region is a single page-aligned, protection-uniform span of guest
// memory carrying POSIX protection and mapping metadata.
type Region struct {
	Base, End uint64 // [Base, End), page aligned
	Prot      Prot
	Flags     Flags
	Name      string
	File      *FileBacking
	data      []byte // owned backing store (private/anonymous or copied file bytes)
}

func (r *Region) Len() uint64 { return r.End - r.Base }

func (r *Region) contains(addr uint64) bool { return addr >= r.Base && addr < r.End }

// MMU is the guest address space of a single emulated process.
type MMU struct {
	mu      sync.RWMutex // process-wide write lock
	regions []*Region    // sorted by Base, never overlapping
	heap    *Region      // the single brk-managed region, if any
	floor   uint64       // lowest address the allocator will place a non-FIXED mapping at
	ceiling uint64       // highest usable address + 1
}

// New creates an MMU with the given placement floor/ceiling for non-FIXED
// mappings.
func New(floor, ceiling uint64) *MMU {
	return &MMU{
		floor:   alignUp(floor),
		ceiling: alignDown(ceiling),
	}
}

func alignUp(a uint64) uint64   { return (a + pageMask) &^ pageMask }
func alignDown(a uint64) uint64 { return a &^ pageMask }

// Mmap creates a new mapping. addrHint is honored verbatim when FlagFixed is
// set; otherwise it is a minimum placement hint.
func (m *MMU) Mmap(addrHint uint64, length uint64, prot Prot, flags Flags, file *FileBacking, fileBytes []byte) (uint64, error) {
	if length == 0 {
		return 0, EINVAL
	}
	length = alignUp(length)

	m.mu.Lock()
	defer m.mu.Unlock()

	var base uint64
	if flags&FlagFixed != 0 {
		base = alignDown(addrHint)
		if flags&FlagNoReplace != 0 && m.overlapsLocked(base, base+length) {
			return 0, EEXIST
		}
		m.unmapLocked(base, length)
	} else {
		var ok bool
		base, ok = m.findFreeLocked(addrHint, length)
		if !ok {
			return 0, ENOMEM
		}
	}

	region := &Region{
		Base:  base,
		End:   base + length,
		Prot:  prot,
		Flags: flags,
		Name:  regionName(flags, file),
		File:  file,
		data:  make([]byte, length),
	}

	// SHARED|WRITE file-backed mappings are downgraded to PRIVATE: VEX
	// does not model a cross-process shared-memory object for file
	// mappings. The guest is warned since its writes will never reach the
	// backing file.
	if region.Flags&FlagShared != 0 && region.File != nil && prot&ProtWrite != 0 {
		region.Flags = (region.Flags &^ FlagShared) | FlagPrivate
		slog.Warn("mmap: downgrading MAP_SHARED writable file mapping to MAP_PRIVATE",
			"path", file.Path, "base", fmt.Sprintf("%#x", base), "length", length)
	}

	if file != nil && len(fileBytes) > 0 {
		copy(region.data, fileBytes)
	}

	m.insertLocked(region)
	return base, nil
}

func regionName(flags Flags, file *FileBacking) string {
	if file != nil {
		return file.Path
	}
	if flags&FlagAnonymous != 0 {
		return "[anon]"
	}
	return ""
}

// SetRegionName sets the diagnostic label of the region covering addr.
func (m *MMU) SetRegionName(addr uint64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.findLocked(addr); r != nil {
		r.Name = name
	}
}

// findFreeLocked finds the lowest free page-aligned range >= hint (or the
// configured floor) that fits length bytes, scanning the sorted region list.
func (m *MMU) findFreeLocked(hint, length uint64) (uint64, bool) {
	cand := alignUp(hint)
	if cand < m.floor {
		cand = m.floor
	}
	for _, r := range m.regions {
		if cand+length <= r.Base {
			return cand, true
		}
		if cand < r.End {
			cand = r.End
		}
	}
	if cand+length <= m.ceiling {
		return cand, true
	}
	return 0, false
}

func (m *MMU) overlapsLocked(base, end uint64) bool {
	for _, r := range m.regions {
		if base < r.End && end > r.Base {
			return true
		}
	}
	return false
}

func (m *MMU) insertLocked(r *Region) {
	idx := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Base >= r.Base })
	m.regions = append(m.regions, nil)
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r
}

func (m *MMU) findLocked(addr uint64) *Region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End > addr })
	if i < len(m.regions) && m.regions[i].contains(addr) {
		return m.regions[i]
	}
	return nil
}

// Munmap removes or truncates regions fully or partially covered by
// [addr, addr+length). Idempotent on already-unmapped ranges.
func (m *MMU) Munmap(addr, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapLocked(alignDown(addr), alignUp(length))
	return nil
}

func (m *MMU) unmapLocked(addr, length uint64) {
	end := addr + length
	var kept []*Region
	for _, r := range m.regions {
		switch {
		case r.End <= addr || r.Base >= end:
			kept = append(kept, r)
		case r.Base >= addr && r.End <= end:
			// fully covered: drop
		case r.Base < addr && r.End > end:
			// split into two
			left := cloneRegion(r, r.Base, addr)
			right := cloneRegion(r, end, r.End)
			kept = append(kept, left, right)
		case r.Base < addr:
			kept = append(kept, cloneRegion(r, r.Base, addr))
		default: // r.End > end
			kept = append(kept, cloneRegion(r, end, r.End))
		}
	}
	m.regions = kept
}

func cloneRegion(r *Region, base, end uint64) *Region {
	off := base - r.Base
	n := &Region{Base: base, End: end, Prot: r.Prot, Flags: r.Flags, Name: r.Name, File: r.File}
	n.data = r.data[off : off+(end-base)]
	return n
}

// Mprotect sets protection on the covered regions, splitting at boundaries.
func (m *MMU) Mprotect(addr, length uint64, prot Prot) error {
	addr = alignDown(addr)
	length = alignUp(length)
	end := addr + length

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Region
	for _, r := range m.regions {
		if r.End <= addr || r.Base >= end {
			out = append(out, r)
			continue
		}
		lo, hi := r.Base, r.End
		if lo < addr {
			out = append(out, cloneRegion(r, lo, addr))
			lo = addr
		}
		mid := cloneRegion(r, lo, minU64(hi, end))
		mid.Prot = prot
		out = append(out, mid)
		if hi > end {
			out = append(out, cloneRegion(r, end, hi))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	m.regions = out
	return nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Brk grows or shrinks the single heap region and returns the new end.
func (m *MMU) Brk(newEnd uint64, heapBase uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heap == nil {
		m.heap = &Region{Base: alignDown(heapBase), End: alignDown(heapBase), Prot: ProtRead | ProtWrite, Flags: FlagPrivate | FlagAnonymous, Name: "[heap]"}
		m.insertLocked(m.heap)
	}
	target := alignUp(newEnd)
	if target == m.heap.End {
		return m.heap.End, nil
	}
	if target < m.heap.Base {
		return m.heap.End, EINVAL
	}
	if target > m.heap.End {
		if m.overlapsLocked(m.heap.End, target) {
			return m.heap.End, ENOMEM
		}
		grow := target - m.heap.End
		m.heap.data = append(m.heap.data, make([]byte, grow)...)
	} else {
		shrink := m.heap.End - target
		m.heap.data = m.heap.data[:uint64(len(m.heap.data))-shrink]
	}
	m.heap.End = target
	return m.heap.End, nil
}

// Regions returns a snapshot of the region list, sorted by base, for
// diagnostics (dump_regions) and tests.
func (m *MMU) Regions() []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = *r
	}
	return out
}

// ErrFault is returned for an access to unmapped memory or a protection
// violation: a fatal guest fault, not a recoverable errno, so it is a
// distinct sentinel the caller must treat as terminal.
var ErrFault = errors.New("mmu: guest fault")

func (m *MMU) checkAccess(r *Region, want Prot) error {
	if r == nil || r.Prot&want != want {
		return ErrFault
	}
	return nil
}

// regionForRange returns the single region containing [addr, addr+size),
// or ErrFault when addr is unmapped or the range runs past that region's end.
func (m *MMU) regionForRange(addr, size uint64) (*Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.findLocked(addr)
	if r == nil || addr+size > r.End {
		return nil, ErrFault
	}
	return r, nil
}

func (m *MMU) read(addr uint64, size uint64) ([]byte, error) {
	r, err := m.regionForRange(addr, size)
	if err != nil {
		return nil, err
	}
	if err := m.checkAccess(r, ProtRead); err != nil {
		return nil, err
	}
	off := addr - r.Base
	out := make([]byte, size)
	copy(out, r.data[off:off+size])
	return out, nil
}

func (m *MMU) write(addr uint64, p []byte) error {
	r, err := m.regionForRange(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	if err := m.checkAccess(r, ProtWrite); err != nil {
		return err
	}
	off := addr - r.Base
	copy(r.data[off:off+uint64(len(p))], p)
	return nil
}

func (m *MMU) Read8(addr uint64) (uint8, error) {
	b, err := m.read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *MMU) Read16(addr uint64) (uint16, error) {
	b, err := m.read(addr, 2)
	if err != nil {
		return 0, err
	}
	return leUint16(b), nil
}

func (m *MMU) Read32(addr uint64) (uint32, error) {
	b, err := m.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return leUint32(b), nil
}

func (m *MMU) Read64(addr uint64) (uint64, error) {
	b, err := m.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return leUint64(b), nil
}

func (m *MMU) Write8(addr uint64, v uint8) error { return m.write(addr, []byte{v}) }

func (m *MMU) Write16(addr uint64, v uint16) error {
	var b [2]byte
	putLeUint16(b[:], v)
	return m.write(addr, b[:])
}

func (m *MMU) Write32(addr uint64, v uint32) error {
	var b [4]byte
	putLeUint32(b[:], v)
	return m.write(addr, b[:])
}

func (m *MMU) Write64(addr uint64, v uint64) error {
	var b [8]byte
	putLeUint64(b[:], v)
	return m.write(addr, b[:])
}

// CopyToMMU bulk-transfers src into guest memory at ptr, honoring
// per-byte permission checks. For a write-protected region it temporarily
// widens protection to WRITE for the duration of the copy, then restores
// it, so the loader can seed read-only segments.
func (m *MMU) CopyToMMU(ptr uint64, src []byte) error {
	m.mu.Lock()
	r := m.findLocked(ptr)
	var restore Prot
	widened := false
	if r != nil && r.Prot&ProtWrite == 0 {
		restore = r.Prot
		r.Prot |= ProtWrite
		widened = true
	}
	m.mu.Unlock()

	err := m.write(ptr, src)

	if widened {
		m.mu.Lock()
		r.Prot = restore
		m.mu.Unlock()
	}
	return err
}

// CopyFromMMU bulk-transfers len(dst) bytes from guest memory at ptr into dst.
func (m *MMU) CopyFromMMU(dst []byte, ptr uint64) error {
	b, err := m.read(ptr, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Mincore reports presence bits for each page in [addr, addr+length). VEX
// never swaps pages out, so every mapped page is always resident.
func (m *MMU) Mincore(addr, length uint64) ([]byte, error) {
	addr = alignDown(addr)
	length = alignUp(length)
	npages := length / PageSize
	out := make([]byte, npages)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := uint64(0); i < npages; i++ {
		if r := m.findLocked(addr + i*PageSize); r != nil {
			out[i] = 1
		}
	}
	return out, nil
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[:4])) | uint64(leUint32(b[4:]))<<32
}
func putLeUint16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLeUint64(b []byte, v uint64) {
	putLeUint32(b[:4], uint32(v))
	putLeUint32(b[4:], uint32(v>>32))
}
