package decoder

import (
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// Section is a contiguously-decoded run of instructions inside one mapped
// executable region: a lookup first checks the section that covers the
// current address before falling back to a slower, cold decode.
type Section struct {
	Base, End uint64
	byAddr    map[uint64]*Instruction
}

// Cache is the lazy decode cache for one guest address space. Instructions
// are decoded on first use and kept until the covering section is
// invalidated by an mprotect/munmap that removes EXEC permission.
type Cache struct {
	sections []*Section // sorted by Base, mirrors chanUnit's ordered subchannel slice
	callTgts map[uint64]uint64
	jmpTgts  map[uint64]uint64
}

// NewCache creates an empty decode cache.
func NewCache() *Cache {
	return &Cache{
		callTgts: make(map[uint64]uint64),
		jmpTgts:  make(map[uint64]uint64),
	}
}

func (c *Cache) sectionFor(addr uint64) *Section {
	i := sort.Search(len(c.sections), func(i int) bool { return c.sections[i].End > addr })
	if i < len(c.sections) && addr >= c.sections[i].Base && addr < c.sections[i].End {
		return c.sections[i]
	}
	return nil
}

// AddSection registers a freshly-mapped executable range. A range already
// covered by an existing section is left alone: the bytes have not
// changed, so the cached decodes are still good.
func (c *Cache) AddSection(base, end uint64) {
	for _, s := range c.sections {
		if base < s.End && end > s.Base {
			return
		}
	}
	s := &Section{Base: base, End: end, byAddr: make(map[uint64]*Instruction)}
	idx := sort.Search(len(c.sections), func(i int) bool { return c.sections[i].Base >= base })
	c.sections = append(c.sections, nil)
	copy(c.sections[idx+1:], c.sections[idx:])
	c.sections[idx] = s
}

// InvalidateRange drops every cached instruction and section overlapping
// [base, end) — called on munmap/mprotect(-EXEC) of executable memory, the
// decode-side analogue of the channel table being reset on device detach.
func (c *Cache) InvalidateRange(base, end uint64) {
	var kept []*Section
	for _, s := range c.sections {
		if s.End <= base || s.Base >= end {
			kept = append(kept, s)
			continue
		}
		// overlap: drop the whole section, a fresh AddSection will be
		// issued by the MMU layer for whatever remains mapped executable.
	}
	c.sections = kept
	for a := range c.callTgts {
		if a >= base && a < end {
			delete(c.callTgts, a)
		}
	}
	for a := range c.jmpTgts {
		if a >= base && a < end {
			delete(c.jmpTgts, a)
		}
	}
}

// Fetcher reads raw instruction bytes from guest memory starting at addr.
// Implemented by the MMU; kept as a narrow interface so the cache has no
// import-time dependency on the mmu package.
type Fetcher interface {
	FetchCode(addr uint64, n int) ([]byte, error)
}

const maxInstrLen = 15

// Lookup returns the decoded instruction at addr, looking first in the
// registered section that covers addr, then decoding on demand and
// remembering the result in that section.
func (c *Cache) Lookup(f Fetcher, addr uint64) (*Instruction, error) {
	if s := c.sectionFor(addr); s != nil {
		if in, ok := s.byAddr[addr]; ok {
			return in, nil
		}
		raw, err := f.FetchCode(addr, maxInstrLen)
		if err != nil {
			return nil, err
		}
		in, err := Decode(raw, addr)
		if err != nil {
			return nil, err
		}
		s.byAddr[addr] = in
		c.noteTarget(in)
		return in, nil
	}
	// No covering section: fetch and decode without caching. Whether such
	// a fetch faults is decided by the Fetcher alone; a successful decode
	// here is returned to the caller like any cached one.
	raw, err := f.FetchCode(addr, maxInstrLen)
	if err != nil {
		return nil, err
	}
	return Decode(raw, addr)
}

func (c *Cache) noteTarget(in *Instruction) {
	target, ok := directTarget(in)
	if !ok {
		return
	}
	switch in.Kind {
	case KindCall:
		c.callTgts[in.Addr] = target
	case KindJump, KindBranch:
		c.jmpTgts[in.Addr] = target
	}
}

func directTarget(in *Instruction) (uint64, bool) {
	for _, a := range in.Raw.Args {
		if rel, ok := a.(x86asm.Rel); ok {
			return uint64(int64(in.Addr) + int64(in.Len) + int64(rel)), true
		}
	}
	return 0, false
}

// CallTarget returns the cached branch target of a CALL previously decoded
// at addr, if any.
func (c *Cache) CallTarget(addr uint64) (uint64, bool) {
	t, ok := c.callTgts[addr]
	return t, ok
}

// JumpTarget returns the cached branch target of a JMP/Jcc previously
// decoded at addr, if any.
func (c *Cache) JumpTarget(addr uint64) (uint64, bool) {
	t, ok := c.jmpTgts[addr]
	return t, ok
}
