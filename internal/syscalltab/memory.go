package syscalltab

// MemoryOps is implemented by the process's MMU and passed in at table
// construction time so this file stays free of an import on internal/mmu.
type MemoryOps interface {
	Mmap(addrHint, length uint64, prot, flags uint64, fd int, offset int64) (uint64, Errno)
	Munmap(addr, length uint64) Errno
	Mprotect(addr, length uint64, prot uint64) Errno
	Brk(newEnd uint64) (uint64, Errno)
	Mincore(addr, length uint64) ([]byte, Errno)
}

var memOps MemoryOps

// BindMemoryOps installs the MMU-backed implementation used by the
// memory-category handlers. The process binds its own ops at setup and
// again before each syscall it dispatches.
func BindMemoryOps(ops MemoryOps) { memOps = ops }

const (
	sysMmap     = 9
	sysMunmap   = 11
	sysBrk      = 12
	sysMprotect = 10
	sysMincore  = 27
	sysMadvise  = 28
)

func registerMemory(t *Table) {
	t.register(sysMmap, "mmap", sysMmapHandler)
	t.register(sysMunmap, "munmap", sysMunmapHandler)
	t.register(sysMprotect, "mprotect", sysMprotectHandler)
	t.register(sysBrk, "brk", sysBrkHandler)
	t.register(sysMincore, "mincore", sysMincoreHandler)
	t.register(sysMadvise, "madvise", sysMadviseHandler)
}

func sysMmapHandler(m Machine, a Args) (uint64, Errno) {
	if memOps == nil {
		return 0, ENOSYS
	}
	addr, errno := memOps.Mmap(a.A0, a.A1, a.A2, a.A3, int(int32(a.A4)), int64(a.A5))
	if errno != 0 {
		return 0, errno
	}
	return addr, 0
}

func sysMunmapHandler(m Machine, a Args) (uint64, Errno) {
	if memOps == nil {
		return 0, ENOSYS
	}
	return 0, memOps.Munmap(a.A0, a.A1)
}

func sysMprotectHandler(m Machine, a Args) (uint64, Errno) {
	if memOps == nil {
		return 0, ENOSYS
	}
	return 0, memOps.Mprotect(a.A0, a.A1, a.A2)
}

func sysBrkHandler(m Machine, a Args) (uint64, Errno) {
	if memOps == nil {
		return 0, ENOSYS
	}
	end, errno := memOps.Brk(a.A0)
	if errno != 0 {
		return end, errno
	}
	return end, 0
}

// mincore always reports every mapped page present since VEX never swaps
// a page out.
func sysMincoreHandler(m Machine, a Args) (uint64, Errno) {
	if memOps == nil {
		return 0, ENOSYS
	}
	bits, errno := memOps.Mincore(a.A0, a.A1)
	if errno != 0 {
		return 0, errno
	}
	if err := m.WriteBytes(a.A2, bits); err != nil {
		return 0, EFAULT
	}
	return 0, 0
}

// madvise carries no correctness meaning here: VEX has no page reclaim or
// readahead to tune, so every advice value is accepted and ignored.
func sysMadviseHandler(m Machine, a Args) (uint64, Errno) {
	return 0, 0
}
