package loader

import (
	"os"
	"path/filepath"

	"github.com/n-stott/x64emulator-sub001/internal/mmu"
)

// buildStack lays out the initial stack exactly as the Linux kernel does
// for a freshly exec'd process: argc, argv pointers, NULL, envp pointers,
// NULL, auxv pairs, AT_NULL, then the string and random-byte data the
// pointers above reference, all below a 16-byte-aligned final RSP.
func (l *Loader) buildStack(path string, argv, envp []string, img *Image) (uint64, error) {
	stackSize := l.StackBytes
	if stackSize == 0 {
		stackSize = defaultStackBytes
	}
	stackBase := alignDown(stackTop) - stackSize

	if _, err := l.MMU.Mmap(stackBase, stackSize, mmu.ProtRead|mmu.ProtWrite,
		mmu.FlagPrivate|mmu.FlagAnonymous|mmu.FlagFixed, nil, nil); err != nil {
		return 0, err
	}
	l.MMU.SetRegionName(stackBase, "[stack]")

	top := stackTop

	randomBytes := make([]byte, 16)
	for i := range randomBytes {
		randomBytes[i] = byte(i * 7) // deterministic filler; real randomness is a host collaborator concern
	}
	top -= uint64(len(randomBytes))
	randomAddr := top
	if err := l.MMU.CopyToMMU(randomAddr, randomBytes); err != nil {
		return 0, err
	}

	platform := "x86_64\x00"
	top -= uint64(len(platform))
	platformAddr := top
	if err := l.MMU.CopyToMMU(platformAddr, []byte(platform)); err != nil {
		return 0, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	execfn := absPath + "\x00"
	top -= uint64(len(execfn))
	execfnAddr := top
	if err := l.MMU.CopyToMMU(execfnAddr, []byte(execfn)); err != nil {
		return 0, err
	}

	argvAddrs, err := l.writeStrings(&top, argv)
	if err != nil {
		return 0, err
	}
	envpAddrs, err := l.writeStrings(&top, envp)
	if err != nil {
		return 0, err
	}

	top = alignDown(top)

	auxv := []AuxEntry{
		{AtPhdr, img.Phdr},
		{AtPhent, uint64(img.Phent)},
		{AtPhnum, uint64(img.Phnum)},
		{AtPagesz, pageSize},
		{AtBase, img.LoadBias},
		{AtEntry, img.EntryPoint},
		{AtUID, uint64(os.Getuid())},
		{AtEUID, uint64(os.Geteuid())},
		{AtGID, uint64(os.Getgid())},
		{AtEGID, uint64(os.Getegid())},
		{AtSecure, 0},
		{AtRandom, randomAddr},
		{AtPlatform, platformAddr},
		{AtExecfn, execfnAddr},
		{AtSysinfoEhdr, 0},
		{AtNull, 0},
	}

	// Total words pushed below top: argc(1) + argv ptrs(len+1 NULL) +
	// envp ptrs(len+1 NULL) + auxv pairs(2 each). Reserve and align so the
	// final RSP (pointing at argc) is itself 16-byte aligned, matching the
	// System V ABI's stack-alignment-at-entry requirement.
	words := 1 + (len(argvAddrs) + 1) + (len(envpAddrs) + 1) + 2*len(auxv)
	top -= uint64(words) * 8
	top = alignDown16(top)

	sp := top
	if err := l.writeU64(sp, uint64(len(argvAddrs))); err != nil {
		return 0, err
	}
	sp += 8
	for _, a := range argvAddrs {
		if err := l.writeU64(sp, a); err != nil {
			return 0, err
		}
		sp += 8
	}
	sp += 8 // argv NULL terminator
	for _, a := range envpAddrs {
		if err := l.writeU64(sp, a); err != nil {
			return 0, err
		}
		sp += 8
	}
	sp += 8 // envp NULL terminator
	for _, e := range auxv {
		if err := l.writeU64(sp, e.Type); err != nil {
			return 0, err
		}
		sp += 8
		if err := l.writeU64(sp, e.Value); err != nil {
			return 0, err
		}
		sp += 8
	}

	return top, nil
}

func (l *Loader) writeStrings(top *uint64, strs []string) ([]uint64, error) {
	addrs := make([]uint64, len(strs))
	for i, s := range strs {
		b := append([]byte(s), 0)
		*top -= uint64(len(b))
		addrs[i] = *top
		if err := l.MMU.CopyToMMU(*top, b); err != nil {
			return nil, err
		}
	}
	return addrs, nil
}

func (l *Loader) writeU64(addr, v uint64) error {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return l.MMU.CopyToMMU(addr, b[:])
}

func alignDown16(a uint64) uint64 { return a &^ 0xf }
