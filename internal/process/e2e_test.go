package process

import (
	"io"
	"os"
	"testing"

	"github.com/n-stott/x64emulator-sub001/internal/cpu"
	"github.com/n-stott/x64emulator-sub001/internal/mmu"
)

// These tests drive whole guest programs, hand-assembled to machine code,
// through the full decode/execute/syscall/schedule path.

// register encodings for the emitter below
const (
	rAX = 0
	rCX = 1
	rDX = 2
	rBX = 3
	rSI = 6
	rDI = 7
	r8  = 8
	r10 = 10
)

// prog is a tiny assembler: append raw bytes, mark labels, and patch
// relative jumps once the layout is final.
type prog struct {
	b      []byte
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	pos   int // offset of the rel byte(s)
	size  int // 1 or 4
	label string
}

func newProg() *prog { return &prog{labels: make(map[string]int)} }

func (p *prog) raw(bs ...byte) { p.b = append(p.b, bs...) }

func (p *prog) label(name string) { p.labels[name] = len(p.b) }

// movImm32 emits mov r32, imm32 (zero-extends to 64 bits).
func (p *prog) movImm32(reg int, v uint32) {
	p.raw(0xb8 + byte(reg))
	p.raw(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// movAbs emits mov r64, imm64.
func (p *prog) movAbs(reg int, v uint64) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	p.raw(rex, 0xb8+byte(reg&7))
	for i := 0; i < 8; i++ {
		p.raw(byte(v >> (8 * i)))
	}
}

func (p *prog) syscall() { p.raw(0x0f, 0x05) }

// jcc8 emits a short conditional jump (opcode 0x74 je, 0x75 jne, 0xeb jmp).
func (p *prog) jcc8(opcode byte, label string) {
	p.raw(opcode, 0)
	p.fixups = append(p.fixups, fixup{pos: len(p.b) - 1, size: 1, label: label})
}

// jne32 emits jne rel32 for loops too long for a rel8.
func (p *prog) jne32(label string) {
	p.raw(0x0f, 0x85, 0, 0, 0, 0)
	p.fixups = append(p.fixups, fixup{pos: len(p.b) - 4, size: 4, label: label})
}

func (p *prog) assemble(t *testing.T) []byte {
	t.Helper()
	for _, f := range p.fixups {
		target, ok := p.labels[f.label]
		if !ok {
			t.Fatalf("undefined label %q", f.label)
		}
		rel := target - (f.pos + f.size)
		if f.size == 1 {
			if rel < -128 || rel > 127 {
				t.Fatalf("label %q out of rel8 range: %d", f.label, rel)
			}
			p.b[f.pos] = byte(rel)
		} else {
			v := uint32(int32(rel))
			p.b[f.pos] = byte(v)
			p.b[f.pos+1] = byte(v >> 8)
			p.b[f.pos+2] = byte(v >> 16)
			p.b[f.pos+3] = byte(v >> 24)
		}
	}
	return p.b
}

const (
	e2eCodeBase  = 0x400000
	e2eDataBase  = 0x600000
	e2eStackTop  = 0x800000
	e2eStackSize = 0x10000
)

// loadProgram maps code (r-x), a zeroed data page (rw-), and a stack, and
// spawns one thread at the code's entry.
func loadProgram(t *testing.T, p *Process, code []byte) *cpu.CPU {
	t.Helper()
	if _, err := p.MMU.Mmap(e2eCodeBase, uint64(len(code)), mmu.ProtRead|mmu.ProtExec,
		mmu.FlagPrivate|mmu.FlagAnonymous|mmu.FlagFixed, nil, nil); err != nil {
		t.Fatalf("mapping code: %v", err)
	}
	if err := p.MMU.CopyToMMU(e2eCodeBase, code); err != nil {
		t.Fatalf("writing code: %v", err)
	}
	p.Cache.AddSection(e2eCodeBase, e2eCodeBase+uint64(len(code)))
	if _, err := p.MMU.Mmap(e2eDataBase, mmu.PageSize, mmu.ProtRead|mmu.ProtWrite,
		mmu.FlagPrivate|mmu.FlagAnonymous|mmu.FlagFixed, nil, nil); err != nil {
		t.Fatalf("mapping data: %v", err)
	}
	if _, err := p.MMU.Mmap(e2eStackTop-e2eStackSize, e2eStackSize, mmu.ProtRead|mmu.ProtWrite,
		mmu.FlagPrivate|mmu.FlagAnonymous|mmu.FlagFixed, nil, nil); err != nil {
		t.Fatalf("mapping stack: %v", err)
	}
	return spawnThreadAt(p, e2eCodeBase, e2eStackTop-64)
}

func spawnThreadAt(p *Process, rip, rsp uint64) *cpu.CPU {
	c := cpu.New(procMemory{p.MMU}, p.Cache)
	c.RIP = rip
	c.RSP = rsp
	c.OnSyscall = p.handleSyscall
	th := p.Sched.Spawn(p.pid, c)
	p.running[th.Tid] = c
	if len(p.running) == 1 {
		p.curTid = th.Tid
	}
	return c
}

// captureStdout swaps os.Stdout for a pipe around fn and returns what the
// guest wrote.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()
	fn()
	w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

// Guest writes "hello\n" to stdout and exits 0.
func TestE2EHelloWorld(t *testing.T) {
	p := New(256*1024*1024, testLogger())

	msgAddr := uint64(e2eDataBase)
	a := newProg()
	a.movImm32(rAX, 1) // write
	a.movImm32(rDI, 1) // stdout
	a.movAbs(rSI, msgAddr)
	a.movImm32(rDX, 6)
	a.syscall()
	a.movImm32(rAX, 231) // exit_group(0)
	a.raw(0x31, 0xff)    // xor edi, edi
	a.syscall()
	loadProgram(t, p, a.assemble(t))
	if err := p.MMU.CopyToMMU(msgAddr, []byte("hello\n")); err != nil {
		t.Fatalf("writing message: %v", err)
	}

	var runErr error
	out := captureStdout(t, func() { runErr = p.Run() })
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if out != "hello\n" {
		t.Errorf("stdout: got %q expected %q", out, "hello\n")
	}
	if p.ExitCode() != 0 {
		t.Errorf("exit code: got: %d expected: %d", p.ExitCode(), 0)
	}
}

// Guest clones a child with its own fsBase; parent and child each store a
// distinct value in the same TLS slot, the parent futex-waits on a shared
// word the child flips, and the parent's own slot must be undisturbed.
func TestE2EThreadLocalIncrement(t *testing.T) {
	p := New(256*1024*1024, testLogger())

	const (
		sharedAddr    = uint64(e2eDataBase)
		parentTLS     = uint64(e2eDataBase + 0x100)
		childTLS      = uint64(e2eDataBase + 0x200)
		childStackTop = uint64(e2eStackTop - 0x4000)
		tlsSlot       = 0x8
	)
	fsStore := []byte{0x64, 0x89, 0x04, 0x25, tlsSlot, 0, 0, 0} // mov fs:[0x8], eax
	fsLoad := []byte{0x64, 0x8b, 0x04, 0x25, tlsSlot, 0, 0, 0}  // mov eax, fs:[0x8]

	a := newProg()
	a.movImm32(rAX, 56)       // clone
	a.movImm32(rDI, 0x390f00) // pthread-compatible flag profile
	a.movAbs(rSI, childStackTop)
	a.raw(0x31, 0xd2)       // xor edx, edx (parent_tid)
	a.raw(0x4d, 0x31, 0xd2) // xor r10, r10 (child_tid)
	a.movAbs(r8, childTLS)
	a.syscall()
	a.raw(0x85, 0xc0) // test eax, eax
	a.jcc8(0x75, "parent")
	// child: mark its TLS slot, flip the shared word, wake the parent
	a.movImm32(rAX, 7)
	a.raw(fsStore...)
	a.movAbs(rCX, sharedAddr)
	a.raw(0xc7, 0x01, 1, 0, 0, 0) // mov dword [rcx], 1
	a.movImm32(rAX, 202)
	a.movAbs(rDI, sharedAddr)
	a.movImm32(rSI, 1) // FUTEX_WAKE
	a.movImm32(rDX, 1)
	a.syscall()
	a.movImm32(rAX, 60) // exit(0)
	a.raw(0x31, 0xff)
	a.syscall()
	a.label("parent")
	a.movImm32(rAX, 42)
	a.raw(fsStore...)
	a.movImm32(rAX, 202)
	a.movAbs(rDI, sharedAddr)
	a.raw(0x31, 0xf6)       // FUTEX_WAIT
	a.raw(0x31, 0xd2)       // expected 0
	a.raw(0x4d, 0x31, 0xd2) // no timeout
	a.syscall()
	a.raw(fsLoad...)
	a.raw(0x83, 0xf8, 42) // cmp eax, 42
	a.jcc8(0x75, "bad")
	a.raw(0x31, 0xff)
	a.movImm32(rAX, 231)
	a.syscall()
	a.label("bad")
	a.movImm32(rDI, 1)
	a.movImm32(rAX, 231)
	a.syscall()

	c := loadProgram(t, p, a.assemble(t))
	c.FSBase = parentTLS

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.ExitCode() != 0 {
		t.Fatalf("exit code: got: %d expected: %d (parent saw a clobbered TLS slot)", p.ExitCode(), 0)
	}
	if v, err := p.MMU.Read32(parentTLS + tlsSlot); err != nil || v != 42 {
		t.Errorf("parent TLS slot: got: %d (err %v) expected: 42", v, err)
	}
	if v, err := p.MMU.Read32(childTLS + tlsSlot); err != nil || v != 7 {
		t.Errorf("child TLS slot: got: %d (err %v) expected: 7", v, err)
	}
}

// Two worker threads contend on a lock word with lock cmpxchg, increment a
// shared counter 10000 times each, and hand the lock back through a futex
// wake; the main thread joins by futex-waiting on a done count.
func TestE2EMutexContention(t *testing.T) {
	p := New(256*1024*1024, testLogger())

	const (
		lockAddr    = uint64(e2eDataBase)
		counterAddr = uint64(e2eDataBase + 0x40)
		doneAddr    = uint64(e2eDataBase + 0x80)
		iterations  = 10000
	)

	// worker body; loop count preloaded into RBX
	w := newProg()
	w.label("spin")
	w.movAbs(rCX, lockAddr)
	w.raw(0x31, 0xc0) // xor eax, eax
	w.movImm32(rDX, 1)
	w.raw(0xf0, 0x0f, 0xb1, 0x11) // lock cmpxchg [rcx], edx
	w.jcc8(0x74, "got")
	w.movImm32(rAX, 202) // futex wait(lock, 1)
	w.movAbs(rDI, lockAddr)
	w.raw(0x31, 0xf6)
	w.movImm32(rDX, 1)
	w.raw(0x4d, 0x31, 0xd2)
	w.syscall()
	w.jcc8(0xeb, "spin")
	w.label("got")
	w.movImm32(rAX, 24) // sched_yield while holding the lock
	w.syscall()
	w.movAbs(rDX, counterAddr)
	w.raw(0x8b, 0x02) // mov eax, [rdx]
	w.raw(0xff, 0xc0) // inc eax
	w.raw(0x89, 0x02) // mov [rdx], eax
	w.movAbs(rCX, lockAddr)
	w.raw(0xc7, 0x01, 0, 0, 0, 0) // release: mov dword [rcx], 0
	w.movImm32(rAX, 202)          // futex wake(lock, 1)
	w.movAbs(rDI, lockAddr)
	w.movImm32(rSI, 1)
	w.movImm32(rDX, 1)
	w.syscall()
	w.raw(0xff, 0xcb) // dec ebx
	w.jne32("spin")
	w.movAbs(rCX, doneAddr)
	w.raw(0xf0, 0x83, 0x01, 0x01) // lock add dword [rcx], 1
	w.movImm32(rAX, 202)          // futex wake(done, 2)
	w.movAbs(rDI, doneAddr)
	w.movImm32(rSI, 1)
	w.movImm32(rDX, 2)
	w.syscall()
	w.movImm32(rAX, 60) // exit(0)
	w.raw(0x31, 0xff)
	w.syscall()
	workerCode := w.assemble(t)

	// main body: wait until done == 2, then check the counter
	m := newProg()
	m.label("waitloop")
	m.movAbs(rCX, doneAddr)
	m.raw(0x8b, 0x01)       // mov eax, [rcx]
	m.raw(0x83, 0xf8, 0x02) // cmp eax, 2
	m.jcc8(0x74, "out")
	m.raw(0x89, 0xc2)    // mov edx, eax (expected = current)
	m.movImm32(rAX, 202) // futex wait(done, edx)
	m.movAbs(rDI, doneAddr)
	m.raw(0x31, 0xf6)
	m.raw(0x4d, 0x31, 0xd2)
	m.syscall()
	m.jcc8(0xeb, "waitloop")
	m.label("out")
	m.movAbs(rCX, counterAddr)
	m.raw(0x8b, 0x01)
	want := uint32(2 * iterations)
	m.raw(0x3d, byte(want), byte(want>>8), byte(want>>16), byte(want>>24)) // cmp eax, 20000
	m.jcc8(0x75, "bad")
	m.raw(0x31, 0xff)
	m.movImm32(rAX, 231)
	m.syscall()
	m.label("bad")
	m.movImm32(rDI, 1)
	m.movImm32(rAX, 231)
	m.syscall()
	mainCode := m.assemble(t)

	workerBase := uint64(e2eCodeBase + 0x1000)
	loadProgram(t, p, mainCode)
	if _, err := p.MMU.Mmap(workerBase, uint64(len(workerCode)), mmu.ProtRead|mmu.ProtExec,
		mmu.FlagPrivate|mmu.FlagAnonymous|mmu.FlagFixed, nil, nil); err != nil {
		t.Fatalf("mapping worker code: %v", err)
	}
	if err := p.MMU.CopyToMMU(workerBase, workerCode); err != nil {
		t.Fatalf("writing worker code: %v", err)
	}
	p.Cache.AddSection(workerBase, workerBase+uint64(len(workerCode)))

	w1 := spawnThreadAt(p, workerBase, e2eStackTop-0x2000)
	w1.RBX = iterations
	w2 := spawnThreadAt(p, workerBase, e2eStackTop-0x3000)
	w2.RBX = iterations

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.ExitCode() != 0 {
		t.Fatalf("exit code: got: %d expected: 0 (counter mismatch seen by guest)", p.ExitCode())
	}
	v, err := p.MMU.Read32(counterAddr)
	if err != nil {
		t.Fatalf("Read32(counter): %v", err)
	}
	if v != 2*iterations {
		t.Errorf("counter: got: %d expected: %d", v, 2*iterations)
	}
}

// Map, fill, protect, fault, unmap, remap: the mapped-memory lifecycle as
// the guest observes it.
func TestE2EMmapLifecycle(t *testing.T) {
	p := New(256*1024*1024, testLogger())
	c := p.spawnBareThread()

	const length = 64 * 1024

	// mmap(0, 64k, RW, MAP_PRIVATE|MAP_ANONYMOUS)
	c.RAX, c.RDI, c.RSI, c.RDX, c.R10, c.R8, c.R9 = 9, 0, length, 0x3, 0x22, 0, 0
	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("mmap: fault %v", fault)
	}
	base := c.RAX
	if int64(base) < 0 {
		t.Fatalf("mmap failed: %d", int64(base))
	}
	for off := uint64(0); off < length; off += mmu.PageSize {
		if err := p.MMU.Write64(base+off, 0xdead0000+off); err != nil {
			t.Fatalf("write at %#x: %v", base+off, err)
		}
	}

	// mprotect read-only; reads still work, writes fault
	c.RAX, c.RDI, c.RSI, c.RDX = 10, base, length, 0x1
	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("mprotect: fault %v", fault)
	}
	if c.RAX != 0 {
		t.Fatalf("mprotect returned %d", int64(c.RAX))
	}
	for off := uint64(0); off < length; off += mmu.PageSize {
		v, err := p.MMU.Read64(base + off)
		if err != nil {
			t.Fatalf("read-only read at %#x: %v", base+off, err)
		}
		if v != 0xdead0000+off {
			t.Errorf("pattern at %#x: got %#x expected %#x", base+off, v, 0xdead0000+off)
		}
	}
	if err := p.MMU.Write64(base, 1); err == nil {
		t.Errorf("expected write to read-only region to fail")
	}

	// a guest store to the read-only page crashes the process
	crash := New(256*1024*1024, testLogger())
	a := newProg()
	a.movAbs(rCX, uint64(e2eDataBase))
	a.raw(0xc7, 0x01, 1, 0, 0, 0) // mov dword [rcx], 1
	loadProgram(t, crash, a.assemble(t))
	if err := crash.MMU.Mprotect(e2eDataBase, mmu.PageSize, mmu.ProtRead); err != nil {
		t.Fatalf("mprotect: %v", err)
	}
	if err := crash.Run(); err == nil {
		t.Errorf("expected a fatal fault from the guest store to a read-only page")
	}

	// munmap, then a fresh mmap hinted at the old base gets that exact base
	c.RAX, c.RDI, c.RSI = 11, base, length
	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("munmap: fault %v", fault)
	}
	if _, err := p.MMU.Read64(base); err == nil {
		t.Errorf("expected unmapped read to fail after munmap")
	}
	c.RAX, c.RDI, c.RSI, c.RDX, c.R10 = 9, base, length, 0x3, 0x22
	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("re-mmap: fault %v", fault)
	}
	if c.RAX != base {
		t.Errorf("re-mmap at hint: got %#x expected %#x", c.RAX, base)
	}
}

// Poll with a 50 ms timeout on an idle fd returns 0 with revents clear
// only after kernel time has advanced by at least 50 ms.
func TestE2EPollTimeout(t *testing.T) {
	p := New(256*1024*1024, testLogger())

	fdsAddr := uint64(e2eDataBase)
	a := newProg()
	a.movImm32(rAX, 7) // poll
	a.movAbs(rDI, fdsAddr)
	a.movImm32(rSI, 1)
	a.movImm32(rDX, 50) // ms
	a.syscall()
	a.raw(0x89, 0xc7)    // mov edi, eax: exit status = poll's return
	a.movImm32(rAX, 231) // exit_group
	a.syscall()
	loadProgram(t, p, a.assemble(t))
	// struct pollfd { fd=0, events=POLLIN, revents=0 }
	if err := p.MMU.Write32(fdsAddr, 0); err != nil {
		t.Fatalf("pollfd fd: %v", err)
	}
	if err := p.MMU.Write16(fdsAddr+4, 1); err != nil {
		t.Fatalf("pollfd events: %v", err)
	}

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.ExitCode() != 0 {
		t.Errorf("exit code (poll return): got: %d expected: 0", p.ExitCode())
	}
	if got := p.Sched.Clock(); got < 50*1_000_000 {
		t.Errorf("kernel time after poll timeout: got %d ns expected >= 50 ms", got)
	}
	if rev, err := p.MMU.Read16(fdsAddr + 6); err != nil || rev != 0 {
		t.Errorf("revents: got %d (err %v) expected 0", rev, err)
	}
}

// Three yielding threads share the CPU in strict FIFO rotation: the
// interleaving log must be exactly cyclic and the per-thread yield counts
// equal.
func TestE2ECooperativeFairness(t *testing.T) {
	p := New(256*1024*1024, testLogger())

	const (
		counterAddr = uint64(e2eDataBase)
		logAddr     = uint64(e2eDataBase + 0x100)
		rounds      = 30
	)

	a := newProg()
	a.label("loop")
	a.movAbs(rCX, counterAddr)
	a.raw(0x8b, 0x01) // mov eax, [rcx]
	a.movAbs(rDX, logAddr)
	a.raw(0x89, 0x1c, 0x82) // mov [rdx+rax*4], ebx
	a.raw(0xff, 0xc0)       // inc eax
	a.raw(0x89, 0x01)       // mov [rcx], eax
	a.movImm32(rAX, 24)     // sched_yield
	a.syscall()
	a.raw(0xff, 0xce) // dec esi
	a.jne32("loop")
	a.movImm32(rAX, 60) // exit(0)
	a.raw(0x31, 0xff)
	a.syscall()

	first := loadProgram(t, p, a.assemble(t))
	first.RBX, first.RSI = 1, rounds
	second := spawnThreadAt(p, e2eCodeBase, e2eStackTop-0x2000)
	second.RBX, second.RSI = 2, rounds
	third := spawnThreadAt(p, e2eCodeBase, e2eStackTop-0x3000)
	third.RBX, third.RSI = 3, rounds

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	total, err := p.MMU.Read32(counterAddr)
	if err != nil {
		t.Fatalf("Read32(counter): %v", err)
	}
	if total != 3*rounds {
		t.Fatalf("total iterations: got: %d expected: %d", total, 3*rounds)
	}
	for i := uint64(0); i < 3*rounds; i++ {
		got, err := p.MMU.Read32(logAddr + i*4)
		if err != nil {
			t.Fatalf("Read32(log[%d]): %v", i, err)
		}
		want := uint32(i%3) + 1
		if got != want {
			t.Fatalf("interleaving log[%d]: got: %d expected: %d (FIFO rotation broken)", i, got, want)
		}
	}
}

// A lone thread futex-waiting with no timeout and nobody left to wake it
// is a deadlock, which kills the process rather than hanging the host.
func TestE2EDeadlockIsFatal(t *testing.T) {
	p := New(256*1024*1024, testLogger())

	a := newProg()
	a.movImm32(rAX, 202)
	a.movAbs(rDI, uint64(e2eDataBase))
	a.raw(0x31, 0xf6)       // FUTEX_WAIT
	a.raw(0x31, 0xd2)       // expected 0
	a.raw(0x4d, 0x31, 0xd2) // no timeout
	a.syscall()
	a.movImm32(rAX, 231)
	a.raw(0x31, 0xff)
	a.syscall()
	loadProgram(t, p, a.assemble(t))

	if err := p.Run(); err == nil {
		t.Errorf("expected a deadlock error from Run")
	}
}
