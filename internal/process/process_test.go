package process

import (
	"io"
	"log/slog"
	"testing"

	"github.com/n-stott/x64emulator-sub001/internal/cpu"
	"github.com/n-stott/x64emulator-sub001/internal/mmu"
	"github.com/n-stott/x64emulator-sub001/internal/scheduler"
	"github.com/n-stott/x64emulator-sub001/internal/syscalltab"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spawnBareThread installs a runnable thread without going through the ELF
// loader, for tests that only exercise the syscall dispatch path.
func (p *Process) spawnBareThread() *cpu.CPU {
	c := cpu.New(procMemory{p.MMU}, p.Cache)
	c.OnSyscall = p.handleSyscall
	th := p.Sched.Spawn(p.pid, c)
	p.running[th.Tid] = c
	p.curTid = th.Tid
	return c
}

func TestFutexWaitRefusesStaleValue(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	addr, err := p.MMU.Mmap(0, mmu.PageSize, mmu.ProtRead|mmu.ProtWrite, mmu.FlagPrivate|mmu.FlagAnonymous, nil, nil)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := p.MMU.Write32(addr, 5); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	c := p.spawnBareThread()
	c.RAX = 202 // SYS_futex
	c.RDI = addr
	c.RSI = 0 // FUTEX_WAIT
	c.RDX = 1 // expected value the guest thinks is there; actual is 5

	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("handleSyscall: unexpected fault %v", fault)
	}
	if got := int64(int32(c.RAX)); got != -int64(syscalltab.EAGAIN) {
		t.Errorf("futex wait on stale value: got RAX=%d expected -EAGAIN (%d)", got, -int64(syscalltab.EAGAIN))
	}
	th, ok := p.Sched.Thread(p.curTid)
	if !ok {
		t.Fatalf("thread not found")
	}
	if th.State != scheduler.Runnable {
		t.Errorf("expected thread to stay Runnable on stale FUTEX_WAIT, got: %v", th.State)
	}
}

func TestFutexWaitBlocksOnMatchingValue(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	addr, err := p.MMU.Mmap(0, mmu.PageSize, mmu.ProtRead|mmu.ProtWrite, mmu.FlagPrivate|mmu.FlagAnonymous, nil, nil)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := p.MMU.Write32(addr, 0); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	c := p.spawnBareThread()
	c.RAX = 202
	c.RDI = addr
	c.RSI = 0
	c.RDX = 0 // matches the value actually in memory

	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("handleSyscall: unexpected fault %v", fault)
	}
	th, ok := p.Sched.Thread(p.curTid)
	if !ok {
		t.Fatalf("thread not found")
	}
	if th.State != scheduler.Blocked {
		t.Errorf("expected thread Blocked after matching FUTEX_WAIT, got state %v", th.State)
	}
}

func TestExitGroupPropagatesExitCode(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	c := p.spawnBareThread()
	c.RAX = 231 // SYS_exit_group
	c.RDI = 7

	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("handleSyscall: unexpected fault %v", fault)
	}
	if p.ExitCode() != 7 {
		t.Errorf("ExitCode: got: %d expected: %d", p.ExitCode(), 7)
	}
}

func TestUnknownSyscallNumberFaults(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	c := p.spawnBareThread()
	c.RAX = 9999 // not a recognized syscall number at all

	if fault := p.handleSyscall(c); fault != cpu.FaultUnsupported {
		t.Errorf("unrecognized syscall: got fault %v expected %v", fault, cpu.FaultUnsupported)
	}
}

func TestKnownUnsupportedSyscallReturnsErrnoNotFault(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	c := p.spawnBareThread()
	c.RAX = 59 // execve: registered stub, deliberately unsupported

	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("execve: unexpected fault %v", fault)
	}
	if got := int64(int32(c.RAX)); got != -int64(syscalltab.ENOTSUP) {
		t.Errorf("execve: got RAX=%d expected -ENOTSUP (%d)", got, -int64(syscalltab.ENOTSUP))
	}
}

func TestCloneWithPthreadProfileSpawnsThread(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	stackTop, err := p.MMU.Mmap(0, mmu.PageSize, mmu.ProtRead|mmu.ProtWrite, mmu.FlagPrivate|mmu.FlagAnonymous, nil, nil)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	parentTidAddr := stackTop

	c := p.spawnBareThread()
	c.RAX = 56 // SYS_clone
	c.RDI = expectedCloneFlags
	c.RSI = stackTop + mmu.PageSize
	c.RDX = parentTidAddr
	c.R10 = 0
	c.R8 = 0xcafe // tls

	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("clone: unexpected fault %v", fault)
	}
	childTid := c.RAX
	if childTid == 0 {
		t.Fatalf("clone: expected a nonzero child tid in RAX, got 0")
	}
	got, err := p.MMU.Read32(parentTidAddr)
	if err != nil {
		t.Fatalf("Read32(parent_tid): %v", err)
	}
	if uint64(got) != childTid {
		t.Errorf("parent_tid: got: %d expected: %d", got, childTid)
	}
}

func TestCloneWithUnsupportedFlagsIsFatal(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	c := p.spawnBareThread()
	c.RAX = 56
	c.RDI = expectedCloneFlags &^ cloneSighand // drop a required bit

	if fault := p.handleSyscall(c); fault != cpu.FaultUnsupported {
		t.Errorf("clone with bad flags: got fault %v expected %v", fault, cpu.FaultUnsupported)
	}
}

func TestFutexWakeOpAppliesOpAndWakes(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	addr, err := p.MMU.Mmap(0, mmu.PageSize, mmu.ProtRead|mmu.ProtWrite, mmu.FlagPrivate|mmu.FlagAnonymous, nil, nil)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	uaddr := addr
	uaddr2 := addr + 0x40
	if err := p.MMU.Write32(uaddr2, 5); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	// park a waiter on uaddr (value 0, expected 0)
	waiterCPU := p.spawnBareThread()
	waiterCPU.RAX, waiterCPU.RDI, waiterCPU.RSI, waiterCPU.RDX, waiterCPU.R10 = 202, uaddr, 0, 0, 0
	if fault := p.handleSyscall(waiterCPU); fault != cpu.FaultNone {
		t.Fatalf("futex wait: fault %v", fault)
	}
	waiter, _ := p.Sched.Thread(p.curTid)
	if waiter.State != scheduler.Blocked {
		t.Fatalf("expected waiter Blocked, got %v", waiter.State)
	}

	// FUTEX_WAKE_OP: *uaddr2 += 3 (op ADD, oparg 3), wake 1 on uaddr,
	// wake on uaddr2 if old value > 4 (cmp GT, cmparg 4)
	caller := p.spawnBareThread()
	val3 := uint64(1<<28 | 4<<24 | 3<<12 | 4)
	caller.RAX, caller.RDI, caller.RSI, caller.RDX, caller.R10, caller.R8, caller.R9 = 202, uaddr, 5, 1, 1, uaddr2, val3
	if fault := p.handleSyscall(caller); fault != cpu.FaultNone {
		t.Fatalf("futex wake_op: fault %v", fault)
	}
	if caller.RAX != 1 {
		t.Errorf("wake_op woken count: got: %d expected: 1", caller.RAX)
	}
	if waiter.State != scheduler.Runnable {
		t.Errorf("expected waiter Runnable after wake_op, got %v", waiter.State)
	}
	v, err := p.MMU.Read32(uaddr2)
	if err != nil {
		t.Fatalf("Read32(uaddr2): %v", err)
	}
	if v != 8 {
		t.Errorf("*uaddr2 after op ADD 3: got: %d expected: 8", v)
	}
}

func TestExitWalksRobustList(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	base, err := p.MMU.Mmap(0, mmu.PageSize, mmu.ProtRead|mmu.ProtWrite, mmu.FlagPrivate|mmu.FlagAnonymous, nil, nil)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	c := p.spawnBareThread()
	tid := p.curTid

	// robust_list_head at base: one entry at base+0x40 whose futex word
	// (entry + futex_offset) still names this tid as owner
	head := base
	entry := base + 0x40
	futexOffset := uint64(16)
	futexWord := entry + futexOffset
	if err := p.MMU.Write64(head, entry); err != nil { // head.next
		t.Fatalf("write head.next: %v", err)
	}
	if err := p.MMU.Write64(head+8, futexOffset); err != nil {
		t.Fatalf("write futex_offset: %v", err)
	}
	if err := p.MMU.Write64(entry, head); err != nil { // entry.next -> head (end)
		t.Fatalf("write entry.next: %v", err)
	}
	if err := p.MMU.Write32(futexWord, uint32(tid)); err != nil {
		t.Fatalf("write futex word: %v", err)
	}

	c.RAX, c.RDI, c.RSI = 273, head, 24 // set_robust_list
	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("set_robust_list: fault %v", fault)
	}
	if c.RAX != 0 {
		t.Fatalf("set_robust_list returned %d", int64(c.RAX))
	}

	c.RAX, c.RDI = 60, 0 // exit(0)
	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("exit: fault %v", fault)
	}
	v, err := p.MMU.Read32(futexWord)
	if err != nil {
		t.Fatalf("Read32(futex word): %v", err)
	}
	if v&0x40000000 == 0 {
		t.Errorf("expected owner-died bit set on robust futex, got %#x", v)
	}
	if v&0x3fffffff != uint32(tid) {
		t.Errorf("expected owner tid preserved in robust futex, got %#x", v)
	}
}

func TestMunmapInvalidatesDecodeCache(t *testing.T) {
	p := New(64*1024*1024, testLogger())
	c := p.spawnBareThread()

	// mmap an executable page; the adapter registers a decode section
	c.RAX, c.RDI, c.RSI, c.RDX, c.R10 = 9, 0, mmu.PageSize, 0x5, 0x22
	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("mmap: fault %v", fault)
	}
	base := c.RAX
	if err := p.MMU.CopyToMMU(base, []byte{0x90}); err != nil { // nop
		t.Fatalf("CopyToMMU: %v", err)
	}
	if _, err := p.Cache.Lookup(procMemory{p.MMU}, base); err != nil {
		t.Fatalf("Lookup before munmap: %v", err)
	}

	c.RAX, c.RDI, c.RSI = 11, base, mmu.PageSize
	if fault := p.handleSyscall(c); fault != cpu.FaultNone {
		t.Fatalf("munmap: fault %v", fault)
	}
	if _, err := p.Cache.Lookup(procMemory{p.MMU}, base); err == nil {
		t.Errorf("expected decode lookup to fail after munmap of its region")
	}
}
