package syscalltab

import "testing"

type fakeMachine struct {
	mem    map[uint64][]byte
	tid    uint64
	pid    uint64
	fsBase uint64
	gsBase uint64
}

func (f *fakeMachine) ReadBytes(addr uint64, n int) ([]byte, error) {
	b, ok := f.mem[addr]
	if !ok || len(b) < n {
		return nil, errNotMapped
	}
	return b[:n], nil
}

func (f *fakeMachine) WriteBytes(addr uint64, p []byte) error {
	if f.mem == nil {
		f.mem = make(map[uint64][]byte)
	}
	f.mem[addr] = append([]byte{}, p...)
	return nil
}

func (f *fakeMachine) ReadCString(addr uint64, max int) (string, error) { return "", errNotMapped }
func (f *fakeMachine) CurrentTid() uint64                               { return f.tid }
func (f *fakeMachine) CurrentPid() uint64                               { return f.pid }
func (f *fakeMachine) FSBase() uint64                                   { return f.fsBase }
func (f *fakeMachine) SetFSBase(v uint64)                               { f.fsBase = v }
func (f *fakeMachine) GSBase() uint64                                   { return f.gsBase }
func (f *fakeMachine) SetGSBase(v uint64)                               { f.gsBase = v }

type fakeErrStr string

func (e fakeErrStr) Error() string { return string(e) }

const errNotMapped = fakeErrStr("not mapped")

func TestDispatchUnregisteredReturnsENOSYS(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	_, errno := tab.Dispatch(m, 999999, Args{})
	if errno != ENOSYS {
		t.Errorf("Dispatch unknown syscall: got errno: %d expected: %d", errno, ENOSYS)
	}
}

func TestDispatchGettidUsesMachine(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{tid: 42}
	v, errno := tab.Dispatch(m, sysGettid, Args{})
	if errno != 0 {
		t.Fatalf("Dispatch gettid failed: errno %d", errno)
	}
	if v != 42 {
		t.Errorf("gettid: got: %d expected: %d", v, 42)
	}
}

type fakeThreadOps struct {
	exitCode int
	exited   bool

	cloneFlags     uint64
	cloneStack     uint64
	cloneParentTid uint64
	cloneChildTid  uint64
	cloneTLS       uint64
}

func (f *fakeThreadOps) Clone(flags, stack, parentTidPtr, childTidPtr, tls uint64) (uint64, Errno) {
	f.cloneFlags, f.cloneStack, f.cloneParentTid, f.cloneChildTid, f.cloneTLS =
		flags, stack, parentTidPtr, childTidPtr, tls
	return 7, 0
}
func (f *fakeThreadOps) Exit(code int)      { f.exited = true; f.exitCode = code }
func (f *fakeThreadOps) ExitGroup(code int) { f.exited = true; f.exitCode = code }
func (f *fakeThreadOps) SetTidAddress(addr uint64) uint64   { return 1 }
func (f *fakeThreadOps) SetRobustList(head, length uint64) Errno { return 0 }
func (f *fakeThreadOps) Tgkill(tgid, tid, sig int32) Errno       { return 0 }
func (f *fakeThreadOps) Gettid() uint64                          { return 1 }
func (f *fakeThreadOps) Getpid() uint64                          { return 1 }

func TestDispatchExitInvokesThreadOps(t *testing.T) {
	ops := &fakeThreadOps{}
	BindThreadOps(ops)
	defer BindThreadOps(nil)

	tab := NewTable()
	m := &fakeMachine{}
	_, errno := tab.Dispatch(m, sysExit, Args{A0: 7})
	if errno != 0 {
		t.Fatalf("Dispatch exit failed: errno %d", errno)
	}
	if !ops.exited || ops.exitCode != 7 {
		t.Errorf("Exit: got exited=%v code=%d expected exited=true code=7", ops.exited, ops.exitCode)
	}
}

func TestArchPrctlSetsFSBase(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	_, errno := tab.Dispatch(m, sysArchPrctl, Args{A0: archSetFS, A1: 0xdeadbeef})
	if errno != 0 {
		t.Fatalf("Dispatch arch_prctl(SET_FS) failed: errno %d", errno)
	}
	if m.fsBase != 0xdeadbeef {
		t.Errorf("FSBase: got: %#x expected: %#x", m.fsBase, uint64(0xdeadbeef))
	}
}

func TestWriteToUnknownFdReturnsEBADF(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	if _, errno := tab.Dispatch(m, sysWrite, Args{A0: 3, A1: 0, A2: 4}); errno != EBADF {
		t.Errorf("write to fd 3: got: %d expected: %d", errno, EBADF)
	}
}

func TestWriteZeroLengthIsNoop(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	n, errno := tab.Dispatch(m, sysWrite, Args{A0: stdoutFd, A1: 0, A2: 0})
	if errno != 0 {
		t.Fatalf("write zero length: errno %d", errno)
	}
	if n != 0 {
		t.Errorf("write zero length: got: %d expected: %d", n, 0)
	}
}

func TestReadFromNonStdinFdReturnsEBADF(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	if _, errno := tab.Dispatch(m, sysRead, Args{A0: 5, A1: 0, A2: 8}); errno != EBADF {
		t.Errorf("read from fd 5: got: %d expected: %d", errno, EBADF)
	}
}

func TestStubsReturnFixedErrno(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	if _, errno := tab.Dispatch(m, sysExecve, Args{}); errno != ENOTSUP {
		t.Errorf("execve stub: got: %d expected: %d", errno, ENOTSUP)
	}
	if _, errno := tab.Dispatch(m, sysMount, Args{}); errno != EPERM {
		t.Errorf("mount stub: got: %d expected: %d", errno, EPERM)
	}
	if _, errno := tab.Dispatch(m, sysRtSigaction, Args{}); errno != ENOTSUP {
		t.Errorf("rt_sigaction stub: got: %d expected: %d", errno, ENOTSUP)
	}
}

func TestGetppidReturnsOwnPid(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{pid: 9}
	v, errno := tab.Dispatch(m, sysGetppid, Args{})
	if errno != 0 {
		t.Fatalf("getppid failed: errno %d", errno)
	}
	if v != 9 {
		t.Errorf("getppid: got: %d expected: %d", v, 9)
	}
}

func TestGetrlimitReportsInfinity(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	_, errno := tab.Dispatch(m, sysGetrlimit, Args{A0: 0, A1: 0x2000})
	if errno != 0 {
		t.Fatalf("getrlimit failed: errno %d", errno)
	}
	got, _ := m.ReadBytes(0x2000, 16)
	for i, b := range got {
		if b != 0xff {
			t.Fatalf("getrlimit buf[%d]: got %#x expected 0xff", i, b)
		}
	}
}

func TestSchedGetaffinityRefusesOtherTid(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{tid: 5}
	if _, errno := tab.Dispatch(m, sysSchedGetaffinity, Args{A0: 6, A1: 8, A2: 0x3000}); errno != EPERM {
		t.Errorf("sched_getaffinity(other tid): got: %d expected: %d", errno, EPERM)
	}
	n, errno := tab.Dispatch(m, sysSchedGetaffinity, Args{A0: 5, A1: 8, A2: 0x3000})
	if errno != 0 {
		t.Fatalf("sched_getaffinity(self): errno %d", errno)
	}
	if n != 8 {
		t.Errorf("sched_getaffinity mask size: got: %d expected: %d", n, 8)
	}
}

func TestClone3ReadsStructAndDelegates(t *testing.T) {
	ops := &fakeThreadOps{}
	BindThreadOps(ops)
	defer BindThreadOps(nil)

	tab := NewTable()
	m := &fakeMachine{}
	buf := make([]byte, cloneArgsTLS+8)
	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	// distinct values per clone_args field, at their ABI offsets:
	// flags=0, pidfd=8, child_tid=16, parent_tid=24, exit_signal=32,
	// stack=40, stack_size=48, tls=56
	putU64(cloneArgsFlags, 0x111)
	putU64(cloneArgsChildTid, 0x2220)
	putU64(cloneArgsParentTid, 0x3330)
	putU64(4*8, 17) // exit_signal: must not leak into any Clone argument
	putU64(cloneArgsStack, 0x40000)
	putU64(cloneArgsStackSize, 0x4000)
	putU64(cloneArgsTLS, 0x5550)
	m.WriteBytes(0x1000, buf)
	v, errno := tab.Dispatch(m, sysClone3, Args{A0: 0x1000, A1: uint64(len(buf))})
	if errno != 0 {
		t.Fatalf("clone3 failed: errno %d", errno)
	}
	if v != 7 {
		t.Errorf("clone3: got: %d expected: %d (fakeThreadOps.Clone's fixed tid)", v, 7)
	}
	if ops.cloneFlags != 0x111 {
		t.Errorf("clone3 flags: got: %#x expected: %#x", ops.cloneFlags, 0x111)
	}
	if ops.cloneChildTid != 0x2220 {
		t.Errorf("clone3 child_tid: got: %#x expected: %#x", ops.cloneChildTid, 0x2220)
	}
	if ops.cloneParentTid != 0x3330 {
		t.Errorf("clone3 parent_tid: got: %#x expected: %#x", ops.cloneParentTid, 0x3330)
	}
	if ops.cloneStack != 0x44000 {
		t.Errorf("clone3 stack (base+size): got: %#x expected: %#x", ops.cloneStack, 0x44000)
	}
	if ops.cloneTLS != 0x5550 {
		t.Errorf("clone3 tls: got: %#x expected: %#x", ops.cloneTLS, 0x5550)
	}
}

type fakeWaitOps struct {
	sleptNs    int64
	waitAddr   uint64
	waitVal    uint32
	waitNs     int64
	hadTimeout bool
	polled     bool
	pollMs     int64
}

func (f *fakeWaitOps) FutexWait(addr uint64, val uint32, bitset uint32, timeoutNs int64, hasTimeout bool) Errno {
	f.waitAddr, f.waitVal, f.waitNs, f.hadTimeout = addr, val, timeoutNs, hasTimeout
	return 0
}
func (f *fakeWaitOps) FutexWake(addr uint64, n int, bitset uint32) (int, Errno) { return n, 0 }
func (f *fakeWaitOps) FutexWakeOp(addr uint64, n int, addr2 uint64, n2 int, val3 uint32) (int, Errno) {
	return n + n2, 0
}
func (f *fakeWaitOps) Nanosleep(durationNs int64) Errno { f.sleptNs = durationNs; return 0 }
func (f *fakeWaitOps) Poll(fds []PollFd, timeoutMs int64) (int, Errno) {
	f.polled, f.pollMs = true, timeoutMs
	return 0, 0
}
func (f *fakeWaitOps) Select(nfds int, r, w, e uint64, timeoutUs int64, hasTimeout bool) (int, Errno) {
	return 0, 0
}
func (f *fakeWaitOps) EpollWait(epfd int, maxEvents int, timeoutMs int64) (int, Errno) { return 0, 0 }
func (f *fakeWaitOps) SchedYield()                                                    {}

func writeTimespec(m *fakeMachine, addr uint64, sec, nsec uint64) {
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(sec >> (8 * i))
		buf[8+i] = byte(nsec >> (8 * i))
	}
	m.WriteBytes(addr, buf)
}

func TestNanosleepReadsTimespec(t *testing.T) {
	ops := &fakeWaitOps{}
	BindWaitOps(ops)
	defer BindWaitOps(nil)

	tab := NewTable()
	m := &fakeMachine{}
	writeTimespec(m, 0x1000, 1, 500_000_000)
	if _, errno := tab.Dispatch(m, sysNanosleep, Args{A0: 0x1000}); errno != 0 {
		t.Fatalf("nanosleep: errno %d", errno)
	}
	if ops.sleptNs != 1_500_000_000 {
		t.Errorf("slept: got: %d expected: %d", ops.sleptNs, 1_500_000_000)
	}
}

func TestFutexWaitReadsTimeoutTimespec(t *testing.T) {
	ops := &fakeWaitOps{}
	BindWaitOps(ops)
	defer BindWaitOps(nil)

	tab := NewTable()
	m := &fakeMachine{}
	writeTimespec(m, 0x2000, 0, 250_000_000)
	if _, errno := tab.Dispatch(m, sysFutex, Args{A0: 0x9000, A1: futexWait, A2: 7, A3: 0x2000}); errno != 0 {
		t.Fatalf("futex wait: errno %d", errno)
	}
	if ops.waitAddr != 0x9000 || ops.waitVal != 7 {
		t.Errorf("wait args: got addr=%#x val=%d expected addr=0x9000 val=7", ops.waitAddr, ops.waitVal)
	}
	if !ops.hadTimeout || ops.waitNs != 250_000_000 {
		t.Errorf("wait timeout: got (%v, %d) expected (true, 250000000)", ops.hadTimeout, ops.waitNs)
	}
}

func TestFutexWaitNullTimeoutMeansForever(t *testing.T) {
	ops := &fakeWaitOps{}
	BindWaitOps(ops)
	defer BindWaitOps(nil)

	tab := NewTable()
	m := &fakeMachine{}
	if _, errno := tab.Dispatch(m, sysFutex, Args{A0: 0x9000, A1: futexWait, A2: 7}); errno != 0 {
		t.Fatalf("futex wait: errno %d", errno)
	}
	if ops.hadTimeout {
		t.Errorf("expected no timeout for a null timespec pointer")
	}
}

func TestPpollConvertsTimespecToMs(t *testing.T) {
	ops := &fakeWaitOps{}
	BindWaitOps(ops)
	defer BindWaitOps(nil)

	tab := NewTable()
	m := &fakeMachine{}
	m.WriteBytes(0x3000, make([]byte, 8)) // one zeroed pollfd
	writeTimespec(m, 0x4000, 0, 75_000_000)
	if _, errno := tab.Dispatch(m, sysPpoll, Args{A0: 0x3000, A1: 1, A2: 0x4000}); errno != 0 {
		t.Fatalf("ppoll: errno %d", errno)
	}
	if !ops.polled || ops.pollMs != 75 {
		t.Errorf("ppoll timeout: got (%v, %d) expected (true, 75)", ops.polled, ops.pollMs)
	}
}

func TestFstatReportsCharDevice(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	if _, errno := tab.Dispatch(m, sysFstat, Args{A0: 1, A1: 0x5000}); errno != 0 {
		t.Fatalf("fstat(1): errno %d", errno)
	}
	buf, err := m.ReadBytes(0x5000, statSize)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	mode := uint32(buf[statModeOff]) | uint32(buf[statModeOff+1])<<8
	if mode&0xf000 != statCharDevice {
		t.Errorf("st_mode: got %#x expected a character device", mode)
	}
	if _, errno := tab.Dispatch(m, sysFstat, Args{A0: 9, A1: 0x5000}); errno != EBADF {
		t.Errorf("fstat(9): got: %d expected: %d", errno, EBADF)
	}
}

func TestIoctlReportsNotATty(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	if _, errno := tab.Dispatch(m, sysIoctl, Args{A0: 1, A1: 0x5401}); errno != ENOTTY {
		t.Errorf("ioctl(1, TCGETS): got: %d expected: %d", errno, ENOTTY)
	}
}

func TestWritevToUnknownFdReturnsEBADF(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	if _, errno := tab.Dispatch(m, sysWritev, Args{A0: 7, A1: 0, A2: 1}); errno != EBADF {
		t.Errorf("writev to fd 7: got: %d expected: %d", errno, EBADF)
	}
}

func TestFsSyscallsAreRecognizedButUnavailable(t *testing.T) {
	tab := NewTable()
	m := &fakeMachine{}
	for _, no := range []int{2, 257, 41, 291} { // open, openat, socket, epoll_create1
		if tab.Name(no) == "" {
			t.Errorf("syscall %d: expected a registered name", no)
		}
		if _, errno := tab.Dispatch(m, no, Args{}); errno != ENOSYS {
			t.Errorf("syscall %d: got: %d expected: %d", no, errno, ENOSYS)
		}
	}
}
