package syscalltab

import "golang.org/x/sys/unix"

// WaitOps is implemented by the process's scheduler for the blocking
// syscall family: futex, nanosleep, poll, select, epoll_wait. Each handler
// returns immediately after registering the block; the scheduler's run
// loop is what actually parks the calling thread.
type WaitOps interface {
	FutexWait(addr uint64, val uint32, bitset uint32, timeoutNs int64, hasTimeout bool) Errno
	FutexWake(addr uint64, n int, bitset uint32) (int, Errno)
	FutexWakeOp(addr uint64, n int, addr2 uint64, n2 int, val3 uint32) (int, Errno)
	Nanosleep(durationNs int64) Errno
	Poll(fds []PollFd, timeoutMs int64) (int, Errno)
	Select(nfds int, readFds, writeFds, exceptFds uint64, timeoutUs int64, hasTimeout bool) (int, Errno)
	EpollWait(epfd int, maxEvents int, timeoutMs int64) (int, Errno)
	SchedYield()
}

// PollFd mirrors struct pollfd for the Poll handler's argument marshaling.
type PollFd struct {
	FD      int32
	Events  int16
	Revents int16
}

var waitOps WaitOps

// BindWaitOps installs the scheduler-backed implementation.
func BindWaitOps(ops WaitOps) { waitOps = ops }

const (
	sysFutex          = 202
	sysNanosleep      = 35
	sysClockNanosleep = 230
	sysPoll           = 7
	sysPpoll          = 271
	sysSelect         = 23
	sysPselect6       = 270
	sysEpollWait      = 232
	sysSchedYield     = 24
)

const (
	futexWait        = 0
	futexWake        = 1
	futexWakeOp      = 5
	futexWaitBitset  = 9
	futexWakeBitset  = 10
	futexPrivateFlag = 128
	futexClockRT     = 256
)

const timerAbstime = 1

func registerSyncWait(t *Table) {
	t.register(sysFutex, "futex", sysFutexHandler)
	t.register(sysNanosleep, "nanosleep", sysNanosleepHandler)
	t.register(sysClockNanosleep, "clock_nanosleep", sysClockNanosleepHandler)
	t.register(sysPoll, "poll", sysPollHandler)
	t.register(sysPpoll, "ppoll", sysPpollHandler)
	t.register(sysSelect, "select", sysSelectHandler)
	t.register(sysPselect6, "pselect6", sysPselect6Handler)
	t.register(sysEpollWait, "epoll_wait", sysEpollWaitHandler)
	t.register(sysSchedYield, "sched_yield", sysSchedYieldHandler)
}

// readTimespecNs reads a struct timespec out of guest memory and flattens
// it to nanoseconds. A null pointer means "no timeout".
func readTimespecNs(m Machine, addr uint64) (int64, bool, Errno) {
	if addr == 0 {
		return 0, false, 0
	}
	raw, err := m.ReadBytes(addr, 16)
	if err != nil {
		return 0, false, EFAULT
	}
	sec := int64(leU64(raw[0:8]))
	nsec := int64(leU64(raw[8:16]))
	if nsec < 0 || nsec >= 1_000_000_000 {
		return 0, false, EINVAL
	}
	return sec*1_000_000_000 + nsec, true, 0
}

func sysFutexHandler(m Machine, a Args) (uint64, Errno) {
	if waitOps == nil {
		return 0, ENOSYS
	}
	op := int(a.A1) &^ (futexPrivateFlag | futexClockRT)
	switch op {
	case futexWait:
		ns, has, errno := readTimespecNs(m, a.A3)
		if errno != 0 {
			return 0, errno
		}
		return 0, waitOps.FutexWait(a.A0, uint32(a.A2), 0xffffffff, ns, has)
	case futexWaitBitset:
		// FUTEX_WAIT_BITSET takes an absolute deadline; VEX's kernel clock
		// advances with retired instructions rather than tracking the host
		// clock, so the deadline is treated as a plain duration. A waiter
		// can wake late but never early, which the futex contract allows.
		ns, has, errno := readTimespecNs(m, a.A3)
		if errno != 0 {
			return 0, errno
		}
		return 0, waitOps.FutexWait(a.A0, uint32(a.A2), uint32(a.A5), ns, has)
	case futexWake:
		n, errno := waitOps.FutexWake(a.A0, int(int32(a.A2)), 0xffffffff)
		return uint64(n), errno
	case futexWakeBitset:
		n, errno := waitOps.FutexWake(a.A0, int(int32(a.A2)), uint32(a.A5))
		return uint64(n), errno
	case futexWakeOp:
		// futex(uaddr, WAKE_OP, val, val2, uaddr2, val3): val2 rides in the
		// timeout register slot as a count, not a pointer.
		n, errno := waitOps.FutexWakeOp(a.A0, int(int32(a.A2)), a.A4, int(int32(a.A3)), uint32(a.A5))
		return uint64(n), errno
	default:
		return 0, ENOSYS
	}
}

func sysNanosleepHandler(m Machine, a Args) (uint64, Errno) {
	if waitOps == nil {
		return 0, ENOSYS
	}
	ns, has, errno := readTimespecNs(m, a.A0)
	if errno != 0 {
		return 0, errno
	}
	if !has {
		return 0, EFAULT
	}
	return 0, waitOps.Nanosleep(ns)
}

// clock_nanosleep(clockid, flags, req, rem): with TIMER_ABSTIME the request
// is a deadline on the given clock; the guest read that clock through the
// host (clock_gettime is host-delegated), so the remaining duration is
// computed against the host clock too, then slept on kernel time.
func sysClockNanosleepHandler(m Machine, a Args) (uint64, Errno) {
	if waitOps == nil {
		return 0, ENOSYS
	}
	ns, has, errno := readTimespecNs(m, a.A2)
	if errno != 0 {
		return 0, errno
	}
	if !has {
		return 0, EFAULT
	}
	if a.A1&timerAbstime != 0 {
		var now unix.Timespec
		if err := unix.ClockGettime(int32(a.A0), &now); err != nil {
			return 0, hostErrno(err)
		}
		ns -= now.Sec*1_000_000_000 + now.Nsec
		if ns <= 0 {
			return 0, 0
		}
	}
	return 0, waitOps.Nanosleep(ns)
}

func pollCommon(m Machine, fdsPtr uint64, nfds int, timeoutMs int64) (uint64, Errno) {
	fds := make([]PollFd, nfds)
	for i := 0; i < nfds; i++ {
		raw, err := m.ReadBytes(fdsPtr+uint64(i*8), 8)
		if err != nil {
			return 0, EFAULT
		}
		fds[i] = PollFd{
			FD:     int32(leU32(raw[0:4])),
			Events: int16(leU16(raw[4:6])),
		}
	}
	n, errno := waitOps.Poll(fds, timeoutMs)
	if errno != 0 {
		return 0, errno
	}
	for i, fd := range fds {
		var buf [2]byte
		buf[0] = byte(fd.Revents)
		buf[1] = byte(fd.Revents >> 8)
		if err := m.WriteBytes(fdsPtr+uint64(i*8)+6, buf[:]); err != nil {
			return 0, EFAULT
		}
	}
	return uint64(n), 0
}

func sysPollHandler(m Machine, a Args) (uint64, Errno) {
	if waitOps == nil {
		return 0, ENOSYS
	}
	return pollCommon(m, a.A0, int(a.A1), int64(int32(a.A2)))
}

func sysPpollHandler(m Machine, a Args) (uint64, Errno) {
	if waitOps == nil {
		return 0, ENOSYS
	}
	timeoutMs := int64(-1)
	ns, has, errno := readTimespecNs(m, a.A2)
	if errno != 0 {
		return 0, errno
	}
	if has {
		timeoutMs = ns / 1_000_000
	}
	return pollCommon(m, a.A0, int(a.A1), timeoutMs)
}

func sysSelectHandler(m Machine, a Args) (uint64, Errno) {
	if waitOps == nil {
		return 0, ENOSYS
	}
	timeoutUs := int64(0)
	hasTimeout := a.A4 != 0
	if hasTimeout {
		raw, err := m.ReadBytes(a.A4, 16)
		if err != nil {
			return 0, EFAULT
		}
		timeoutUs = int64(leU64(raw[0:8]))*1_000_000 + int64(leU64(raw[8:16]))
	}
	n, errno := waitOps.Select(int(int32(a.A0)), a.A1, a.A2, a.A3, timeoutUs, hasTimeout)
	return uint64(n), errno
}

// pselect6 differs from select in taking a timespec (nanoseconds) rather
// than a timeval; the trailing sigmask argument is ignored since VEX
// delivers no signals.
func sysPselect6Handler(m Machine, a Args) (uint64, Errno) {
	if waitOps == nil {
		return 0, ENOSYS
	}
	ns, has, errno := readTimespecNs(m, a.A4)
	if errno != 0 {
		return 0, errno
	}
	n, werrno := waitOps.Select(int(int32(a.A0)), a.A1, a.A2, a.A3, ns/1000, has)
	return uint64(n), werrno
}

func sysEpollWaitHandler(m Machine, a Args) (uint64, Errno) {
	if waitOps == nil {
		return 0, ENOSYS
	}
	n, errno := waitOps.EpollWait(int(int32(a.A0)), int(int32(a.A2)), int64(int32(a.A3)))
	return uint64(n), errno
}

func sysSchedYieldHandler(m Machine, a Args) (uint64, Errno) {
	if waitOps != nil {
		waitOps.SchedYield()
	}
	return 0, 0
}

func leU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
