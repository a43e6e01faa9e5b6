package syscalltab

import "golang.org/x/sys/unix"

// Process-info and scheduling-tuning handlers: each returns host values
// or benign defaults, and the scheduling knobs are no-ops returning
// success. None of these touch guest memory beyond the fixed structs
// they fill in, so they live beside the other host-delegated calls
// rather than in their own adapter.

const (
	sysGetrlimit        = 97
	sysGetresuid        = 118
	sysGetresgid        = 120
	sysGetpgrp          = 111
	sysSchedGetaffinity = 204
	sysSchedSetaffinity = 203
	sysPrlimit64        = 302
)

func registerProcInfo(t *Table) {
	t.register(sysGetrlimit, "getrlimit", sysGetrlimitHandler)
	t.register(sysGetresuid, "getresuid", sysGetresuidHandler)
	t.register(sysGetresgid, "getresgid", sysGetresgidHandler)
	t.register(sysGetpgrp, "getpgrp", sysGetpgrpHandler)
	t.register(sysSchedGetaffinity, "sched_getaffinity", sysSchedGetaffinityHandler)
	t.register(sysSchedSetaffinity, "sched_setaffinity", sysSchedSetaffinityHandler)
	t.register(sysPrlimit64, "prlimit64", sysPrlimit64Handler)
}

// rlimInfinity is RLIM_INFINITY: every resource this emulator reports is
// unbounded, since it enforces none of them itself.
const rlimInfinity = ^uint64(0)

func sysGetrlimitHandler(m Machine, a Args) (uint64, Errno) {
	var buf [16]byte
	putLeU64(buf[0:8], rlimInfinity)
	putLeU64(buf[8:16], rlimInfinity)
	if err := m.WriteBytes(a.A1, buf[:]); err != nil {
		return 0, EFAULT
	}
	return 0, 0
}

// prlimit64(pid, resource, new_limit, old_limit): refuses a target other
// than the caller's own process (VEX never models another process's
// resource state) and otherwise reports the same unbounded pair as
// getrlimit.
func sysPrlimit64Handler(m Machine, a Args) (uint64, Errno) {
	if a.A0 != 0 && a.A0 != m.CurrentPid() {
		return 0, EPERM
	}
	if a.A3 != 0 {
		var buf [16]byte
		putLeU64(buf[0:8], rlimInfinity)
		putLeU64(buf[8:16], rlimInfinity)
		if err := m.WriteBytes(a.A3, buf[:]); err != nil {
			return 0, EFAULT
		}
	}
	return 0, 0
}

func sysGetresuidHandler(m Machine, a Args) (uint64, Errno) {
	return writeTriple(m, a.A0, a.A1, a.A2, uint32(unix.Getuid()))
}

func sysGetresgidHandler(m Machine, a Args) (uint64, Errno) {
	return writeTriple(m, a.A0, a.A1, a.A2, uint32(unix.Getgid()))
}

func writeTriple(m Machine, real, effective, saved uint64, v uint32) (uint64, Errno) {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	for _, addr := range []uint64{real, effective, saved} {
		if err := m.WriteBytes(addr, buf[:]); err != nil {
			return 0, EFAULT
		}
	}
	return 0, 0
}

func sysGetpgrpHandler(m Machine, a Args) (uint64, Errno) {
	return m.CurrentPid(), 0
}

// sched_getaffinity/sched_setaffinity are a single-host-thread emulator's
// scheduling no-op: VEX multiplexes every guest thread cooperatively onto
// one host thread, so "which CPU" is not a concept it tracks. A non-self
// pid is refused.
func sysSchedGetaffinityHandler(m Machine, a Args) (uint64, Errno) {
	if a.A0 != 0 && a.A0 != m.CurrentTid() {
		return 0, EPERM
	}
	size := int(a.A1)
	if size <= 0 {
		return 0, EINVAL
	}
	mask := make([]byte, size)
	mask[0] = 1
	if err := m.WriteBytes(a.A2, mask); err != nil {
		return 0, EFAULT
	}
	return uint64(size), 0
}

func sysSchedSetaffinityHandler(m Machine, a Args) (uint64, Errno) {
	if a.A0 != 0 && a.A0 != m.CurrentTid() {
		return 0, EPERM
	}
	return 0, 0
}
