package syscalltab

import (
	"golang.org/x/sys/unix"
)

// Host-delegated handlers: calls whose results the emulator has no
// reason to invent are answered straight from the host kernel via
// golang.org/x/sys/unix, with guest pointers marshalled through the MMU
// on the way in and out.

const (
	sysGetuid       = 102
	sysGeteuid      = 107
	sysGetgid       = 104
	sysGetegid      = 108
	sysUname        = 63
	sysGetcwd       = 79
	sysReadlink     = 89
	sysSysinfo      = 99
	sysClockGettime = 228
	sysClockGetres  = 229
	sysGettimeofday = 96
	sysGetrandom    = 318
	sysArchPrctl    = 158
)

const (
	archSetGS = 0x1001
	archSetFS = 0x1002
	archGetFS = 0x1003
	archGetGS = 0x1004
)

func registerHostDelegated(t *Table) {
	t.register(sysGetuid, "getuid", sysGetuidHandler)
	t.register(sysGeteuid, "geteuid", sysGeteuidHandler)
	t.register(sysGetgid, "getgid", sysGetgidHandler)
	t.register(sysGetegid, "getegid", sysGetegidHandler)
	t.register(sysUname, "uname", sysUnameHandler)
	t.register(sysGetcwd, "getcwd", sysGetcwdHandler)
	t.register(sysReadlink, "readlink", sysReadlinkHandler)
	t.register(sysSysinfo, "sysinfo", sysSysinfoHandler)
	t.register(sysClockGettime, "clock_gettime", sysClockGettimeHandler)
	t.register(sysClockGetres, "clock_getres", sysClockGetresHandler)
	t.register(sysGettimeofday, "gettimeofday", sysGettimeofdayHandler)
	t.register(sysGetrandom, "getrandom", sysGetrandomHandler)
	t.register(sysArchPrctl, "arch_prctl", sysArchPrctlHandler)
}

func sysGetcwdHandler(m Machine, a Args) (uint64, Errno) {
	wd, err := unix.Getwd()
	if err != nil {
		return 0, hostErrno(err)
	}
	b := append([]byte(wd), 0)
	if uint64(len(b)) > a.A1 {
		return 0, Errno(34) // ERANGE
	}
	if err := m.WriteBytes(a.A0, b); err != nil {
		return 0, EFAULT
	}
	return uint64(len(b)), 0
}

func sysReadlinkHandler(m Machine, a Args) (uint64, Errno) {
	path, err := m.ReadCString(a.A0, 4096)
	if err != nil {
		return 0, EFAULT
	}
	buf := make([]byte, a.A2)
	n, rerr := unix.Readlink(path, buf)
	if rerr != nil {
		return 0, hostErrno(rerr)
	}
	if err := m.WriteBytes(a.A1, buf[:n]); err != nil {
		return 0, EFAULT
	}
	return uint64(n), 0
}

// sysinfo marshals the host's struct sysinfo field by field; the layout is
// fixed by the x86-64 ABI (8-byte loads, then memory sizes, then counts).
func sysSysinfoHandler(m Machine, a Args) (uint64, Errno) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, hostErrno(err)
	}
	buf := make([]byte, 112)
	putLeU64(buf[0:], uint64(si.Uptime))
	putLeU64(buf[8:], si.Loads[0])
	putLeU64(buf[16:], si.Loads[1])
	putLeU64(buf[24:], si.Loads[2])
	putLeU64(buf[32:], si.Totalram)
	putLeU64(buf[40:], si.Freeram)
	putLeU64(buf[48:], si.Sharedram)
	putLeU64(buf[56:], si.Bufferram)
	putLeU64(buf[64:], si.Totalswap)
	putLeU64(buf[72:], si.Freeswap)
	buf[80] = byte(si.Procs)
	buf[81] = byte(si.Procs >> 8)
	putLeU64(buf[88:], si.Totalhigh)
	putLeU64(buf[96:], si.Freehigh)
	buf[104] = byte(si.Unit)
	buf[105] = byte(si.Unit >> 8)
	buf[106] = byte(si.Unit >> 16)
	buf[107] = byte(si.Unit >> 24)
	if err := m.WriteBytes(a.A0, buf); err != nil {
		return 0, EFAULT
	}
	return 0, 0
}

func sysClockGetresHandler(m Machine, a Args) (uint64, Errno) {
	if a.A1 == 0 {
		return 0, 0
	}
	var buf [16]byte
	putLeU64(buf[0:8], 0)
	putLeU64(buf[8:16], 1) // 1 ns resolution, matching the kernel-time tick
	if err := m.WriteBytes(a.A1, buf[:]); err != nil {
		return 0, EFAULT
	}
	return 0, 0
}

// arch_prctl(ARCH_SET_FS, addr) is how glibc's startup code installs the
// thread's TLS base; the CPU consults the same FSBase field for every
// fs:-segment-relative effective address.
func sysArchPrctlHandler(m Machine, a Args) (uint64, Errno) {
	switch a.A0 {
	case archSetFS:
		m.SetFSBase(a.A1)
		return 0, 0
	case archSetGS:
		m.SetGSBase(a.A1)
		return 0, 0
	case archGetFS:
		if err := m.WriteBytes(a.A1, leU64Bytes(m.FSBase())); err != nil {
			return 0, EFAULT
		}
		return 0, 0
	case archGetGS:
		if err := m.WriteBytes(a.A1, leU64Bytes(m.GSBase())); err != nil {
			return 0, EFAULT
		}
		return 0, 0
	}
	return 0, EINVAL
}

func leU64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	putLeU64(b, v)
	return b
}

func sysGetuidHandler(m Machine, a Args) (uint64, Errno)  { return uint64(unix.Getuid()), 0 }
func sysGeteuidHandler(m Machine, a Args) (uint64, Errno) { return uint64(unix.Geteuid()), 0 }
func sysGetgidHandler(m Machine, a Args) (uint64, Errno)  { return uint64(unix.Getgid()), 0 }
func sysGetegidHandler(m Machine, a Args) (uint64, Errno) { return uint64(unix.Getegid()), 0 }

func sysUnameHandler(m Machine, a Args) (uint64, Errno) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return 0, hostErrno(err)
	}
	b := marshalUtsname(&u)
	if err := m.WriteBytes(a.A0, b); err != nil {
		return 0, EFAULT
	}
	return 0, 0
}

// utsnameFieldLen matches Linux's struct utsname field width (65 bytes).
const utsnameFieldLen = 65

func marshalUtsname(u *unix.Utsname) []byte {
	out := make([]byte, utsnameFieldLen*6)
	fields := [][65]byte{u.Sysname, u.Nodename, u.Release, u.Version, u.Machine, u.Domainname}
	for i, f := range fields {
		copy(out[i*utsnameFieldLen:], f[:])
	}
	return out
}

func sysClockGettimeHandler(m Machine, a Args) (uint64, Errno) {
	var ts unix.Timespec
	if err := unix.ClockGettime(int32(a.A0), &ts); err != nil {
		return 0, hostErrno(err)
	}
	var buf [16]byte
	putLeU64(buf[0:8], uint64(ts.Sec))
	putLeU64(buf[8:16], uint64(ts.Nsec))
	if err := m.WriteBytes(a.A1, buf[:]); err != nil {
		return 0, EFAULT
	}
	return 0, 0
}

func sysGettimeofdayHandler(m Machine, a Args) (uint64, Errno) {
	var tv unix.Timeval
	if err := unix.Gettimeofday(&tv); err != nil {
		return 0, hostErrno(err)
	}
	var buf [16]byte
	putLeU64(buf[0:8], uint64(tv.Sec))
	putLeU64(buf[8:16], uint64(tv.Usec))
	if a.A0 != 0 {
		if err := m.WriteBytes(a.A0, buf[:]); err != nil {
			return 0, EFAULT
		}
	}
	return 0, 0
}

func sysGetrandomHandler(m Machine, a Args) (uint64, Errno) {
	n := int(a.A1)
	buf := make([]byte, n)
	if _, err := unix.Getrandom(buf, int(a.A2)); err != nil {
		return 0, hostErrno(err)
	}
	if err := m.WriteBytes(a.A0, buf); err != nil {
		return 0, EFAULT
	}
	return uint64(n), 0
}

// hostErrno converts an error returned by golang.org/x/sys/unix into the
// guest-visible errno. unix.Errno values carry Linux's own numbering, the
// same numbering this package's Errno uses, so the conversion is a cast;
// a non-syscall error (which the unix package does not produce on these
// paths) degrades to EINVAL.
func hostErrno(err error) Errno {
	if errno, ok := err.(unix.Errno); ok {
		return Errno(errno)
	}
	return EINVAL
}

func putLeU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
