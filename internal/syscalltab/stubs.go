package syscalltab

// Stub handlers cover two groups of recognized syscall numbers. The first
// is the deliberately-refused set (execve, kill, chmod, ...): each returns
// a fixed errno instead of faulting, so a guest that checks "unsupported"
// vs "unknown" behaves the way it would against a real, deliberately
// restricted sandbox. The second is the filesystem/socket surface, which
// belongs to the external FS collaborator: with no FS wired into this
// tree, those numbers answer ENOSYS as a guest-observable errno rather
// than tripping the fatal unrecognized-number fault reserved for numbers
// the emulator has never heard of.

const (
	sysExecve        = 59
	sysKill          = 62
	sysChmod         = 90
	sysFchmod        = 91
	sysChown         = 92
	sysFork          = 57
	sysVfork         = 58
	sysMremap        = 25
	sysFsync         = 74
	sysPtrace        = 101
	sysMount         = 165
	sysReboot        = 169
	sysSwapon        = 167
	sysRtSigaction   = 13
	sysRtSigprocmask = 14
)

// Filesystem & socket numbers the emulator recognizes; all of them are
// the FS collaborator's to implement.
var fsSyscalls = map[int]string{
	2:   "open",
	3:   "close",
	4:   "stat",
	6:   "lstat",
	8:   "lseek",
	17:  "pread64",
	18:  "pwrite64",
	21:  "access",
	22:  "pipe",
	29:  "shmget",
	30:  "shmat",
	31:  "shmctl",
	32:  "dup",
	33:  "dup2",
	41:  "socket",
	42:  "connect",
	43:  "accept",
	44:  "sendto",
	45:  "recvfrom",
	46:  "sendmsg",
	47:  "recvmsg",
	48:  "shutdown",
	49:  "bind",
	50:  "listen",
	51:  "getsockname",
	52:  "getpeername",
	53:  "socketpair",
	54:  "setsockopt",
	67:  "shmdt",
	72:  "fcntl",
	73:  "flock",
	80:  "chdir",
	87:  "unlink",
	217: "getdents64",
	233: "epoll_ctl",
	257: "openat",
	262: "newfstatat",
	290: "eventfd2",
	291: "epoll_create1",
	292: "dup3",
	293: "pipe2",
	319: "memfd_create",
	332: "statx",
}

func registerStubs(t *Table) {
	t.register(sysExecve, "execve", notSupported)
	t.register(sysKill, "kill", notSupported)
	t.register(sysChmod, "chmod", notSupported)
	t.register(sysFchmod, "fchmod", notSupported)
	t.register(sysChown, "chown", notSupported)
	t.register(sysFork, "fork", notSupported)
	t.register(sysVfork, "vfork", notSupported)
	t.register(sysMremap, "mremap", notSupported)
	t.register(sysFsync, "fsync", notSupported)
	t.register(sysPtrace, "ptrace", notSupported)
	t.register(sysMount, "mount", notPermitted)
	t.register(sysReboot, "reboot", notPermitted)
	t.register(sysSwapon, "swapon", notPermitted)
	// Non-goal: no signal delivery beyond what the futex/wait primitives
	// demand; signal-management calls are refused gracefully rather than
	// treated as unknown numbers.
	t.register(sysRtSigaction, "rt_sigaction", notSupported)
	t.register(sysRtSigprocmask, "rt_sigprocmask", notSupported)

	for no, name := range fsSyscalls {
		t.register(no, name, fsUnavailable)
	}
}

func notSupported(m Machine, a Args) (uint64, Errno) { return 0, ENOTSUP }
func notPermitted(m Machine, a Args) (uint64, Errno) { return 0, EPERM }
func fsUnavailable(m Machine, a Args) (uint64, Errno) { return 0, ENOSYS }
