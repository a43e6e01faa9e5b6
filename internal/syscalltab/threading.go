package syscalltab

// ThreadOps is implemented by the process's scheduler.
type ThreadOps interface {
	Clone(flags uint64, stack uint64, parentTidPtr uint64, childTidPtr uint64, tls uint64) (uint64, Errno)
	Exit(code int)
	ExitGroup(code int)
	SetTidAddress(addr uint64) uint64
	SetRobustList(head uint64, length uint64) Errno
	Tgkill(tgid, tid, sig int32) Errno
	Gettid() uint64
	Getpid() uint64
}

var threadOps ThreadOps

// BindThreadOps installs the scheduler-backed implementation.
func BindThreadOps(ops ThreadOps) { threadOps = ops }

const (
	sysClone         = 56
	sysExit          = 60
	sysExitGroup     = 231
	sysSetTidAddress = 218
	sysSetRobustList = 273
	sysTgkill        = 234
	sysGettid        = 186
	sysGetpid        = 39
	sysGetppid       = 110
	sysClone3        = 435
)

func registerThreading(t *Table) {
	t.register(sysClone, "clone", sysCloneHandler)
	t.register(sysExit, "exit", sysExitHandler)
	t.register(sysExitGroup, "exit_group", sysExitGroupHandler)
	t.register(sysSetTidAddress, "set_tid_address", sysSetTidAddressHandler)
	t.register(sysSetRobustList, "set_robust_list", sysSetRobustListHandler)
	t.register(sysTgkill, "tgkill", sysTgkillHandler)
	t.register(sysGettid, "gettid", sysGettidHandler)
	t.register(sysGetpid, "getpid", sysGetpidHandler)
	t.register(sysGetppid, "getppid", sysGetppidHandler)
	// clone3 takes its flags/stack/tls in a struct pointed to by A0
	// rather than spread across registers; for the thread-creation
	// contract this emulator cares about it is the same call as clone.
	t.register(sysClone3, "clone3", sysClone3Handler)
}

func sysCloneHandler(m Machine, a Args) (uint64, Errno) {
	if threadOps == nil {
		return 0, ENOSYS
	}
	return threadOps.Clone(a.A0, a.A1, a.A2, a.A3, a.A4)
}

func sysExitHandler(m Machine, a Args) (uint64, Errno) {
	if threadOps != nil {
		threadOps.Exit(int(int32(a.A0)))
	}
	return 0, 0
}

func sysExitGroupHandler(m Machine, a Args) (uint64, Errno) {
	if threadOps != nil {
		threadOps.ExitGroup(int(int32(a.A0)))
	}
	return 0, 0
}

func sysSetTidAddressHandler(m Machine, a Args) (uint64, Errno) {
	if threadOps == nil {
		return m.CurrentTid(), 0
	}
	return threadOps.SetTidAddress(a.A0), 0
}

func sysSetRobustListHandler(m Machine, a Args) (uint64, Errno) {
	if threadOps == nil {
		return 0, ENOSYS
	}
	return 0, threadOps.SetRobustList(a.A0, a.A1)
}

func sysTgkillHandler(m Machine, a Args) (uint64, Errno) {
	if threadOps == nil {
		return 0, ENOSYS
	}
	return 0, threadOps.Tgkill(int32(a.A0), int32(a.A1), int32(a.A2))
}

func sysGettidHandler(m Machine, a Args) (uint64, Errno) {
	return m.CurrentTid(), 0
}

func sysGetpidHandler(m Machine, a Args) (uint64, Errno) {
	return m.CurrentPid(), 0
}

func sysGetppidHandler(m Machine, a Args) (uint64, Errno) {
	return m.CurrentPid(), 0
}

// clone_args field offsets, per the Linux clone3(2) ABI: flags, pidfd,
// child_tid, parent_tid, exit_signal, stack, stack_size, tls, ...
const (
	cloneArgsFlags     = 0
	cloneArgsChildTid  = 2 * 8
	cloneArgsParentTid = 3 * 8
	cloneArgsStack     = 5 * 8
	cloneArgsStackSize = 6 * 8
	cloneArgsTLS       = 7 * 8
)

func sysClone3Handler(m Machine, a Args) (uint64, Errno) {
	if threadOps == nil {
		return 0, ENOSYS
	}
	size := int(a.A1)
	if size < cloneArgsTLS+8 {
		return 0, EINVAL
	}
	raw, err := m.ReadBytes(a.A0, size)
	if err != nil {
		return 0, EFAULT
	}
	flags := leU64(raw[cloneArgsFlags:])
	parentTid := leU64(raw[cloneArgsParentTid:])
	childTid := leU64(raw[cloneArgsChildTid:])
	// clone_args.stack is the lowest address of the stack; the child's
	// stack pointer starts at stack + stack_size.
	stack := leU64(raw[cloneArgsStack:])
	if stack != 0 {
		stack += leU64(raw[cloneArgsStackSize:])
	}
	tls := leU64(raw[cloneArgsTLS:])
	return threadOps.Clone(flags, stack, parentTid, childTid, tls)
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
