package process

import (
	"fmt"

	"github.com/n-stott/x64emulator-sub001/internal/cpu"
	"github.com/n-stott/x64emulator-sub001/internal/mmu"
	"github.com/n-stott/x64emulator-sub001/internal/scheduler"
	"github.com/n-stott/x64emulator-sub001/internal/syscalltab"
)

// procMemory adapts *mmu.MMU to the narrow cpu.Memory interface, adding
// FetchCode for the decoder's instruction-byte fetches.
type procMemory struct {
	m *mmu.MMU
}

func (p procMemory) Read8(addr uint64) (uint8, error)   { return p.m.Read8(addr) }
func (p procMemory) Read16(addr uint64) (uint16, error) { return p.m.Read16(addr) }
func (p procMemory) Read32(addr uint64) (uint32, error) { return p.m.Read32(addr) }
func (p procMemory) Read64(addr uint64) (uint64, error) { return p.m.Read64(addr) }
func (p procMemory) Write8(addr uint64, v uint8) error   { return p.m.Write8(addr, v) }
func (p procMemory) Write16(addr uint64, v uint16) error { return p.m.Write16(addr, v) }
func (p procMemory) Write32(addr uint64, v uint32) error { return p.m.Write32(addr, v) }
func (p procMemory) Write64(addr uint64, v uint64) error { return p.m.Write64(addr, v) }

func (p procMemory) FetchCode(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := p.m.CopyFromMMU(buf, addr); err != nil {
		// Decoder callers accept a short read near the end of a mapped
		// region; shrink n rather than failing outright when possible.
		for shrink := n - 1; shrink > 0; shrink-- {
			b := make([]byte, shrink)
			if err := p.m.CopyFromMMU(b, addr); err == nil {
				return b, nil
			}
		}
		return nil, err
	}
	return buf, nil
}

// procMachine adapts *Process to syscalltab.Machine.
type procMachine struct {
	p *Process
}

func (m procMachine) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := m.p.MMU.CopyFromMMU(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m procMachine) WriteBytes(addr uint64, p []byte) error {
	return m.p.MMU.CopyToMMU(addr, p)
}

func (m procMachine) ReadCString(addr uint64, max int) (string, error) {
	out := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		b, err := m.p.MMU.Read8(addr + uint64(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}

func (m procMachine) CurrentTid() uint64 { return m.p.curTid }
func (m procMachine) CurrentPid() uint64 { return m.p.pid }

func (m procMachine) FSBase() uint64     { return m.p.CurrentCPU().FSBase }
func (m procMachine) SetFSBase(v uint64) { m.p.CurrentCPU().FSBase = v }
func (m procMachine) GSBase() uint64     { return m.p.CurrentCPU().GSBase }
func (m procMachine) SetGSBase(v uint64) { m.p.CurrentCPU().GSBase = v }

// mmuOps adapts the process's MMU to syscalltab.MemoryOps, translating
// between the POSIX-shaped mmap/mprotect arguments the ABI hands over as
// raw uint64s and the MMU's typed Prot/Flags. It holds the whole process
// rather than just the MMU because mapping changes must also keep the
// decode cache honest: dropping EXEC from a range purges its sections.
type mmuOps struct {
	p *Process
}

const (
	mmapFixed     = 0x10
	mmapAnonymous = 0x20
	mmapShared    = 0x01
	mmapPrivate   = 0x02
)

func (o mmuOps) Mmap(addrHint, length uint64, prot, flags uint64, fd int, offset int64) (uint64, syscalltab.Errno) {
	p := mmu.ProtNone
	if prot&0x1 != 0 {
		p |= mmu.ProtRead
	}
	if prot&0x2 != 0 {
		p |= mmu.ProtWrite
	}
	if prot&0x4 != 0 {
		p |= mmu.ProtExec
	}
	var f mmu.Flags
	if flags&mmapFixed != 0 {
		f |= mmu.FlagFixed
	}
	if flags&mmapAnonymous != 0 {
		f |= mmu.FlagAnonymous | mmu.FlagPrivate
	} else if flags&mmapShared != 0 {
		f |= mmu.FlagShared
	} else {
		f |= mmu.FlagPrivate
	}
	addr, err := o.p.MMU.Mmap(addrHint, length, p, f, nil, nil)
	if err != nil {
		return 0, toErrno(err)
	}
	if p&mmu.ProtExec != 0 {
		o.p.Cache.AddSection(addr, addr+alignUpPage(length))
	}
	return addr, 0
}

func (o mmuOps) Munmap(addr, length uint64) syscalltab.Errno {
	o.p.Cache.InvalidateRange(alignDownPage(addr), alignDownPage(addr)+alignUpPage(length))
	return toErrno(o.p.MMU.Munmap(addr, length))
}

func (o mmuOps) Mincore(addr, length uint64) ([]byte, syscalltab.Errno) {
	bits, err := o.p.MMU.Mincore(addr, length)
	if err != nil {
		return nil, toErrno(err)
	}
	return bits, 0
}

func (o mmuOps) Mprotect(addr, length uint64, prot uint64) syscalltab.Errno {
	p := mmu.ProtNone
	if prot&0x1 != 0 {
		p |= mmu.ProtRead
	}
	if prot&0x2 != 0 {
		p |= mmu.ProtWrite
	}
	if prot&0x4 != 0 {
		p |= mmu.ProtExec
	}
	base := alignDownPage(addr)
	end := base + alignUpPage(length)
	if p&mmu.ProtExec == 0 {
		// cached decode results die with the EXEC bit
		o.p.Cache.InvalidateRange(base, end)
	} else {
		o.p.Cache.AddSection(base, end)
	}
	return toErrno(o.p.MMU.Mprotect(addr, length, p))
}

func (o mmuOps) Brk(newEnd uint64) (uint64, syscalltab.Errno) {
	end, err := o.p.MMU.Brk(newEnd, heapBase)
	if err != nil {
		return end, toErrno(err)
	}
	return end, 0
}

// heapBase is where the brk heap starts when the guest first grows it.
const heapBase = 0x7f0000000000

func alignDownPage(a uint64) uint64 { return a &^ (mmu.PageSize - 1) }
func alignUpPage(a uint64) uint64   { return (a + mmu.PageSize - 1) &^ (mmu.PageSize - 1) }

func toErrno(err error) syscalltab.Errno {
	switch err {
	case nil:
		return 0
	case mmu.ENOMEM:
		return syscalltab.Errno(12)
	case mmu.EEXIST:
		return syscalltab.Errno(17)
	case mmu.EINVAL:
		return syscalltab.Errno(22)
	default:
		return syscalltab.Errno(22)
	}
}

// threadOps adapts *Process to syscalltab.ThreadOps.
type threadOps struct {
	p *Process
}

// Linux clone(2) flag bits of the single pthread_create-compatible
// profile VEX accepts.
const (
	cloneVM            = 0x00000100
	cloneFS            = 0x00000200
	cloneFiles         = 0x00000400
	cloneSighand       = 0x00000800
	cloneThread        = 0x00010000
	cloneSetTLS        = 0x00080000
	cloneParentSetTID  = 0x00100000
	cloneChildClearTID = 0x00200000

	expectedCloneFlags = cloneVM | cloneFS | cloneFiles | cloneSighand |
		cloneThread | cloneSetTLS | cloneParentSetTID | cloneChildClearTID
)

func (t threadOps) Clone(flags, stack, parentTidPtr, childTidPtr, tls uint64) (uint64, syscalltab.Errno) {
	parent := t.p.CurrentCPU()
	if parent == nil {
		return 0, syscalltab.Errno(22)
	}
	if flags&^0xff != expectedCloneFlags {
		// a clone flag combination outside the single pthread-compatible
		// profile is a fatal diagnostic, not a recoverable guest error
		t.p.fatal = fmt.Sprintf("clone: unsupported flag combination %#x", flags)
		return 0, syscalltab.EINVAL
	}

	childCPU := cpu.New(procMemory{t.p.MMU}, t.p.Cache)
	childCPU.Regs = parent.Regs
	if stack != 0 {
		childCPU.RSP = stack
	}
	childCPU.RAX = 0 // the child sees a 0 return value from clone
	if tls != 0 {
		childCPU.FSBase = tls
	}
	childCPU.OnSyscall = t.p.handleSyscall

	th := t.p.Sched.Spawn(t.p.pid, childCPU)
	th.ClearChildTid = childTidPtr
	t.p.running[th.Tid] = childCPU
	if parentTidPtr != 0 {
		_ = t.p.MMU.Write32(parentTidPtr, uint32(th.Tid))
	}
	return th.Tid, 0
}

func (t threadOps) Exit(code int) {
	th, ok := t.p.Sched.Thread(t.p.curTid)
	if !ok {
		return
	}
	t.p.exitCode = code
	t.exitThread(th, code)
}

// exitThread runs the kernel-side half of a single thread's death: the
// clear_child_tid write-and-wake pthread_join relies on, then the robust
// futex list walk marking every lock the thread still held as owner-died.
func (t threadOps) exitThread(th *scheduler.Thread, code int) {
	if th.ClearChildTid != 0 {
		_ = t.p.MMU.Write32(th.ClearChildTid, 0)
		t.p.Sched.FutexWake(th.ClearChildTid, 0xffffffff, 1)
	}
	t.walkRobustList(th)
	t.p.Sched.Exit(th, code)
}

const (
	futexOwnerDied = 0x40000000
	futexTidMask   = 0x3fffffff
	robustListMax  = 128
)

// walkRobustList follows the thread's registered robust futex list,
// flagging each futex whose owner field still names this tid with the
// owner-died bit and waking one waiter, so a lock held across the owner's
// death does not strand its contenders.
func (t threadOps) walkRobustList(th *scheduler.Thread) {
	head := th.RobustList
	if head == 0 {
		return
	}
	offset, err := t.p.MMU.Read64(head + 8)
	if err != nil {
		return
	}
	entry, err := t.p.MMU.Read64(head)
	if err != nil {
		return
	}
	for i := 0; i < robustListMax && entry != 0 && entry != head; i++ {
		futexAddr := entry + offset
		if v, err := t.p.MMU.Read32(futexAddr); err == nil && uint64(v&futexTidMask) == th.Tid {
			_ = t.p.MMU.Write32(futexAddr, v|futexOwnerDied)
			t.p.Sched.FutexWake(futexAddr, 0xffffffff, 1)
		}
		next, err := t.p.MMU.Read64(entry)
		if err != nil {
			return
		}
		entry = next
	}
}

func (t threadOps) ExitGroup(code int) {
	t.p.exitCode = code
	t.p.Sched.TerminateAll(code)
}

func (t threadOps) SetTidAddress(addr uint64) uint64 {
	th, ok := t.p.Sched.Thread(t.p.curTid)
	if ok {
		th.ClearChildTid = addr
	}
	return t.p.curTid
}

func (t threadOps) SetRobustList(head, length uint64) syscalltab.Errno {
	if length != 24 { // sizeof(struct robust_list_head), fixed by the ABI
		return syscalltab.EINVAL
	}
	th, ok := t.p.Sched.Thread(t.p.curTid)
	if !ok {
		return syscalltab.EINVAL
	}
	th.RobustList = head
	th.RobustLen = length
	return 0
}

func (t threadOps) Tgkill(tgid, tid, sig int32) syscalltab.Errno {
	th, ok := t.p.Sched.Thread(uint64(tid))
	if !ok {
		return syscalltab.ESRCH
	}
	// no signal machinery: delivery degrades to terminating the target,
	// through the same cleanup path a voluntary exit takes
	t.exitThread(th, 128+int(sig))
	return 0
}

func (t threadOps) Gettid() uint64 { return t.p.curTid }
func (t threadOps) Getpid() uint64 { return t.p.pid }

// waitOps adapts *Process to syscalltab.WaitOps.
type waitOps struct {
	p *Process
}

const nsPerTick = 1 // the scheduler's clock advances in the same units Nanosleep is given, so no conversion is needed

func (w waitOps) FutexWait(addr uint64, val uint32, bitset uint32, timeoutNs int64, hasTimeout bool) syscalltab.Errno {
	th, ok := w.p.Sched.Thread(w.p.curTid)
	if !ok {
		return syscalltab.EINVAL
	}
	// *uaddr must still equal val at the moment the thread would block,
	// or the wait is refused with EAGAIN instead of parking a thread
	// against a value that already changed underneath it.
	cur, err := w.p.MMU.Read32(addr)
	if err != nil {
		return syscalltab.EFAULT
	}
	if cur != val {
		return syscalltab.EAGAIN
	}
	w.p.Sched.Block(th, scheduler.Blocker{Kind: scheduler.BlockFutexWait, FutexAddr: addr, Bitset: bitset, Deadline: hasTimeout})
	if hasTimeout {
		tid := th.Tid
		w.p.Sched.AddTimer(tid, func(int) {
			if t2, ok := w.p.Sched.Thread(tid); ok && t2.State == scheduler.Blocked {
				w.p.Sched.Requeue(t2)
			}
		}, timeoutNs/nsPerTick, 0)
	}
	return 0
}

func (w waitOps) FutexWake(addr uint64, n int, bitset uint32) (int, syscalltab.Errno) {
	return w.p.Sched.FutexWake(addr, bitset, n), 0
}

// FUTEX_WAKE_OP encoding fields of val3, per the futex(2) ABI.
const (
	futexOpSet  = 0
	futexOpAdd  = 1
	futexOpOr   = 2
	futexOpAndn = 3
	futexOpXor  = 4

	futexOpArgShift = 8

	futexCmpEq = 0
	futexCmpNe = 1
	futexCmpLt = 2
	futexCmpLe = 3
	futexCmpGt = 4
	futexCmpGe = 5
)

// FutexWakeOp applies the encoded arithmetic op to *addr2, wakes up to n
// waiters on addr, then wakes up to n2 waiters on addr2 if the old value
// of *addr2 passes the encoded comparison. The read-modify-write runs
// under the MMU's single writer, so it is atomic with respect to every
// other guest thread the same way a lock-prefixed instruction is.
func (w waitOps) FutexWakeOp(addr uint64, n int, addr2 uint64, n2 int, val3 uint32) (int, syscalltab.Errno) {
	op := (val3 >> 28) & 0xf
	cmp := (val3 >> 24) & 0xf
	oparg := signExtend12((val3 >> 12) & 0xfff)
	cmparg := signExtend12(val3 & 0xfff)
	if op&futexOpArgShift != 0 {
		op &^= futexOpArgShift
		oparg = 1 << (uint32(oparg) & 0x1f)
	}

	old, err := w.p.MMU.Read32(addr2)
	if err != nil {
		return 0, syscalltab.EFAULT
	}
	var newVal int32
	oldS := int32(old)
	switch op {
	case futexOpSet:
		newVal = oparg
	case futexOpAdd:
		newVal = oldS + oparg
	case futexOpOr:
		newVal = oldS | oparg
	case futexOpAndn:
		newVal = oldS &^ oparg
	case futexOpXor:
		newVal = oldS ^ oparg
	default:
		return 0, syscalltab.EINVAL
	}
	if err := w.p.MMU.Write32(addr2, uint32(newVal)); err != nil {
		return 0, syscalltab.EFAULT
	}

	woken := w.p.Sched.FutexWake(addr, 0xffffffff, n)
	condition := false
	switch cmp {
	case futexCmpEq:
		condition = oldS == cmparg
	case futexCmpNe:
		condition = oldS != cmparg
	case futexCmpLt:
		condition = oldS < cmparg
	case futexCmpLe:
		condition = oldS <= cmparg
	case futexCmpGt:
		condition = oldS > cmparg
	case futexCmpGe:
		condition = oldS >= cmparg
	default:
		return woken, syscalltab.EINVAL
	}
	if condition {
		woken += w.p.Sched.FutexWake(addr2, 0xffffffff, n2)
	}
	return woken, 0
}

func signExtend12(v uint32) int32 {
	return int32(v<<20) >> 20
}

func (w waitOps) Nanosleep(durationNs int64) syscalltab.Errno {
	th, ok := w.p.Sched.Thread(w.p.curTid)
	if !ok {
		return syscalltab.Errno(22)
	}
	w.p.Sched.Block(th, scheduler.Blocker{Kind: scheduler.BlockSleep, Deadline: true})
	tid := th.Tid
	w.p.Sched.AddTimer(tid, func(int) {
		if t2, ok := w.p.Sched.Thread(tid); ok {
			w.p.Sched.Requeue(t2)
		}
	}, durationNs/nsPerTick, 0)
	return 0
}

func (w waitOps) Poll(fds []syscalltab.PollFd, timeoutMs int64) (int, syscalltab.Errno) {
	// VEX has no host file descriptor multiplexer wired in (FS is an
	// external collaborator); a poll with a bounded timeout degrades to a
	// timed sleep reporting no ready descriptors, which is indistinguishable
	// to the guest from a genuine timeout.
	th, ok := w.p.Sched.Thread(w.p.curTid)
	if !ok {
		return 0, 0
	}
	if timeoutMs == 0 {
		return 0, 0
	}
	w.p.Sched.Block(th, scheduler.Blocker{Kind: scheduler.BlockPoll, Deadline: timeoutMs > 0})
	tid := th.Tid
	ticks := timeoutMs * 1_000_000 / nsPerTick
	if timeoutMs < 0 {
		ticks = 1 << 30 // effectively unbounded within this process's lifetime
	}
	w.p.Sched.AddTimer(tid, func(int) {
		if t2, ok := w.p.Sched.Thread(tid); ok {
			w.p.Sched.Requeue(t2)
		}
	}, ticks, 0)
	return 0, 0
}

func (w waitOps) Select(nfds int, readFds, writeFds, exceptFds uint64, timeoutUs int64, hasTimeout bool) (int, syscalltab.Errno) {
	th, ok := w.p.Sched.Thread(w.p.curTid)
	if !ok {
		return 0, 0
	}
	if !hasTimeout {
		return 0, 0
	}
	w.p.Sched.Block(th, scheduler.Blocker{Kind: scheduler.BlockSelect, Deadline: true})
	tid := th.Tid
	w.p.Sched.AddTimer(tid, func(int) {
		if t2, ok := w.p.Sched.Thread(tid); ok {
			w.p.Sched.Requeue(t2)
		}
	}, timeoutUs*1000/nsPerTick, 0)
	return 0, 0
}

func (w waitOps) EpollWait(epfd int, maxEvents int, timeoutMs int64) (int, syscalltab.Errno) {
	th, ok := w.p.Sched.Thread(w.p.curTid)
	if !ok {
		return 0, 0
	}
	if timeoutMs == 0 {
		return 0, 0
	}
	w.p.Sched.Block(th, scheduler.Blocker{Kind: scheduler.BlockEpollWait, Deadline: timeoutMs > 0})
	tid := th.Tid
	ticks := timeoutMs * 1_000_000 / nsPerTick
	if timeoutMs < 0 {
		ticks = 1 << 30
	}
	w.p.Sched.AddTimer(tid, func(int) {
		if t2, ok := w.p.Sched.Thread(tid); ok {
			w.p.Sched.Requeue(t2)
		}
	}, ticks, 0)
	return 0, 0
}

func (w waitOps) SchedYield() {
	// The run loop owns requeueing: it sees the flag, moves the thread to
	// the back of the ready queue, and picks the next one. Requeueing here
	// as well would enter the thread twice.
	w.p.yielded = true
}
