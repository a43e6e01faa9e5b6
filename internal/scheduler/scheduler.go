/*
   Guest thread scheduler.

   Copyright (c) 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   RICHARD CORNWELL BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

// Package scheduler cooperatively multiplexes guest threads onto the
// single host goroutine that runs the CPU interpreter.
package scheduler

import "fmt"

// State is a thread's coarse lifecycle state.
type State int

const (
	Runnable State = iota
	Blocked
	Zombie
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}

// BlockKind tags the reason a thread is parked.
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockFutexWait
	BlockSleep
	BlockPoll
	BlockSelect
	BlockEpollWait
	BlockJoin
)

// Blocker records why and (optionally) until-when a thread is parked.
type Blocker struct {
	Kind      BlockKind
	FutexAddr uint64
	Bitset    uint32 // FUTEX_WAIT_BITSET mask, all-ones for a plain FUTEX_WAIT
	Deadline  bool   // whether this blocker has a timeout
	JoinTid   uint64
}

// SavedState is an opaque blob of CPU register state the scheduler
// carries across context switches without interpreting.
type SavedState interface{}

// Thread is one guest thread of execution.
type Thread struct {
	Tid           uint64
	Pid           uint64
	State         State
	Block         Blocker
	Saved         SavedState
	ClearChildTid uint64
	RobustList    uint64 // head of the thread's robust futex list, 0 if unset
	RobustLen     uint64
	ExitCode      int
	Instret       uint64 // instructions retired on this thread
	Syscalls      uint64 // syscalls entered on this thread
	waiters       []uint64 // tids parked in BlockJoin on this thread
}

// Scheduler holds every thread of one emulated process and the queues that
// decide which one runs next.
type Scheduler struct {
	threads   map[uint64]*Thread
	ready     []uint64            // FIFO of runnable tids
	futexWait map[uint64][]uint64 // uaddr -> FIFO of waiting tids
	timers    timerList
	clock     int64
	nextTid   uint64
}

// New creates an empty scheduler. firstTid seeds the tid/pid counter (Linux
// numbers the initial thread's tid == pid).
func New(firstTid uint64) *Scheduler {
	return &Scheduler{
		threads:   make(map[uint64]*Thread),
		futexWait: make(map[uint64][]uint64),
		nextTid:   firstTid,
	}
}

// Spawn creates a new runnable thread and returns it.
func (s *Scheduler) Spawn(pid uint64, saved SavedState) *Thread {
	t := &Thread{Tid: s.nextTid, Pid: pid, State: Runnable, Saved: saved}
	s.threads[t.Tid] = t
	s.ready = append(s.ready, t.Tid)
	s.nextTid++
	return t
}

// Thread looks up a thread by tid.
func (s *Scheduler) Thread(tid uint64) (*Thread, bool) {
	t, ok := s.threads[tid]
	return t, ok
}

// Clock returns the current scheduler-local time, in emulated nanoseconds.
func (s *Scheduler) Clock() int64 { return s.clock }

// Now returns the kernel time as a PreciseTime. Kernel time advances one
// nanosecond per retired instruction (a fixed nominal IPC), so it is a
// deterministic function of guest progress, not of the host clock.
func (s *Scheduler) Now() PreciseTime { return FromNanos(uint64(s.clock)) }

// LiveCount returns the number of threads that have not terminated.
func (s *Scheduler) LiveCount() int {
	n := 0
	for _, t := range s.threads {
		if t.State != Zombie {
			n++
		}
	}
	return n
}

// Runnable reports whether any thread can be scheduled to run right now.
func (s *Scheduler) Runnable() bool { return len(s.ready) > 0 }

// Next pops the next runnable thread. The ready queue is strict FIFO:
// no priorities, no inversion.
func (s *Scheduler) Next() (*Thread, bool) {
	if len(s.ready) == 0 {
		return nil, false
	}
	tid := s.ready[0]
	s.ready = s.ready[1:]
	t, ok := s.threads[tid]
	if !ok {
		// stale ready entry left behind by a force-terminated thread
		return s.Next()
	}
	return t, true
}

// Requeue puts a thread that yielded (sched_yield, or end of its quantum)
// back on the end of the ready queue. Terminated threads are never
// resurrected: a late futex wake aimed at an already-exited tid is a no-op.
func (s *Scheduler) Requeue(t *Thread) {
	if t.State == Zombie {
		return
	}
	t.State = Runnable
	s.ready = append(s.ready, t.Tid)
}

// PushFront reinserts t at the head of the ready queue, used when the run
// loop stops on a breakpoint and must resume the same thread first.
func (s *Scheduler) PushFront(t *Thread) {
	if t.State == Zombie {
		return
	}
	t.State = Runnable
	s.ready = append([]uint64{t.Tid}, s.ready...)
}

// Block parks t off the ready queue with the given reason. If b.Deadline is
// set, the caller must also arrange a timer via AddTimer so the thread is
// woken on timeout even absent an explicit Wake.
func (s *Scheduler) Block(t *Thread, b Blocker) {
	t.State = Blocked
	t.Block = b
	if b.Kind == BlockFutexWait {
		s.futexWait[b.FutexAddr] = append(s.futexWait[b.FutexAddr], t.Tid)
	}
}

// AddTimer schedules a wake-up callback t ticks from now.
func (s *Scheduler) AddTimer(tid uint64, cb func(iarg int), ticks int64, iarg int) {
	s.timers.AddTimer(tid, cb, ticks, iarg)
}

// CancelTimer removes a previously scheduled wake-up, if still pending.
func (s *Scheduler) CancelTimer(tid uint64, iarg int) {
	s.timers.CancelTimer(tid, iarg)
}

// Advance moves the clock forward, firing any elapsed timers. The run
// loop calls it even when nothing is runnable, so a purely-sleeping
// process still makes progress toward its next deadline.
func (s *Scheduler) Advance(ticks int64) {
	s.clock += ticks
	s.timers.Advance(ticks)
}

// HasPendingTimer reports whether any timed blocker is outstanding, the
// condition under which Advance must still be called even with an empty
// ready queue.
func (s *Scheduler) HasPendingTimer() bool { return !s.timers.Empty() }

// NextTimerDelta returns how many ticks remain until the earliest pending
// timer fires, so an idle run loop can jump the clock straight to the next
// deadline instead of spinning one tick at a time. Zero if none pending.
func (s *Scheduler) NextTimerDelta() int64 { return s.timers.NextDelta() }

// wakeFutexN removes up to n waiters on addr whose bitset intersects
// mask, moving them back onto the ready queue in FIFO order, and returns
// how many were woken.
func (s *Scheduler) wakeFutexN(addr uint64, mask uint32, n int) int {
	waiters := s.futexWait[addr]
	var remain []uint64
	woken := 0
	for _, tid := range waiters {
		th, ok := s.threads[tid]
		if !ok || th.State != Blocked {
			continue
		}
		if woken < n && th.Block.Bitset&mask != 0 {
			s.CancelTimer(tid, 0)
			s.Requeue(th)
			woken++
			continue
		}
		remain = append(remain, tid)
	}
	if len(remain) == 0 {
		delete(s.futexWait, addr)
	} else {
		s.futexWait[addr] = remain
	}
	return woken
}

// FutexWake wakes up to n threads blocked in FUTEX_WAIT/FUTEX_WAIT_BITSET
// on addr whose bitset intersects mask (0xffffffff for a plain FUTEX_WAKE),
// returning the count actually woken.
func (s *Scheduler) FutexWake(addr uint64, mask uint32, n int) int {
	return s.wakeFutexN(addr, mask, n)
}

// Join blocks waiter on target's exit, or wakes it immediately if target is
// already a Zombie.
func (s *Scheduler) Join(waiter *Thread, target *Thread) {
	if target.State == Zombie {
		return
	}
	target.waiters = append(target.waiters, waiter.Tid)
	s.Block(waiter, Blocker{Kind: BlockJoin, JoinTid: target.Tid})
}

// Exit marks t as exited, waking every thread joined on it, and removing it
// from any futex wait list it was still a member of so a later wake never
// resurrects a dead tid.
func (s *Scheduler) Exit(t *Thread, code int) {
	wasBlocked := t.State == Blocked
	t.State = Zombie
	t.ExitCode = code
	for _, tid := range t.waiters {
		if w, ok := s.threads[tid]; ok && w.State == Blocked && w.Block.Kind == BlockJoin && w.Block.JoinTid == t.Tid {
			s.Requeue(w)
		}
	}
	t.waiters = nil
	if wasBlocked && t.Block.Kind == BlockFutexWait {
		s.dropFutexWaiter(t.Block.FutexAddr, t.Tid)
	}
	s.CancelTimer(t.Tid, 0)
}

func (s *Scheduler) dropFutexWaiter(addr, tid uint64) {
	waiters := s.futexWait[addr]
	var kept []uint64
	for _, id := range waiters {
		if id != tid {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(s.futexWait, addr)
	} else {
		s.futexWait[addr] = kept
	}
}

// Terminate force-removes a single thread without running its exit
// handlers, used for SIGKILL-equivalent teardown.
func (s *Scheduler) Terminate(tid uint64) {
	delete(s.threads, tid)
	var kept []uint64
	for _, id := range s.ready {
		if id != tid {
			kept = append(kept, id)
		}
	}
	s.ready = kept
}

// TerminateAll marks every thread of the process exited with code, the
// exit_group path. No clear_child_tid writes or futex wakes happen here:
// the whole wait graph dies with the process, so there is nobody left to
// observe a wake.
func (s *Scheduler) TerminateAll(code int) {
	for _, t := range s.threads {
		t.State = Zombie
		t.ExitCode = code
		t.waiters = nil
	}
	s.ready = nil
	s.futexWait = make(map[uint64][]uint64)
	s.timers = timerList{}
}

// Panic marks every thread Zombie with the given exit code without
// running their clear_child_tid/robust_list cleanup, the scheduler half
// of a fatal guest fault: the whole process goes down at once, not just
// the faulting thread.
func (s *Scheduler) Panic(code int) {
	for _, t := range s.threads {
		t.State = Zombie
		t.ExitCode = code
	}
	s.ready = nil
	s.futexWait = make(map[uint64][]uint64)
	s.timers = timerList{}
}

// String renders a short diagnostic summary for fault dumps.
func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler{threads=%d ready=%d clock=%d}", len(s.threads), len(s.ready), s.clock)
}

// DumpBlockers renders one line per non-terminated thread with its blocker,
// the scheduler half of the deadlock/fault dump.
func (s *Scheduler) DumpBlockers() string {
	out := ""
	for _, t := range s.threads {
		if t.State == Zombie {
			continue
		}
		out += fmt.Sprintf("tid %d: %s %s instret=%d syscalls=%d\n",
			t.Tid, t.State, blockString(t), t.Instret, t.Syscalls)
	}
	return out
}

func blockString(t *Thread) string {
	if t.State != Blocked {
		return ""
	}
	switch t.Block.Kind {
	case BlockFutexWait:
		return fmt.Sprintf("futex-wait uaddr=%#x bitset=%#x timed=%v", t.Block.FutexAddr, t.Block.Bitset, t.Block.Deadline)
	case BlockSleep:
		return "sleep"
	case BlockPoll:
		return "poll"
	case BlockSelect:
		return "select"
	case BlockEpollWait:
		return "epoll-wait"
	case BlockJoin:
		return fmt.Sprintf("join tid=%d", t.Block.JoinTid)
	}
	return "none"
}
