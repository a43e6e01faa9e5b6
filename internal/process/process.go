/*
   Process: the explicit context object tying one guest process's
   subsystems together.

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

// Package process owns the MMU, scheduler, decode cache, and syscall table
// of one emulated guest process, and drives its cooperative run loop. The
// subsystems live as fields of an explicit, constructible Process rather
// than as package globals, so nothing here assumes a single emulated
// process per host process.
package process

import (
	"fmt"
	"log/slog"

	"github.com/n-stott/x64emulator-sub001/internal/cpu"
	"github.com/n-stott/x64emulator-sub001/internal/decoder"
	"github.com/n-stott/x64emulator-sub001/internal/loader"
	"github.com/n-stott/x64emulator-sub001/internal/mmu"
	"github.com/n-stott/x64emulator-sub001/internal/scheduler"
	"github.com/n-stott/x64emulator-sub001/internal/syscalltab"
)

// Process is one emulated guest process: its address space, its threads,
// and the tables mediating its interaction with the host.
type Process struct {
	MMU      *mmu.MMU
	Sched    *scheduler.Scheduler
	Cache    *decoder.Cache
	Syscalls *syscalltab.Table
	Log      *slog.Logger
	Trace    bool
	// StackBytes sizes the initial stack reservation; zero means the
	// loader's default.
	StackBytes uint64
	// Breakpoints, when non-empty, stops the run loop just before an
	// instruction at a listed address executes (the monitor's break/continue
	// surface). Run returns ErrBreakpoint with the thread parked at the
	// front of the ready queue.
	Breakpoints map[uint64]bool
	pid         uint64
	running     map[uint64]*cpu.CPU // tid -> its CPU
	curTid      uint64
	yielded     bool // set by sched_yield; consumed by the run loop
	exitCode    int
	// fatal carries a diagnostic from a handler that detected a fatal
	// condition (e.g. an unsupported clone flag combination) but whose
	// syscalltab.Handler signature has no way to report beyond an ordinary
	// recoverable errno. handleSyscall checks it immediately after every
	// Dispatch call.
	fatal string
}

// ExitCode returns the guest's exit status, as recorded by the last exit or
// exit_group syscall the process made (0 if the guest never called either).
func (p *Process) ExitCode() int { return p.exitCode }

// New creates a process with a fresh address space sized to ceilingBytes.
func New(ceilingBytes uint64, logger *slog.Logger) *Process {
	p := &Process{
		MMU:      mmu.New(0x10000, ceilingBytes),
		Sched:    scheduler.New(1000),
		Cache:    decoder.NewCache(),
		Syscalls: syscalltab.NewTable(),
		Log:      logger,
		running:  make(map[uint64]*cpu.CPU),
		pid:      1000,
	}
	syscalltab.BindMemoryOps(mmuOps{p})
	syscalltab.BindThreadOps(threadOps{p})
	syscalltab.BindWaitOps(waitOps{p})
	return p
}

// Exec loads path and starts its first thread at the computed entry point.
func (p *Process) Exec(path string, argv, envp []string) error {
	ld := loader.New(p.MMU)
	if p.StackBytes != 0 {
		ld.StackBytes = p.StackBytes
	}
	img, err := ld.Load(path, argv, envp)
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}

	for _, r := range p.MMU.Regions() {
		if r.Prot&mmu.ProtExec != 0 {
			p.Cache.AddSection(r.Base, r.End)
		}
	}

	c := cpu.New(procMemory{p.MMU}, p.Cache)
	c.RIP = img.StartAddr
	c.RSP = img.StackPointer
	c.OnSyscall = p.handleSyscall

	th := p.Sched.Spawn(p.pid, c)
	p.running[th.Tid] = c
	p.curTid = th.Tid
	return nil
}

// ErrBreakpoint is returned by Run when a monitor-set breakpoint address
// is reached; the stopped thread stays at the front of the ready queue.
var ErrBreakpoint = fmt.Errorf("process: breakpoint")

// Run drives the cooperative run loop: pick the front of the ready queue
// and step it until it blocks, yields, or terminates; when nothing is
// runnable, jump kernel time to the next timer deadline; when nothing is
// runnable and no timer is pending but live threads remain, the process is
// deadlocked, which is fatal.
func (p *Process) Run() error {
	for {
		th, ok := p.Sched.Next()
		if !ok {
			if p.Sched.HasPendingTimer() {
				p.Sched.Advance(p.Sched.NextTimerDelta())
				continue
			}
			if p.Sched.LiveCount() > 0 {
				p.Log.Error("deadlock: every live thread is blocked with no pending timer")
				p.Log.Error(p.Sched.DumpBlockers())
				p.Sched.Panic(-1)
				return fmt.Errorf("process: deadlock: all threads blocked")
			}
			return nil
		}
		if th == nil || th.State != scheduler.Runnable {
			continue
		}
		p.curTid = th.Tid
		c := p.running[th.Tid]

		for th.State == scheduler.Runnable {
			if len(p.Breakpoints) > 0 && p.Breakpoints[c.RIP] {
				p.Sched.PushFront(th)
				return ErrBreakpoint
			}
			fault := c.Step()
			th.Instret++
			blocked := th.State != scheduler.Runnable
			// kernel time: one tick per retired instruction (nominal IPC 1)
			p.Sched.Advance(1)
			if fault != cpu.FaultNone {
				p.Log.Error("guest fault", "tid", th.Tid, "fault", fault.String(), "rip", fmt.Sprintf("%#x", c.RIP))
				p.Log.Error(c.DumpState())
				p.Log.Error(p.Sched.String())
				p.Log.Error(p.Sched.DumpBlockers())
				p.Sched.Panic(-1)
				return fmt.Errorf("process: fatal guest fault: tid %d: %s at %#x", th.Tid, fault.String(), c.RIP)
			}
			if blocked {
				// the thread parked (or exited) inside this instruction's
				// syscall; a timer may already have requeued it, in which
				// case it is on the ready queue and will be picked back up
				break
			}
			if p.yielded {
				p.yielded = false
				p.Sched.Requeue(th)
				break
			}
		}
	}
}

func (p *Process) handleSyscall(c *cpu.CPU) cpu.Fault {
	no := int(c.RAX)
	args := syscalltab.Args{A0: c.RDI, A1: c.RSI, A2: c.RDX, A3: c.R10, A4: c.R8, A5: c.R9}
	if th, ok := p.Sched.Thread(p.curTid); ok {
		th.Syscalls++
	}
	if p.Trace {
		p.Log.Info("syscall", "name", p.Syscalls.Name(no), "no", no, "tid", p.curTid)
	}
	// the handler ops are package-level and every New rebinds them, so bind
	// this process's ops before dispatching its syscall
	syscalltab.BindMemoryOps(mmuOps{p})
	syscalltab.BindThreadOps(threadOps{p})
	syscalltab.BindWaitOps(waitOps{p})
	ret, errno := p.Syscalls.Dispatch(procMachine{p}, no, args)
	if p.fatal != "" {
		// an unsupported clone flag combination is fatal, not a
		// guest-observable errno, even though the Handler signature can only
		// communicate it by setting this field on its way out
		p.Log.Error("fatal syscall condition", "tid", p.curTid, "reason", p.fatal)
		p.fatal = ""
		return cpu.FaultUnsupported
	}
	if errno == syscalltab.ENOSYS && p.Syscalls.Name(no) == "" {
		// A syscall number absent from the dispatch table entirely is not
		// the same as one VEX recognizes but refuses (those are registered
		// stubs returning a guest-observable errno): an unrecognized number
		// is a fatal guest fault.
		return cpu.FaultUnsupported
	}
	if errno != 0 {
		c.RAX = uint64(int64(-int32(errno)))
	} else {
		c.RAX = ret
	}
	return cpu.FaultNone
}

// CurrentCPU returns the CPU of the thread currently being stepped, used
// by Machine-interface plumbing that needs register access beyond the ABI
// argument registers.
func (p *Process) CurrentCPU() *cpu.CPU { return p.running[p.curTid] }
