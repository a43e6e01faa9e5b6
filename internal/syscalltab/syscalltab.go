/*
   Syscall dispatch table.

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

// Package syscalltab dispatches a guest syscall through a flat table
// keyed by syscall number.
package syscalltab

import "fmt"

// Args are the guest's ABI registers at the point of the syscall
// instruction: RDI, RSI, RDX, R10, R8, R9, with the syscall number already
// pulled out of RAX by the caller.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// Errno mirrors the Linux negative-errno-in-RAX convention: a Handler
// returns (retval, 0) on success or (0, errno) on failure, and the
// dispatcher folds errno into -errno for RAX.
type Errno int32

// Machine is the narrow interface a Handler needs from the rest of the
// process: memory access, thread control, and the wall/monotonic clock.
// Keeping it an interface (rather than importing internal/process
// directly) avoids an import cycle between syscalltab and process.
type Machine interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
	WriteBytes(addr uint64, p []byte) error
	ReadCString(addr uint64, max int) (string, error)
	CurrentTid() uint64
	CurrentPid() uint64
	FSBase() uint64
	SetFSBase(v uint64)
	GSBase() uint64
	SetGSBase(v uint64)
}

// Handler implements one syscall number.
type Handler func(m Machine, a Args) (uint64, Errno)

const maxSyscallNo = 450

// Table is a syscall-number-indexed dispatch table, built once at
// process start.
type Table struct {
	handlers [maxSyscallNo]Handler
	names    [maxSyscallNo]string
}

// NewTable builds the dispatch table with every category wired in.
func NewTable() *Table {
	t := &Table{}
	registerMemory(t)
	registerThreading(t)
	registerSyncWait(t)
	registerHostDelegated(t)
	registerStdio(t)
	registerProcInfo(t)
	registerStubs(t)
	return t
}

func (t *Table) register(no int, name string, h Handler) {
	if no < 0 || no >= maxSyscallNo {
		panic(fmt.Sprintf("syscalltab: syscall number %d out of range", no))
	}
	t.handlers[no] = h
	t.names[no] = name
}

// Name returns the syscall's symbolic name, or "" if unregistered.
func (t *Table) Name(no int) string {
	if no < 0 || no >= maxSyscallNo {
		return ""
	}
	return t.names[no]
}

const (
	EPERM   Errno = 1
	ESRCH   Errno = 3
	EIO     Errno = 5
	EBADF   Errno = 9
	EAGAIN  Errno = 11
	EFAULT  Errno = 14
	EINVAL  Errno = 22
	ENOTTY  Errno = 25
	ENOSYS  Errno = 38
	ENOTSUP Errno = 95
)

// Dispatch invokes the handler for syscall number no, returning ENOSYS for
// anything unregistered rather than panicking. Dispatch does not decide
// what an unregistered number means; the caller can tell one apart from a
// registered ENOSYS stub with Name.
func (t *Table) Dispatch(m Machine, no int, a Args) (uint64, Errno) {
	if no < 0 || no >= maxSyscallNo || t.handlers[no] == nil {
		return 0, ENOSYS
	}
	return t.handlers[no](m, a)
}
