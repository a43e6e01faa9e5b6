/*
   Interactive diagnostic console.

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

// Package monitor is a line-oriented REPL for inspecting and single-stepping
// a running guest process: registers, memory, mapped regions, and threads.
// It talks to stdin/stdout; there is no network listener to attach a second
// session to.
package monitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/peterh/liner"

	"github.com/n-stott/x64emulator-sub001/internal/mmu"
	"github.com/n-stott/x64emulator-sub001/internal/process"
)

type cmd struct {
	name     string
	min      int
	process  func(*cmdLine, *Monitor) (bool, error)
	complete func(*cmdLine, *Monitor) []string
}

type cmdLine struct {
	line string
	pos  int
}

var cmdList = []cmd{
	{name: "regs", min: 1, process: cmdRegs},
	{name: "mem", min: 2, process: cmdMem},
	{name: "maps", min: 2, process: cmdMaps},
	{name: "threads", min: 1, process: cmdThreads},
	{name: "break", min: 3, process: cmdBreak},
	{name: "step", min: 2, process: cmdStep},
	{name: "continue", min: 1, process: cmdContinue},
	{name: "quit", min: 1, process: cmdQuit},
}

// Monitor is one REPL session attached to a process.
type Monitor struct {
	Proc        *process.Process
	breakpoints map[uint64]bool
}

// New creates a Monitor attached to p.
func New(p *process.Process) *Monitor {
	return &Monitor{Proc: p, breakpoints: make(map[uint64]bool)}
}

// Run drives the REPL until the user quits: liner prompt, history,
// completion, errors reported but never fatal.
func (mon *Monitor) Run() {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) []string {
		return completeCmd(l, mon)
	})

	for {
		command, err := line.Prompt("vex> ")
		if err == nil {
			line.AppendHistory(command)
			quit, perr := processCommand(command, mon)
			if perr != nil {
				fmt.Println("error: " + perr.Error())
			}
			if quit {
				return
			}
			continue
		}

		if errors.Is(err, liner.ErrPromptAborted) {
			return
		}
		fmt.Println("error reading line: " + err.Error())
	}
}

func processCommand(commandLine string, mon *Monitor) (bool, error) {
	line := cmdLine{line: commandLine}
	name := line.getWord()

	match := matchList(name)
	if len(match) == 0 {
		return false, errors.New("command not found: " + name)
	}
	if len(match) > 1 {
		return false, errors.New("ambiguous command: " + name)
	}
	return match[0].process(&line, mon)
}

func completeCmd(commandLine string, mon *Monitor) []string {
	line := cmdLine{line: commandLine}
	name := line.getWord()

	if !line.isEOL() && line.line[line.pos] == ' ' {
		line.skipSpace()
		match := matchList(name)
		if len(match) != 1 || match[0].complete == nil {
			return nil
		}
		return match[0].complete(&line, mon)
	}

	match := matchList(name)
	out := make([]string, len(match))
	for i, m := range match {
		out[i] = m.name
	}
	return out
}

func matchCommand(m cmd, name string) bool {
	if len(name) > len(m.name) {
		return false
	}
	for i := 0; i < len(name); i++ {
		if m.name[i] != name[i] {
			return false
		}
	}
	return len(name) >= m.min
}

func matchList(name string) []cmd {
	if name == "" {
		return nil
	}
	var out []cmd
	for _, m := range cmdList {
		if matchCommand(m, name) {
			out = append(out, m)
		}
	}
	return out
}

func (l *cmdLine) isEOL() bool { return l.pos >= len(l.line) }

func (l *cmdLine) skipSpace() {
	for !l.isEOL() && unicode.IsSpace(rune(l.line[l.pos])) {
		l.pos++
	}
}

func (l *cmdLine) getWord() string {
	l.skipSpace()
	start := l.pos
	for !l.isEOL() && !unicode.IsSpace(rune(l.line[l.pos])) {
		l.pos++
	}
	return strings.ToLower(l.line[start:l.pos])
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, 64)
}

func cmdRegs(_ *cmdLine, mon *Monitor) (bool, error) {
	c := mon.Proc.CurrentCPU()
	if c == nil {
		return false, errors.New("no active thread")
	}
	fmt.Print(c.DumpState())
	return false, nil
}

func cmdMem(line *cmdLine, mon *Monitor) (bool, error) {
	addrStr := line.getWord()
	lenStr := line.getWord()
	addr, err := parseHex(addrStr)
	if err != nil {
		return false, fmt.Errorf("bad address: %w", err)
	}
	n := uint64(64)
	if lenStr != "" {
		n, err = strconv.ParseUint(lenStr, 10, 32)
		if err != nil {
			return false, fmt.Errorf("bad length: %w", err)
		}
	}
	buf := make([]byte, n)
	if err := mon.Proc.MMU.CopyFromMMU(buf, addr); err != nil {
		return false, err
	}
	for i := uint64(0); i < n; i += 16 {
		end := i + 16
		if end > n {
			end = n
		}
		fmt.Printf("%#016x  % x\n", addr+i, buf[i:end])
	}
	return false, nil
}

func cmdMaps(_ *cmdLine, mon *Monitor) (bool, error) {
	for _, r := range mon.Proc.MMU.Regions() {
		fmt.Printf("%#012x-%#012x %s %s\n", r.Base, r.End, protString(r.Prot), r.Name)
	}
	return false, nil
}

func protString(p mmu.Prot) string {
	out := []byte("---")
	if p&mmu.ProtRead != 0 {
		out[0] = 'r'
	}
	if p&mmu.ProtWrite != 0 {
		out[1] = 'w'
	}
	if p&mmu.ProtExec != 0 {
		out[2] = 'x'
	}
	return string(out)
}

func cmdThreads(_ *cmdLine, mon *Monitor) (bool, error) {
	fmt.Println(mon.Proc.Sched.String())
	return false, nil
}

func cmdBreak(line *cmdLine, mon *Monitor) (bool, error) {
	addrStr := line.getWord()
	addr, err := parseHex(addrStr)
	if err != nil {
		return false, fmt.Errorf("bad address: %w", err)
	}
	mon.breakpoints[addr] = true
	mon.Proc.Breakpoints = mon.breakpoints
	fmt.Printf("breakpoint set at %#x\n", addr)
	return false, nil
}

func cmdStep(_ *cmdLine, mon *Monitor) (bool, error) {
	c := mon.Proc.CurrentCPU()
	if c == nil {
		return false, errors.New("no active thread")
	}
	fault := c.Step()
	if fault != 0 {
		return false, fmt.Errorf("fault: %v", fault)
	}
	fmt.Print(c.DumpState())
	return false, nil
}

func cmdContinue(_ *cmdLine, mon *Monitor) (bool, error) {
	err := mon.Proc.Run()
	if errors.Is(err, process.ErrBreakpoint) {
		if c := mon.Proc.CurrentCPU(); c != nil {
			fmt.Printf("stopped at breakpoint %#x\n", c.RIP)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	fmt.Printf("guest exited with status %d\n", mon.Proc.ExitCode())
	return false, nil
}

func cmdQuit(_ *cmdLine, _ *Monitor) (bool, error) {
	return true, nil
}
