/*
   VEX - Main process.

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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	getopt "github.com/pborman/getopt/v2"

	"github.com/n-stott/x64emulator-sub001/internal/config"
	"github.com/n-stott/x64emulator-sub001/internal/monitor"
	"github.com/n-stott/x64emulator-sub001/internal/process"
	"github.com/n-stott/x64emulator-sub001/internal/vlog"
)

var Logger *slog.Logger

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optMem := getopt.IntLong("mem", 'm', 0, "Guest address space ceiling, in MiB")
	optTrace := getopt.BoolLong("trace", 't', "Trace syscalls and faults")
	optMonitor := getopt.BoolLong("monitor", 0, "Attach the interactive diagnostic console")
	optDebug := getopt.BoolLong("debug", 'd', "Enable debug logging")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.SetParameters("<program-path> [program-args...]")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	args := getopt.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "vex: missing program path")
		getopt.Usage()
		os.Exit(1)
	}

	var logOut *os.File = os.Stdout
	if *optLogFile != "" {
		f, err := os.Create(*optLogFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "vex: can't create log file:", err)
			os.Exit(1)
		}
		logOut = f
	}
	vlog.SetDebug(logOut, os.Stderr, optDebug)
	Logger = slog.Default()

	cfg := config.Default()
	if *optConfig != "" {
		f, err := os.Open(*optConfig)
		if err != nil {
			Logger.Error("can't open configuration file", "path", *optConfig, "err", err)
			os.Exit(1)
		}
		cfg, err = config.Load(f)
		f.Close()
		if err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
	}
	if *optMem != 0 {
		cfg.MemMiB = *optMem
	}
	if *optTrace {
		cfg.Trace = true
	}
	if *optMonitor {
		cfg.Monitor = true
	}

	Logger.Info("VEX started", "program", args[0])

	ceiling := uint64(cfg.MemMiB) * 1024 * 1024
	proc := process.New(ceiling, Logger)
	proc.Trace = cfg.Trace
	proc.StackBytes = uint64(cfg.StackMiB) * 1024 * 1024

	if err := proc.Exec(args[0], args, os.Environ()); err != nil {
		Logger.Error("failed to load program", "err", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// The run loop and the monitor REPL both step the same CPU, so they
	// never execute concurrently: with --monitor, the REPL's own
	// "continue" command drives proc.Run() instead of a background
	// goroutine racing it.
	if cfg.Monitor {
		mon := monitor.New(proc)
		mon.Run()
		Logger.Info("VEX shutting down")
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- proc.Run()
	}()

	select {
	case <-sigChan:
		Logger.Info("got quit signal")
	case err := <-done:
		if err != nil {
			Logger.Error("guest process exited with error", "err", err)
			Logger.Info("VEX shutting down")
			os.Exit(-1)
		}
	}

	Logger.Info("VEX shutting down")
	os.Exit(proc.ExitCode())
}
