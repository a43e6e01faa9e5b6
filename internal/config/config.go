/*
   Emulator configuration.

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

// Package config loads emulator settings from a line-oriented text file
// of "keyword value" pairs with '#' comments.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Config holds the knobs cmd/vex exposes beyond its CLI flags.
type Config struct {
	MemMiB   int  // guest address space ceiling, in MiB
	Trace    bool // per-syscall / per-fault trace logging
	Monitor  bool // attach the interactive diagnostic REPL
	StackMiB int  // initial stack reservation, in MiB
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{MemMiB: 4096, StackMiB: 8}
}

// Load reads line-oriented "keyword value" pairs from r. Blank lines and
// lines whose first non-blank character is '#' are ignored, exactly as
// configparser.go's option-line scanner treats comments.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return cfg, fmt.Errorf("config: line %d: expected \"keyword value\", got %q", lineNo, line)
		}
		keyword, value := strings.ToLower(fields[0]), fields[1]
		if err := applyOption(&cfg, keyword, value); err != nil {
			return cfg, fmt.Errorf("config: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyOption(cfg *Config, keyword, value string) error {
	switch keyword {
	case "mem", "memory":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", keyword, err)
		}
		cfg.MemMiB = n
	case "stack":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", keyword, err)
		}
		cfg.StackMiB = n
	case "trace":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", keyword, err)
		}
		cfg.Trace = b
	case "monitor":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", keyword, err)
		}
		cfg.Monitor = b
	default:
		return fmt.Errorf("unknown option %q", keyword)
	}
	return nil
}
