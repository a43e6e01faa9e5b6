/*
   Structured logging for the emulator.

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

// Package vlog wraps log/slog with a handler matching the emulator's plain
// timestamped line format, mirroring trace output to stderr when debugging.
package vlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handler is a slog.Handler that writes one line per record to out, and
// additionally mirrors records at or above Warn (or all records, when debug
// is enabled) to stderr.
type Handler struct {
	out   io.Writer
	errw  io.Writer
	mu    *sync.Mutex
	level slog.Level
	debug *bool
}

// NewHandler creates a Handler writing to out, honoring *debug at Handle
// time (so a CLI flag parsed after NewHandler still takes effect).
func NewHandler(out io.Writer, errw io.Writer, level slog.Level, debug *bool) *Handler {
	return &Handler{out: out, errw: errw, mu: &sync.Mutex{}, level: level, debug: debug}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if h.debug != nil && *h.debug {
		return true
	}
	return level >= h.level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	line := formatLine(r)
	if _, err := io.WriteString(h.out, line); err != nil {
		return err
	}
	if h.errw != nil && h.out != h.errw {
		debugOn := h.debug != nil && *h.debug
		if debugOn || r.Level >= slog.LevelWarn {
			io.WriteString(h.errw, line)
		}
	}
	return nil
}

func formatLine(r slog.Record) string {
	s := r.Time.Format("2006/01/02 15:04:05") + " " + r.Level.String() + " " + r.Message
	r.Attrs(func(a slog.Attr) bool {
		s += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	return s + "\n"
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// The emulator logs with a handful of ad-hoc call sites, not grouped
	// loggers, so attrs given here are dropped: no derived handler carries
	// them, and Handle prints only the record's own attrs.
	return h
}

func (h *Handler) WithGroup(name string) slog.Handler { return h }

// SetDebug installs slog.Default() backed by a Handler honoring *debug.
func SetDebug(out, errw io.Writer, debug *bool) {
	slog.SetDefault(slog.New(NewHandler(out, errw, slog.LevelInfo, debug)))
}
