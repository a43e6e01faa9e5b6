package config

import (
	"strings"
	"testing"
)

func TestLoadParsesOptions(t *testing.T) {
	src := "# comment line\nmem 8192\nstack 16\ntrace true\n\nmonitor false\n"
	cfg, err := Load(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MemMiB != 8192 {
		t.Errorf("MemMiB: got: %d expected: %d", cfg.MemMiB, 8192)
	}
	if cfg.StackMiB != 16 {
		t.Errorf("StackMiB: got: %d expected: %d", cfg.StackMiB, 16)
	}
	if !cfg.Trace {
		t.Errorf("Trace: got: %v expected: %v", cfg.Trace, true)
	}
	if cfg.Monitor {
		t.Errorf("Monitor: got: %v expected: %v", cfg.Monitor, false)
	}
}

func TestLoadRejectsUnknownOption(t *testing.T) {
	_, err := Load(strings.NewReader("bogus 1\n"))
	if err == nil {
		t.Errorf("expected error for unknown option, got nil")
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	_, err := Load(strings.NewReader("mem\n"))
	if err == nil {
		t.Errorf("expected error for malformed line, got nil")
	}
}
