package logging

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestLoggerWritesToBuffer(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelInfo, io.Discard)

	logger.Info("relay started", map[string]string{"bus": "raw"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != LevelInfo {
		t.Fatalf("expected info level, got %q", entry.Level)
	}
	if entry.Message != "relay started" {
		t.Fatalf("expected message relay started, got %q", entry.Message)
	}
	if entry.Context["bus"] != "raw" {
		t.Fatalf("expected context bus=raw, got %v", entry.Context)
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelWarning, io.Discard)

	logger.Info("info", nil)
	logger.Warn("warn", nil)

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != LevelWarning {
		t.Fatalf("expected warning level, got %q", entries[0].Level)
	}
}

func TestLoggerComponentTagsEntries(t *testing.T) {
	var output bytes.Buffer
	logger := NewLoggerWithOutput(NewLogBuffer(10), LevelDebug, &output).Component("watcher")

	logger.Debug("watch added", map[string]string{"path": "/tmp/k"})

	line := output.String()
	if !strings.Contains(line, `level=debug msg="watch added"`) {
		t.Fatalf("unexpected line %q", line)
	}
	if !strings.Contains(line, `kintampo.component="watcher"`) {
		t.Fatalf("expected component field, got %q", line)
	}
	if !strings.Contains(line, `path="/tmp/k"`) {
		t.Fatalf("expected path field, got %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw      string
		expected Level
		ok       bool
	}{
		{raw: "debug", expected: LevelDebug, ok: true},
		{raw: "TRACE", expected: LevelDebug, ok: true},
		{raw: " warn ", expected: LevelWarning, ok: true},
		{raw: "error", expected: LevelError, ok: true},
		{raw: "loud", expected: "", ok: false},
	}
	for _, testCase := range cases {
		got, ok := ParseLevel(testCase.raw)
		if got != testCase.expected || ok != testCase.ok {
			t.Fatalf("ParseLevel(%q) = %q, %v; expected %q, %v", testCase.raw, got, ok, testCase.expected, testCase.ok)
		}
	}
}

func FuzzParseLevel(f *testing.F) {
	for _, seed := range []string{"info", "warn", "warning", "error", "debug", "", "???", "INFO"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		_, _ = ParseLevel(raw)
	})
}
