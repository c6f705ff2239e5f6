package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestZapLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		ok   bool
	}{
		{"debug", zapcore.DebugLevel, true},
		{"INFO", zapcore.InfoLevel, true},
		{"warn", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"fatal", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
	}

	for _, tt := range tests {
		got, err := zapLevel(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("zapLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Errorf("zapLevel(%q) should fail", tt.in)
		}
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, _, err := NewLogger("verbose", "json", "stderr"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagecache.log")

	logger, closeLogger, err := NewLogger("warn", "json", path)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dropped below level")
	logger.Warn("page guard release failed", zap.Uint32("page_id", 7))
	if err := closeLogger(); err != nil {
		t.Fatalf("Failed to close logger: %v", err)
	}
	if err := closeLogger(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), data)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["msg"] != "page guard release failed" {
		t.Errorf("Unexpected message %v", entry["msg"])
	}
	if entry["component"] != "pagecache" {
		t.Errorf("Expected component field, got %v", entry["component"])
	}
	if entry["page_id"] != float64(7) {
		t.Errorf("Expected page_id 7, got %v", entry["page_id"])
	}
	if ts, ok := entry["ts"].(string); !ok || !strings.Contains(ts, "T") {
		t.Errorf("Expected ISO8601 timestamp, got %v", entry["ts"])
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")

	logger, closeLogger, err := NewLogger("debug", "console", path)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("evicted page", zap.Uint32("frame_id", 2))
	closeLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "\tdebug\t") || !strings.Contains(line, "evicted page") {
		t.Errorf("Unexpected console line %q", line)
	}
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		t.Error("Console format should not be JSON")
	}
}

func TestNewLoggerBadOutput(t *testing.T) {
	_, _, err := NewLogger("info", "json", filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	if err == nil {
		t.Error("Expected error for an unwritable log path")
	}
}

func TestNewLoggerStderrClose(t *testing.T) {
	logger, closeLogger, err := NewLogger("info", "json", "stderr")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("filtered")
	if err := closeLogger(); err != nil {
		t.Errorf("Closing a stderr logger should not fail, got %v", err)
	}
}

func TestOpenCloseReleasesLogFile(t *testing.T) {
	if _, err := os.ReadDir("/proc/self/fd"); err != nil {
		t.Skip("no /proc/self/fd on this platform")
	}
	openFDs := func() int {
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			t.Fatal(err)
		}
		return len(entries)
	}

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.BufferPoolSize = 2
	cfg.DataFile = filepath.Join(dir, "pages.db")
	cfg.LogLevel = "info"
	cfg.LogOutput = filepath.Join(dir, "pagecache.log")
	cfg.EnableMetrics = false

	const cycles = 20
	before := openFDs()
	for i := 0; i < cycles; i++ {
		bpm, err := Open(cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := bpm.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if grown := openFDs() - before; grown >= cycles/2 {
		t.Errorf("Open/Close leaked %d descriptors over %d cycles", grown, cycles)
	}

	data, err := os.ReadFile(cfg.LogOutput)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "buffer pool closed"); got != cycles {
		t.Errorf("Expected %d close entries in the log file, got %d", cycles, got)
	}
}
