package telemetry

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesFile(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("loop started", "session_id", "abc")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, "loop started") || !strings.Contains(s, `"session_id":"abc"`) {
		t.Fatalf("log missing fields: %s", s)
	}
	if !strings.Contains(s, `"timestamp"`) {
		t.Fatalf("time key not renamed: %s", s)
	}
}

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("backend call", "api_key", "sk-verysecretvalue1234")
	closer.Close()

	b, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(b), "sk-verysecretvalue1234") {
		t.Fatal("sensitive value reached the log file")
	}
	if !strings.Contains(string(b), "[REDACTED]") {
		t.Fatal("expected redaction placeholder")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
