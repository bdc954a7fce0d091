package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		result := test.level.String()
		if result != test.expected {
			t.Errorf("LogLevel(%d).String() = %s, expected %s", test.level, result, test.expected)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{LogLevel(999), slog.LevelInfo}, // Default for unknown
	}

	for _, test := range tests {
		result := test.level.SlogLevel()
		if result != test.expected {
			t.Errorf("LogLevel(%d).SlogLevel() = %v, expected %v", test.level, result, test.expected)
		}
	}
}

func TestInitServer(t *testing.T) {
	var buf bytes.Buffer

	InitServer(LevelInfo, &buf)

	if feedMode {
		t.Error("Expected feedMode to be false after InitServer")
	}

	if defaultLogger == nil {
		t.Error("Expected defaultLogger to be set after InitServer")
	}

	Info("test-subsystem", "test message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Error("Expected log message to appear in output")
	}

	if !strings.Contains(output, "test-subsystem") {
		t.Error("Expected subsystem to appear in output")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	InitServer(LevelInfo, &buf)

	Debug("test", "debug message")
	Info("test", "info message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("Debug message should be filtered out at INFO level")
	}

	if !strings.Contains(output, "info message") {
		t.Error("Info message should appear at INFO level")
	}
}

func TestFeedMode(t *testing.T) {
	var buf bytes.Buffer

	ch := Init(true, LevelDebug, &buf, 4)
	if ch == nil {
		t.Fatal("Expected a feed channel in feed mode")
	}

	Info("test", "feed message")

	select {
	case entry := <-ch:
		if entry.Message != "feed message" {
			t.Errorf("unexpected feed entry message: %s", entry.Message)
		}
		if entry.Subsystem != "test" {
			t.Errorf("unexpected feed entry subsystem: %s", entry.Subsystem)
		}
	default:
		t.Fatal("expected an entry on the feed channel")
	}
}

func TestLogEntry(t *testing.T) {
	now := time.Now()
	testErr := errors.New("test error")

	entry := LogEntry{
		Timestamp: now,
		Level:     LevelError,
		Subsystem: "test-subsystem",
		Message:   "test message",
		Err:       testErr,
	}

	if entry.Timestamp != now {
		t.Error("Timestamp not set correctly")
	}
	if entry.Level != LevelError {
		t.Error("Level not set correctly")
	}
	if entry.Subsystem != "test-subsystem" {
		t.Error("Subsystem not set correctly")
	}
	if entry.Message != "test message" {
		t.Error("Message not set correctly")
	}
	if entry.Err != testErr {
		t.Error("Error not set correctly")
	}
}

func TestTruncateID(t *testing.T) {
	if got := TruncateID("short"); got != "short" {
		t.Errorf("expected short id unchanged, got %s", got)
	}
	if got := TruncateID("abcdefghijklmnop"); got != "abcdefgh..." {
		t.Errorf("unexpected truncated id: %s", got)
	}
}

func TestAudit(t *testing.T) {
	var buf bytes.Buffer
	InitServer(LevelInfo, &buf)

	Audit(AuditEvent{Action: "auth", Outcome: "success", Principal: "abc12345...", Target: "echo-1"})

	output := buf.String()
	if !strings.Contains(output, "[AUDIT]") {
		t.Error("expected audit line to contain [AUDIT] marker")
	}
	if !strings.Contains(output, "action=auth") {
		t.Error("expected audit line to contain action field")
	}
}
