// Package logging provides the gateway's structured logging system. It supports
// two execution modes: a plain server mode that writes structured text to an
// io.Writer, and a feed mode that additionally copies every entry onto a bounded
// channel that a caller can drain (for example to relay a live log feed)
// without coupling the logger to net/http.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel defines the severity of the log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes LogLevel satisfy the fmt.Stringer interface.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogEntry is the structured record handed to the feed channel.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Subsystem string
	Message   string
	Err       error
}

var (
	defaultLogger *slog.Logger
	feedChannel   chan LogEntry
	feedMode      bool
)

const defaultFeedBufferSize = 2048

// Init initializes the logger for server mode (direct output) or feed mode
// (also fans every entry out onto a bounded channel, returned to the caller).
// This must be called once at process startup before any other call in this
// package.
func Init(feed bool, level LogLevel, output io.Writer, channelBufferSize int) <-chan LogEntry {
	opts := &slog.HandlerOptions{Level: level.SlogLevel()}

	handler := slog.NewTextHandler(output, opts)
	if feed {
		feedMode = true
		if channelBufferSize <= 0 {
			channelBufferSize = defaultFeedBufferSize
		}
		feedChannel = make(chan LogEntry, channelBufferSize)
	} else {
		feedMode = false
	}
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)

	if feedMode {
		return feedChannel
	}
	return nil
}

// InitServer is a convenience wrapper for the common non-feed case.
func InitServer(filterLevel LogLevel, output io.Writer) {
	Init(false, filterLevel, output, 0)
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	if defaultLogger == nil || !defaultLogger.Enabled(context.Background(), level.SlogLevel()) {
		return
	}

	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}
	now := time.Now()

	var slogAttrs []slog.Attr
	slogAttrs = append(slogAttrs, slog.String("subsystem", subsystem))
	if err != nil {
		slogAttrs = append(slogAttrs, slog.String("error", err.Error()))
	}
	defaultLogger.LogAttrs(context.Background(), level.SlogLevel(), msg, slogAttrs...)

	if feedMode && feedChannel != nil {
		entry := LogEntry{Timestamp: now, Level: level, Subsystem: subsystem, Message: msg, Err: err}
		select {
		case feedChannel <- entry:
		default:
			// Feed subscriber too slow or absent; the entry already reached
			// the writer above, so dropping it off the feed loses nothing
			// but live-tail visibility.
			fmt.Fprintf(os.Stderr, "[LOGGING] feed channel full, dropping live-tail copy of: %s\n", msg)
		}
	}
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}

// TruncateID returns a truncated identifier for secure logging: the first 8
// characters followed by an ellipsis. Used for principal IDs, instance IDs,
// and session IDs so logs stay correlatable without leaking full secrets.
func TruncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// AuditEvent represents a structured audit log entry for security-sensitive
// gateway operations (auth, template/instance lifecycle, breaker overrides).
type AuditEvent struct {
	Action    string // e.g. "auth", "template_register", "instance_create"
	Outcome   string // "success" or "failure"
	Principal string // truncated principal/session identifier
	Target    string // template name, instance ID, or endpoint
	Details   string
	Error     string
}

// Audit logs a structured audit event at INFO level with an [AUDIT] prefix so
// log aggregation can filter on it cheaply.
func Audit(event AuditEvent) {
	parts := make([]string, 0, 6)
	parts = append(parts, "action="+event.Action)
	parts = append(parts, "outcome="+event.Outcome)
	if event.Principal != "" {
		parts = append(parts, "principal="+event.Principal)
	}
	if event.Target != "" {
		parts = append(parts, "target="+event.Target)
	}
	if event.Details != "" {
		parts = append(parts, "details="+event.Details)
	}
	if event.Error != "" {
		parts = append(parts, "error="+event.Error)
	}
	logInternal(LevelInfo, "AUDIT", nil, "[AUDIT] %s", strings.Join(parts, " "))
}
