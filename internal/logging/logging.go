package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	charmlog "charm.land/log/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger handles debug logging to a rotating file and errors to stderr.
type Logger struct {
	mu      sync.Mutex
	out     *lumberjack.Logger
	log     *charmlog.Logger
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Get returns the default logger instance.
func Get() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{}
		defaultLogger.init()
	})
	return defaultLogger
}

func (l *Logger) init() {
	debugEnv := os.Getenv("PATCHWORK_DEBUG")

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "patchwork log: failed to get home dir: %v\n", err)
		return
	}

	_, statErr := os.Stat(filepath.Join(home, ".patchwork", "debug"))
	if debugEnv != "1" && statErr != nil {
		return
	}

	logsDir := filepath.Join(home, ".patchwork", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "patchwork log: failed to create logs dir %s: %v\n", logsDir, err)
		return
	}

	l.attach(filepath.Join(logsDir, "patchwork.log"))

	if debugEnv == "1" {
		l.Info("Logging started (PATCHWORK_DEBUG=1)")
	} else {
		l.Info("Logging started (~/.patchwork/debug exists)")
	}
}

// attach points the logger at a rotating file and enables it.
func (l *Logger) attach(path string) {
	l.out = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14,
	}
	l.log = charmlog.NewWithOptions(l.out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
		Level:           charmlog.DebugLevel,
		Prefix:          "patchwork",
	})
	l.enabled = true
}

// NewFile returns a logger that writes to path regardless of the debug
// switches. Used by tests and by the --log flag.
func NewFile(path string) *Logger {
	l := &Logger{}
	l.attach(path)
	return l
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// Debug logs a debug message (file only).
func (l *Logger) Debug(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Debugf(format, args...)
}

// Info logs an info message (file only).
func (l *Logger) Info(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Infof(format, args...)
}

// Warn logs a warning (file only).
func (l *Logger) Warn(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Warnf(format, args...)
}

// Error logs an error message (file and stderr).
func (l *Logger) Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "patchwork error: %s\n", msg)
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Error(msg)
}

// Request logs an incoming request.
func (l *Logger) Request(action string, raw string) {
	l.Debug("REQ [%s] %s", action, truncate(raw, 500))
}

// Response logs an outgoing response.
func (l *Logger) Response(msgType string, raw string) {
	l.Debug("RESP [%s] %s", msgType, truncate(raw, 500))
}

// Call logs a finished model call.
func (l *Logger) Call(model string, inputTokens, outputTokens int, cost float64, cached bool) {
	l.Debug("CALL [%s] in=%d out=%d cost=$%.4f cached=%t", model, inputTokens, outputTokens, cost, cached)
}

// Close closes the log file.
func (l *Logger) Close() {
	if l.out != nil {
		l.out.Close()
	}
}

// Writer returns an io.Writer for the log file (for external use).
func (l *Logger) Writer() io.Writer {
	if l.out != nil {
		return l.out
	}
	return io.Discard
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
