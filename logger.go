package tokenrefresh

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel controls logger verbosity.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelInfo
	LevelDebug
)

// ParseLogLevel converts a level name to a LogLevel. Unknown names and the
// empty string map to LevelInfo.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides leveled logging through three underlying log.Logger sinks.
// Error output goes to stderr, info and debug to stdout.
type Logger struct {
	level    LogLevel
	logError *log.Logger
	logInfo  *log.Logger
	logDebug *log.Logger
}

// NewLogger creates a logger at the given level ("debug", "info" or "error").
func NewLogger(level string) *Logger {
	return &Logger{
		level:    ParseLogLevel(level),
		logError: log.New(os.Stderr, "ERROR: tokenrefresh: ", log.Ldate|log.Ltime),
		logInfo:  log.New(os.Stdout, "INFO: tokenrefresh: ", log.Ldate|log.Ltime),
		logDebug: log.New(os.Stdout, "DEBUG: tokenrefresh: ", log.Ldate|log.Ltime),
	}
}

// NewNoOpLogger creates a logger that discards all output.
func NewNoOpLogger() *Logger {
	return &Logger{
		level:    LevelError,
		logError: log.New(io.Discard, "", 0),
		logInfo:  log.New(io.Discard, "", 0),
		logDebug: log.New(io.Discard, "", 0),
	}
}

func (l *Logger) Debug(args ...interface{}) {
	if l.level >= LevelDebug {
		l.logDebug.Println(args...)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.level >= LevelDebug {
		l.logDebug.Printf(format, args...)
	}
}

func (l *Logger) Info(args ...interface{}) {
	if l.level >= LevelInfo {
		l.logInfo.Println(args...)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.level >= LevelInfo {
		l.logInfo.Printf(format, args...)
	}
}

func (l *Logger) Error(args ...interface{}) {
	l.logError.Println(args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logError.Printf(format, args...)
}

var (
	noopLoggerMu       sync.Mutex
	noopLoggerInstance *Logger
)

// GetSingletonNoOpLogger returns a process-wide no-op logger. Components that
// receive a nil logger fall back to this instance.
func GetSingletonNoOpLogger() *Logger {
	noopLoggerMu.Lock()
	defer noopLoggerMu.Unlock()
	if noopLoggerInstance == nil {
		noopLoggerInstance = NewNoOpLogger()
	}
	return noopLoggerInstance
}

// ResetSingletonNoOpLogger clears the cached no-op logger. Intended for tests
// that need to verify singleton behavior.
func ResetSingletonNoOpLogger() {
	noopLoggerMu.Lock()
	defer noopLoggerMu.Unlock()
	noopLoggerInstance = nil
}
