package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	loggerInstance *Logger
	loggerOnce     sync.Once
)

// Logger provides component-scoped printf-style logging to okami-debug.log.
type Logger struct {
	out       io.Writer
	logger    *log.Logger
	level     Level
	mu        *sync.Mutex
	component string
}

// Get returns the singleton logger instance.
func Get() *Logger {
	loggerOnce.Do(func() {
		loggerInstance = newLogger("", DEBUG)
	})
	return loggerInstance
}

// NewComponentLogger creates a logger for a specific component sharing the
// singleton's output and level.
func NewComponentLogger(component string) *Logger {
	root := Get()
	return &Logger{
		out:       root.out,
		logger:    root.logger,
		level:     root.level,
		mu:        root.mu,
		component: component,
	}
}

// NewTestLogger returns a logger that writes to the given writer. Intended
// for tests that assert on log output.
func NewTestLogger(w io.Writer) *Logger {
	return &Logger{
		out:    w,
		logger: log.New(w, "", 0),
		level:  DEBUG,
		mu:     &sync.Mutex{},
	}
}

func newLogger(component string, level Level) *Logger {
	l := &Logger{
		level:     level,
		component: component,
		mu:        &sync.Mutex{},
	}

	dir := os.Getenv("OKAMI_LOG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			l.out = os.Stderr
			l.logger = log.New(os.Stderr, "", 0)
			return l
		}
		dir = home
	}

	logPath := filepath.Join(dir, "okami-debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.out = os.Stderr
		l.logger = log.New(os.Stderr, "", 0)
		return l
	}

	l.out = file
	l.logger = log.New(file, "", 0) // formatting is done here, not by log
	return l
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [component] file.go:123 - message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "OKAMI"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	if l.logger != nil {
		l.logger.Print(sanitizeLogLine(logLine))
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...any) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(WARN, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(ERROR, format, args...)
}

func levelToString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const redactedPlaceholder = "[REDACTED]"

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,})`,
	)
)

// sanitizeLogLine masks credentials so API keys never reach the log file.
func sanitizeLogLine(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllString(line, "${1}${2}"+redactedPlaceholder)
	sanitized = sensitiveKeyValuePattern.ReplaceAllString(sanitized, "${1}"+redactedPlaceholder+"${3}")
	sanitized = standaloneSecretPattern.ReplaceAllString(sanitized, redactedPlaceholder)
	return sanitized
}
