package logger

import (
	"io"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Global logger instance
var defaultLogger atomic.Pointer[Logger]

func init() {
	// Console output only until the configuration is loaded
	logger, _ := New(DefaultConfig())
	defaultLogger.Store(logger)
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console, caller bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
		Caller:     caller,
	})
	if err != nil {
		return err
	}

	if old := defaultLogger.Swap(logger); old != nil {
		old.Close()
	}
	return nil
}

// SetOutput sends JSON log lines to w at the given level. Used by tests to
// capture output.
func SetOutput(w io.Writer, level LogLevel) {
	if old := defaultLogger.Swap(newWithWriter(w, level, false, nil)); old != nil {
		old.Close()
	}
}

// SetLevel changes the minimum level of the global logger
func SetLevel(level LogLevel) {
	current := defaultLogger.Load()
	defaultLogger.Store(current.WithLevel(level))
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", "INFO":
		return INFO, nil
	case "DEBUG":
		return DEBUG, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		lvl, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return INFO, err
		}
		return lvl, nil
	}
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	defaultLogger.Load().Debug(format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	defaultLogger.Load().Info(format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	defaultLogger.Load().Warn(format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	defaultLogger.Load().Error(format, args...)
}

// Close closes the logger
func Close() error {
	return defaultLogger.Load().Close()
}
