package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the log level
type LogLevel = zerolog.Level

const (
	// DEBUG level
	DEBUG = zerolog.DebugLevel
	// INFO level
	INFO = zerolog.InfoLevel
	// WARN level
	WARN = zerolog.WarnLevel
	// ERROR level
	ERROR = zerolog.ErrorLevel
)

// consoleTimeFormat matches the timestamp layout used by file output.
const consoleTimeFormat = "2006-01-02 15:04:05.000"

// callerFrames is the number of frames between the caller and zerolog:
// Logger.log, the level method and the package-level helper.
const callerFrames = 3

// Logger represents the logger
type Logger struct {
	zl   zerolog.Logger
	file *rotatingFile
}

// LoggerConfig represents the configuration for the logger
type LoggerConfig struct {
	// Log level
	Level LogLevel
	// Log file path, empty disables file output
	FilePath string
	// Maximum log file size in MB
	MaxSize int
	// Maximum number of backups
	MaxBackups int
	// Whether to log to console
	Console bool
	// Whether to add file:line of the caller
	Caller bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      INFO,
		MaxSize:    10,
		MaxBackups: 5,
		Console:    true,
	}
}

// New creates a new logger
func New(config LoggerConfig) (*Logger, error) {
	var writers []io.Writer
	var file *rotatingFile

	if config.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat})
	}

	if config.FilePath != "" {
		var err error
		file, err = openRotatingFile(config.FilePath, config.MaxSize, config.MaxBackups)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat})
	}

	return newWithWriter(zerolog.MultiLevelWriter(writers...), config.Level, config.Caller, file), nil
}

func newWithWriter(w io.Writer, level LogLevel, caller bool, file *rotatingFile) *Logger {
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if caller {
		ctx = ctx.CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + callerFrames)
	}

	return &Logger{zl: ctx.Logger(), file: file}
}

// Level returns the current minimum level
func (l *Logger) Level() LogLevel {
	return l.zl.GetLevel()
}

// WithLevel returns a copy of the logger filtering at level
func (l *Logger) WithLevel(level LogLevel) *Logger {
	return &Logger{zl: l.zl.Level(level), file: l.file}
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.zl.WithLevel(level).Msgf(format, args...)
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs info level messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs error level messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// rotatingFile is an io.Writer that renames the file once it reaches maxSize
// and keeps at most maxBackups renamed copies.
type rotatingFile struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	maxSize     int64
	maxBackups  int
	currentSize int64
}

func openRotatingFile(path string, maxSizeMB, maxBackups int) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get log file info: %w", err)
	}

	if maxSizeMB <= 0 {
		maxSizeMB = DefaultConfig().MaxSize
	}

	return &rotatingFile{
		file:        file,
		path:        path,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxBackups:  maxBackups,
		currentSize: info.Size(),
	}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	if err != nil {
		return n, err
	}

	if r.currentSize >= r.maxSize {
		if rerr := r.rotate(); rerr != nil {
			fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", rerr)
		}
	}

	return n, nil
}

// rotate must be called with r.mu held.
func (r *rotatingFile) rotate() error {
	r.file.Close()

	timestamp := time.Now().Format("20060102-150405.000")
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, timestamp, ext))

	if err := os.Rename(r.path, backupPath); err != nil {
		return err
	}

	r.cleanOldLogs()

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		r.file = nil
		return err
	}

	r.file = file
	r.currentSize = 0
	return nil
}

// cleanOldLogs removes the oldest backups beyond maxBackups.
func (r *rotatingFile) cleanOldLogs() {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]

	matches, err := filepath.Glob(filepath.Join(dir, name+".*"+ext))
	if err != nil || len(matches) <= r.maxBackups {
		return
	}

	type fileInfo struct {
		path string
		time time.Time
	}
	files := make([]fileInfo, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{match, info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].time.Before(files[j].time) })

	for i := 0; i < len(files)-r.maxBackups; i++ {
		os.Remove(files[i].path)
	}
}

// Close closes the underlying file
func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
