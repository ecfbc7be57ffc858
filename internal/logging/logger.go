// Package logging provides categorized file-based diagnostic logging for
// glucolog. Logs are written under <dir>/logs with one file per category per
// day. Logging is a silent no-op unless debug mode is enabled, so production
// runs produce no files.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies a subsystem log stream.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and shutdown
	CategoryTransport  Category = "transport"  // Websocket connect/reconnect/send
	CategoryRouter     Category = "router"     // Inbound frame dispatch
	CategorySession    Category = "session"    // Server-side connection sessions
	CategoryExtraction Category = "extraction" // AI extraction and validation
	CategoryStore      Category = "store"      // SQLite reading store
	CategoryServer     Category = "server"     // HTTP/websocket endpoint
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logger behavior. Zero value disables all output.
type Options struct {
	DebugMode  bool
	Level      string          // debug/info/warn/error, default info
	Categories map[string]bool // nil = all enabled
	JSONFormat bool
}

// entry is the structured JSON form of one log line.
type entry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes to one category's log file. A Logger with a nil inner logger
// is a no-op.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Initialize sets up the logging directory and options. Call once at startup;
// no-op when debug mode is off.
func Initialize(dir string, o Options) error {
	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	optsMu.Unlock()

	if !o.DebugMode {
		return nil
	}
	if dir == "" {
		return fmt.Errorf("logging directory required in debug mode")
	}

	logsDir = filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== glucolog logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled reports whether a category produces output.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Returns a no-op logger
// when the category is disabled or initialization failed.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	filename := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	path := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", path, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string, fields map[string]interface{}) {
	e := entry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(e)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) emit(level int, tag, format string, args ...interface{}) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	optsMu.RLock()
	jsonFormat := opts.JSONFormat
	optsMu.RUnlock()
	if jsonFormat {
		l.logJSON(tag, msg, nil)
	} else {
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.emit(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, "WARN", format, args...)
}

// Error logs an error. Always written when the logger exists.
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, "ERROR", format, args...)
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
	logsDir = ""
}

// Convenience functions: quick logging without fetching a logger first.
// All are no-ops when the category is disabled.

// Transport logs to the transport category.
func Transport(format string, args ...interface{}) {
	Get(CategoryTransport).Info(format, args...)
}

// TransportDebug logs debug to the transport category.
func TransportDebug(format string, args ...interface{}) {
	Get(CategoryTransport).Debug(format, args...)
}

// Router logs to the router category.
func Router(format string, args ...interface{}) {
	Get(CategoryRouter).Info(format, args...)
}

// RouterDebug logs debug to the router category.
func RouterDebug(format string, args ...interface{}) {
	Get(CategoryRouter).Debug(format, args...)
}

// Session logs to the session category.
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category.
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// Extraction logs to the extraction category.
func Extraction(format string, args ...interface{}) {
	Get(CategoryExtraction).Info(format, args...)
}

// ExtractionDebug logs debug to the extraction category.
func ExtractionDebug(format string, args ...interface{}) {
	Get(CategoryExtraction).Debug(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}
