// Package logging provides config-driven categorized file-based logging for
// loki. Logs are written to .loki/logs/ with a separate file per category.
// When debug mode is off the whole package is a silent no-op.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup and configuration
	CategoryMemory       Category = "memory"       // Memory store operations
	CategoryRetrieval    Category = "retrieval"    // Task-aware retrieval
	CategoryVector       Category = "vector"       // Vector index
	CategoryClassifier   Category = "classifier"   // PRD classification
	CategoryComposer     Category = "composer"     // Team composition
	CategoryCouncil      Category = "council"      // Review council voting
	CategoryBFT          Category = "bft"          // Consensus, reputation, faults
	CategoryAdjuster     Category = "adjuster"     // Mid-run team mutation
	CategoryPerformance  Category = "performance"  // Agent performance tracking
	CategoryOrchestrator Category = "orchestrator" // RARV loop
	CategoryChecklist    Category = "checklist"    // Checklist verification
	CategoryEvents       Category = "events"       // Event sink
)

// Options mirrors config.LoggingConfig to avoid a config import cycle.
type Options struct {
	DebugMode  bool
	Level      string // debug, info, warn, error
	Categories map[string]bool
}

// Logger wraps a standard logger writing to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	logLevel  int
	enabled   bool
)

// Initialize sets up the logging directory under the project's .loki dir.
// Should be called once at startup.
func Initialize(projectDir string, o Options) error {
	if projectDir == "" {
		return fmt.Errorf("project directory required")
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()

	opts = o
	logsDir = filepath.Join(projectDir, ".loki", "logs")
	enabled = o.DebugMode

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

	if !enabled {
		return nil // production mode: no logs, no directory
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[category]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	l = &Logger{category: category}
	if enabled && categoryEnabled(category) {
		path := filepath.Join(logsDir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
		}
	}
	loggers[category] = l
	return l
}

func categoryEnabled(category Category) bool {
	if len(opts.Categories) == 0 {
		return true // no filter = all categories
	}
	on, ok := opts.Categories[string(category)]
	return !ok || on
}

// Close closes all open log files. Call on shutdown.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

func (l *Logger) write(level int, prefix, format string, args ...any) {
	if l == nil || l.logger == nil || level < logLevel {
		return
	}
	l.logger.Printf("[%s] %s", prefix, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, "DEBUG", format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) { l.write(LevelInfo, "INFO", format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) { l.write(LevelWarn, "WARN", format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, "ERROR", format, args...) }
