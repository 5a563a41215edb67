// Package logging provides component-scoped structured logging with file
// rotation for simbatch. All packages log through loggers obtained from Get.
//
// Basic usage:
//
//	if err := logging.Init(logging.Config{Level: "info"}); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Close()
//
//	logger := logging.Get("resource")
//	logger.Info("workers selected", "workers", 4)
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// Level represents a logging level.
type Level int

// Log levels from least to most severe.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) toCharmLevel() log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ErrInvalidLevel is returned when an invalid log level string is provided.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %s", ErrInvalidLevel, s)
	}
}

// Config configures the logging system.
type Config struct {
	// Level is the default log level (debug, info, warn, error).
	Level string

	// Path is the log file path. Empty uses DefaultLogPath().
	Path string

	// Output replaces the rotating log file when set. Rotation and Path are
	// ignored in that case.
	Output io.Writer

	// Rotation configures log file rotation.
	Rotation RotationConfig

	// Components maps component names to their log levels.
	Components map[string]string

	// ConsoleLevel enables stderr output at the given level.
	// Empty disables console output.
	ConsoleLevel string
}

// Logger wraps charmbracelet/log with component identification.
// A Logger obtained before Init keeps working after Init: its sinks are
// rebuilt whenever the global configuration changes.
type Logger struct {
	component string
	fields    []interface{}

	mu      sync.Mutex
	gen     uint64
	file    *log.Logger
	console *log.Logger
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
}

// With returns a new logger carrying additional key/value context.
func (l *Logger) With(args ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	file, console := l.sinks()
	logTo(file, level, msg, args...)
	if console != nil {
		logTo(console, level, msg, args...)
	}
}

// sinks returns the current file and console loggers, rebuilding them when
// Init or Close has run since they were last built.
func (l *Logger) sinks() (*log.Logger, *log.Logger) {
	globalState.mu.RLock()
	defer globalState.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil || l.gen != globalState.gen {
		l.file, l.console = globalState.build(l.component, l.fields)
		l.gen = globalState.gen
	}
	return l.file, l.console
}

func logTo(logger *log.Logger, level Level, msg string, args ...interface{}) {
	switch level {
	case LevelDebug:
		logger.Debug(msg, args...)
	case LevelInfo:
		logger.Info(msg, args...)
	case LevelWarn:
		logger.Warn(msg, args...)
	case LevelError:
		logger.Error(msg, args...)
	}
}

type state struct {
	mu          sync.RWMutex
	gen         uint64
	initialized bool
	output      io.Writer
	writer      *RotatingWriter
	level       Level
	components  map[string]Level
	loggers     map[string]*Logger

	consoleEnabled bool
	consoleLevel   Level
}

var globalState = &state{
	loggers:    make(map[string]*Logger),
	components: make(map[string]Level),
}

// build creates the sinks for a component. Must be called with s.mu held.
func (s *state) build(component string, fields []interface{}) (*log.Logger, *log.Logger) {
	level := s.level
	if compLevel, ok := s.components[component]; ok {
		level = compLevel
	}

	if !s.initialized {
		return log.NewWithOptions(io.Discard, log.Options{Level: level.toCharmLevel()}), nil
	}

	file := log.NewWithOptions(s.output, log.Options{
		Level:           level.toCharmLevel(),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          component,
	})
	if len(fields) > 0 {
		file = file.With(fields...)
	}

	if !s.consoleEnabled {
		return file, nil
	}

	console := log.NewWithOptions(os.Stderr, log.Options{
		Level:           s.consoleLevel.toCharmLevel(),
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Prefix:          component,
	})
	if len(fields) > 0 {
		console = console.With(fields...)
	}
	return file, console
}

// Init initializes the logging system with the given configuration.
// Before Init is called all loggers discard their output.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	components := make(map[string]Level, len(cfg.Components))
	for comp, lvl := range cfg.Components {
		parsed, err := ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("parsing level for component %s: %w", comp, err)
		}
		components[comp] = parsed
	}

	var consoleLevel Level
	consoleEnabled := cfg.ConsoleLevel != ""
	if consoleEnabled {
		consoleLevel, err = ParseLevel(cfg.ConsoleLevel)
		if err != nil {
			return fmt.Errorf("parsing console level: %w", err)
		}
	}

	var writer *RotatingWriter
	output := cfg.Output
	if output == nil {
		path := cfg.Path
		if path == "" {
			path = DefaultLogPath()
		}
		writer, err = NewRotatingWriter(path, cfg.Rotation)
		if err != nil {
			return fmt.Errorf("creating log writer: %w", err)
		}
		output = writer
	}

	globalState.mu.Lock()
	defer globalState.mu.Unlock()

	if globalState.writer != nil {
		if err := globalState.writer.Close(); err != nil {
			return fmt.Errorf("closing existing writer: %w", err)
		}
	}

	globalState.level = level
	globalState.components = components
	globalState.consoleEnabled = consoleEnabled
	globalState.consoleLevel = consoleLevel
	globalState.writer = writer
	globalState.output = output
	globalState.initialized = true
	globalState.gen++

	return nil
}

// Get returns the logger for the given component.
func Get(component string) *Logger {
	globalState.mu.RLock()
	logger, ok := globalState.loggers[component]
	globalState.mu.RUnlock()
	if ok {
		return logger
	}

	globalState.mu.Lock()
	defer globalState.mu.Unlock()

	if logger, ok := globalState.loggers[component]; ok {
		return logger
	}
	logger = &Logger{component: component}
	globalState.loggers[component] = logger
	return logger
}

// Close flushes and closes the log file. Loggers discard output afterwards.
func Close() error {
	globalState.mu.Lock()
	defer globalState.mu.Unlock()

	if !globalState.initialized {
		return nil
	}

	globalState.initialized = false
	globalState.output = nil
	globalState.components = make(map[string]Level)
	globalState.gen++

	if globalState.writer != nil {
		w := globalState.writer
		globalState.writer = nil
		if err := w.Close(); err != nil {
			return fmt.Errorf("closing log writer: %w", err)
		}
	}

	return nil
}

// DefaultLogPath returns $XDG_STATE_HOME/simbatch/simbatch.log.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "simbatch", "simbatch.log")
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Path:     DefaultLogPath(),
		Rotation: DefaultRotationConfig(),
	}
}
