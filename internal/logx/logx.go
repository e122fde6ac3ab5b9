// Package logx provides the structured logger shared by every component of
// the recorder, wrapping log/slog with category-gated debug helpers.
package logx

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level is the logging verbosity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category gates verbose, high-volume debug logging for one subsystem.
type Category string

const (
	CategoryXMPP    Category = "xmpp"
	CategoryMUC     Category = "muc"
	CategoryJingle  Category = "jingle"
	CategoryColibri Category = "colibri"
	CategoryICE     Category = "ice"
	CategoryCapture Category = "capture"
	CategoryAll     Category = "all"
)

var allCategories = []Category{CategoryXMPP, CategoryMUC, CategoryJingle, CategoryColibri, CategoryICE, CategoryCapture}

// Format selects the log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger configuration.
type Config struct {
	Level      Level
	Format     Format
	OutputFile string

	mu       sync.RWMutex
	enabled  map[Category]bool
}

// NewConfig returns a Config with sane defaults.
func NewConfig() *Config {
	return &Config{
		Level:   LevelInfo,
		Format:  FormatText,
		enabled: make(map[Category]bool),
	}
}

// ParseLevel converts a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "warn", "WARN", "warning":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// ParseFormat converts a string into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT", "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be text or json)", s)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnableCategory turns on debug logging for one category, or every category
// when passed CategoryAll.
func (c *Config) EnableCategory(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cat == CategoryAll {
		for _, each := range allCategories {
			c.enabled[each] = true
		}
		return
	}
	c.enabled[cat] = true
}

func (c *Config) isEnabled(cat Category) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled[cat]
}

// Logger wraps slog.Logger with category-gated debug methods.
type Logger struct {
	*slog.Logger
	cfg  *Config
	file *os.File
}

// New builds a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	var w io.Writer = os.Stdout
	var file *os.File
	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		w = f
		file = f
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}
	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), cfg: cfg, file: file}, nil
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a derived Logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), cfg: l.cfg, file: l.file}
}

// Debugc logs at debug level only if cat is enabled.
func (l *Logger) Debugc(cat Category, msg string, args ...any) {
	if l.cfg.isEnabled(cat) {
		args = append([]any{"category", string(cat)}, args...)
		l.Debug(msg, args...)
	}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// SetDefault installs logger as the package-wide default.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the process-wide default Logger, creating a minimal one
// on first use.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			l, err := New(NewConfig())
			if err != nil {
				l = &Logger{Logger: slog.Default(), cfg: NewConfig()}
			}
			defaultLogger = l
		}
	})
	return defaultLogger
}
