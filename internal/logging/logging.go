package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompMonitor   = "monitor"
	CompInterpret = "interpret"
	CompState     = "state"
	CompStore     = "store"
	CompPriority  = "priority"
	CompInference = "inference"
	CompHooks     = "hooks"
	CompTerm      = "term"
	CompNotify    = "notify"
	CompWeb       = "web"
	CompStorage   = "storage"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.claude-monitor)
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files
	Compress bool
}

var (
	globalMu     sync.RWMutex
	globalLogger *slog.Logger
	rotator      *lumberjack.Logger
)

// Init initializes the global logging system. When no log dir is
// configured, logs are discarded.
func Init(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.LogDir == "" {
		globalLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return
	}

	rotator = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "monitor.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(rotator, opts)
	} else {
		handler = slog.NewJSONHandler(rotator, opts)
	}
	globalLogger = slog.New(handler)
}

// Logger returns the global logger. Safe to call before Init (returns a
// discard logger).
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// Shutdown closes the log writer.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
	globalLogger = nil
}

// ForComponent returns a sub-logger with the component field set. The
// returned logger resolves the global handler at log time, so package-level
// component loggers created before Init() still write to the real handler
// once Init() runs.
func ForComponent(name string) *slog.Logger {
	return slog.New(&lateBoundHandler{component: name})
}

type lateBoundHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *lateBoundHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *lateBoundHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler()
	handler = handler.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *lateBoundHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &lateBoundHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *lateBoundHandler) WithGroup(name string) slog.Handler {
	return &lateBoundHandler{component: h.component, attrs: h.attrs, group: name}
}
