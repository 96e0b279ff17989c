// Copyright (C) 2025 LatticeWorks (oss@latticeworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for LatticeBoard components.
//
// The package wraps the standard library slog package with
// multi-destination output:
//
//   - Default: stderr output (text for humans, JSON optional)
//   - Optional: file logging with automatic directory creation
//   - Optional: an Exporter hook for shipping entries elsewhere
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("snapshot loaded", "kb_id", kbID, "symbols", n)
//	logger.Error("store query failed", "error", err)
//
// # File Logging
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "/var/log/latticeboard",
//	    Service: "dashboard",
//	})
//	defer logger.Close()
//
// File logs are named {service}_{date}.log and are always JSON.
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog.Logger is
// thread-safe and mutable state is mutex-protected.
//
// This package does not redact anything; callers must keep credentials
// and store URLs with embedded passwords out of log attributes.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error.
// Setting a minimum level discards everything below it.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational events.
	LevelInfo

	// LevelWarn is for recoverable or degraded situations.
	LevelWarn

	// LevelError is for failed operations the system survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges Level to the standard library.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior. The zero value writes Info and
// above to stderr in text format.
type Config struct {
	// Level is the minimum level to emit. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the given directory when set.
	// Supports ~ expansion. The directory is created with 0750 if
	// missing. Default: "" (disabled).
	LogDir string

	// Service is attached to every entry as the "service" attribute.
	// Recommended value: "dashboard". Default: "" (omitted).
	Service string

	// JSON switches stderr output to JSON. File output is always JSON
	// regardless. Default: false.
	JSON bool

	// Quiet disables stderr output, leaving only file/exporter
	// destinations. Default: false.
	Quiet bool

	// Exporter, when set, receives every emitted entry asynchronously.
	// Export failures are dropped; the exporter must buffer internally.
	// Default: nil.
	Exporter Exporter
}

// =============================================================================
// Exporter Hook
// =============================================================================

// Exporter receives log entries for delivery to an external system
// (aggregators, object storage, test buffers).
//
// Export must not block the logging call path. Flush is called during
// shutdown and should drain any internal buffer; Close runs after
// Flush and releases resources.
type Exporter interface {
	Export(ctx context.Context, entry Entry) error
	Flush(ctx context.Context) error
	Close() error
}

// Entry is a structured log entry handed to an Exporter.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a multi-destination structured logger.
//
// Always call Close on loggers with file logging or an exporter
// configured so buffers are flushed and handles released. With returns
// a child logger sharing destinations with extra attributes attached.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter Exporter
	mu       sync.Mutex
}

// New creates a Logger from config. It sets up the stderr handler
// (unless Quiet), the file handler (if LogDir is set), and the
// exporter hook (if provided).
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		var stderrHandler slog.Handler
		if config.JSON {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, stderrHandler)
	}

	logger := &Logger{
		config:   config,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "latticeboard"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			logPath := filepath.Join(logDir, filename)

			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr logger for the dashboard.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "dashboard",
	})
}

// Debug logs at Debug level with slog-style key-value args.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs at Info level with slog-style key-value args.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs at Warn level with slog-style key-value args.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs at Error level with slog-style key-value args.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child Logger carrying additional attributes. The
// parent is not modified; destinations are shared.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog exposes the underlying slog.Logger for callers that need
// LogAttrs or custom Record handling.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter, closes it, syncs the log file, and
// closes it. Returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log writes to slog destinations and fans out to the exporter.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		entry := Entry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out records to several slog handlers so stderr and
// file destinations can use different formats.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args into a map for
// Entry.Attrs. Keys that are not strings are skipped.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all entries. Useful when export is disabled.
type NopExporter struct{}

func (e *NopExporter) Export(ctx context.Context, entry Entry) error { return nil }
func (e *NopExporter) Flush(ctx context.Context) error               { return nil }
func (e *NopExporter) Close() error                                  { return nil }

var _ Exporter = (*NopExporter)(nil)

// BufferedExporter collects entries in memory for test assertions.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []Entry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{
		entries: make([]Entry, 0, 100),
	}
}

func (e *BufferedExporter) Export(ctx context.Context, entry Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }
func (e *BufferedExporter) Close() error                    { return nil }

// Entries returns a copy of everything collected so far.
func (e *BufferedExporter) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]Entry, len(e.entries))
	copy(result, e.entries)
	return result
}

// WriterExporter writes entries to an io.Writer, one line each.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter creates a WriterExporter over w. The exporter does
// not own the writer and never closes it.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

func (e *WriterExporter) Export(ctx context.Context, entry Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

func (e *WriterExporter) Flush(ctx context.Context) error { return nil }
func (e *WriterExporter) Close() error                    { return nil }
