// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging sets up structured slog logging for forge components.
//
// Default output is stderr, text format on a terminal and JSON otherwise.
// File logging can be enabled alongside stderr; file logs are always JSON
// since they exist for machine processing.
//
// The package does not redact anything. Callers must keep secrets out of
// attributes.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Config controls logger construction. The zero value logs Info and
// above to stderr, choosing text or JSON by terminal detection.
type Config struct {
	// Level is the minimum severity: debug, info, warn, or error.
	Level string

	// Format is text, json, or empty for terminal detection.
	Format string

	// Dir enables file logging to {Service}_{YYYY-MM-DD}.log under the
	// directory, created with 0750 if missing.
	Dir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// Quiet suppresses stderr; useful when only the file output matters.
	Quiet bool
}

// Logger owns a configured slog.Logger and its file handle, if any.
//
// # Thread Safety
//
// Safe for concurrent use; Close is idempotent.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// ParseLevel maps a level name to its slog level. Unknown names are an
// error so configuration typos fail loudly.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New builds a logger from cfg.
//
// Inputs:
//
//	cfg - Output selection. See Config field docs.
//
// Outputs:
//
//	*Logger - The ready logger. Caller should Close() it on shutdown when
//	          file logging is enabled.
//	error - Bad level name, or file/directory creation failure.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	l := &Logger{}
	var handlers []slog.Handler

	if !cfg.Quiet {
		opts := &slog.HandlerOptions{Level: level}
		if useJSON(cfg.Format) {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	if cfg.Dir != "" {
		f, err := openLogFile(cfg.Dir, cfg.Service)
		if err != nil {
			return nil, err
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewTextHandler(io.Discard, nil)
	case 1:
		h = handlers[0]
	default:
		h = fanout(handlers)
	}

	logger := slog.New(h)
	if cfg.Service != "" {
		logger = logger.With(slog.String("service", cfg.Service))
	}
	l.Logger = logger
	return l, nil
}

// Default returns a stderr-only logger at Info level.
func Default() *Logger {
	l, _ := New(Config{})
	return l
}

// Close flushes and closes the log file, if one was opened.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// useJSON decides the stderr format: explicit setting wins, otherwise
// text on a terminal and JSON when piped.
func useJSON(format string) bool {
	switch strings.ToLower(format) {
	case "json":
		return true
	case "text":
		return false
	default:
		fd := os.Stderr.Fd()
		return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	}
}

// openLogFile creates the log directory and opens the dated service log
// for append.
func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if service == "" {
		service = "forge"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// fanout duplicates records across handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
