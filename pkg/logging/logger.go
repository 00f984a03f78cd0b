// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging setup for AleutianMed
// services.
//
// The package is a thin layer over Go's standard slog: it parses the
// LOG_LEVEL convention, builds a JSON handler, and optionally tees output
// into a per-service log file.
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    Service: "orchestrator",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers must
// ensure PII, tokens, and secrets are not logged:
//
//	// BAD: logs sensitive data
//	slog.Info("auth", "token", authToken)
//
//	// GOOD: log metadata only
//	slog.Info("auth", "token_present", authToken != "")
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity. Ordered Debug < Info < Warn < Error;
// setting a minimum level filters everything below it.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", or "ERROR".
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

// ParseLevel maps a LOG_LEVEL string to a Level. Matching is
// case-insensitive; the empty string means Info.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config parameterises New.
type Config struct {
	// Level is the minimum severity emitted.
	Level Level
	// Service names the component; used in the log file name.
	Service string
	// LogDir, when set, tees output into {service}_{date}.log inside it.
	// The directory is created if missing.
	LogDir string
	// Output is the primary destination. Default: os.Stdout.
	Output io.Writer
}

// =============================================================================
// Struct Definition
// =============================================================================

// Logger owns a configured slog.Logger and the optional log file behind
// it. Safe for concurrent use; Close is not.
type Logger struct {
	slog *slog.Logger
	file *os.File
}

// =============================================================================
// Constructor
// =============================================================================

// New builds a JSON logger from cfg.
//
// # Outputs
//
//   - *Logger: ready to install via slog.SetDefault(logger.Slog()).
//   - error: the log directory or file could not be created.
func New(cfg Config) (*Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Service == "" {
		cfg.Service = "aleutianmed"
	}

	var file *os.File
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().UTC().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(out, f)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.Level.slogLevel(),
	})

	return &Logger{
		slog: slog.New(handler).With("service", cfg.Service),
		file: file,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close releases the log file, if any. Safe to call on a logger without
// file output.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
