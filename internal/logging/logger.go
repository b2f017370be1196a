// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package logging builds the structured logger shared by every node component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relabs-tech/inertial_mesh/internal/config"
)

// ServiceName is attached to every record.
const ServiceName = "inertial-mesh"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates the process logger from configuration.
//
// Output goes to stdout unless LOG_FILE is set, in which case it goes to a
// size-rotated file. The returned closer releases that file and is safe to
// call when logging to stdout.
func New(cfg *config.Config) (*slog.Logger, io.Closer) {
	if cfg.LogFile == "" {
		return NewWithWriter(os.Stdout, cfg.LogLevel, cfg.LogFormat), nopCloser{}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}
	return NewWithWriter(rotator, cfg.LogLevel, cfg.LogFormat), rotator
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
	})
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// parseLevel converts a string log level to slog.Level.
// Unrecognised values fall back to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
