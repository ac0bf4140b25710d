// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Log formats accepted by NewLogger.
const (
	LogFormatAuto = "auto"
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// NewLogger builds a logger writing to output. With format "auto" the
// handler is text when output is a terminal and JSON otherwise, so
// interactive runs are readable and piped runs are machine-parseable.
func NewLogger(output io.Writer, format, level string) (*slog.Logger, error) {
	parsedLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: parsedLevel}

	switch strings.ToLower(format) {
	case "", LogFormatAuto:
		if file, ok := output.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			return slog.New(slog.NewTextHandler(output, options)), nil
		}
		return slog.New(slog.NewJSONHandler(output, options)), nil
	case LogFormatText:
		return slog.New(slog.NewTextHandler(output, options)), nil
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(output, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want auto, text or json)", format)
	}
}

// ParseLevel maps debug/info/warn/error to a slog level. Empty means
// info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
