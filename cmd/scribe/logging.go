package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"

	"scribe/internal/config"
)

// newLogger returns an slog logger backed by charmbracelet/log. Output goes
// to stderr and, when LOGS_DIR is writable, to LOGS_DIR/scribe.log as well.
func newLogger(cfg config.Config) (*slog.Logger, func() error) {
	level, err := charmlog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = charmlog.InfoLevel
	}

	var formatter charmlog.Formatter
	switch cfg.LogFormat {
	case "json":
		formatter = charmlog.JSONFormatter
	case "logfmt":
		formatter = charmlog.LogfmtFormatter
	default:
		formatter = charmlog.TextFormatter
	}

	var out io.Writer = os.Stderr
	closeFile := func() error { return nil }
	if cfg.LogsDir != "" {
		path := filepath.Join(cfg.LogsDir, "scribe.log")
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640); err == nil {
			out = io.MultiWriter(os.Stderr, f)
			closeFile = f.Close
		}
	}

	handler := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Formatter:       formatter,
	})
	return slog.New(handler), closeFile
}
