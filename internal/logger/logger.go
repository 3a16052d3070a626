// Package logger builds the module's slog loggers: colored text for
// terminals, JSON for services, lumberjack rotation for file output.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters (lumberjack semantics).
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the destination and format of the module's logs.
// If FilePath is set, output goes to a rotated file; otherwise stderr.
type Config struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error (default info)
	Format     string `mapstructure:"format"`      // text or json (default text)
	Color      bool   `mapstructure:"color"`       // ANSI level colors, text format on a terminal only
	FilePath   string `mapstructure:"file"`        // log file; empty means stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"` // gzip rotated files
}

// New builds a slog.Logger per the config. The returned closer is non-nil
// when a rotated file is open; callers close it on shutdown.
func (c Config) New() (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if c.FilePath != "" {
		f := &lj.Logger{
			Filename:   c.FilePath,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
		w = f
		closer = f
	}
	opts := &slog.HandlerOptions{Level: c.level()}
	var h slog.Handler
	switch {
	case strings.EqualFold(c.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case c.Color && c.FilePath == "":
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

func (c Config) level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
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

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
