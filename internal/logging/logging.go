// Package logging builds the process logger: charmbracelet/log writing to
// stderr, optionally teed into a size-rotated file.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values fall back to info.
	Level string

	// File, when set, receives a copy of every record and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Writer overrides stderr as the primary sink.
	Writer io.Writer
}

// New returns a logger and a closer for its rotating file, if any.
func New(opts Options) (*log.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	if opts.Writer != nil {
		w = opts.Writer
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err == nil {
			rotator := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
			}
			w = io.MultiWriter(w, rotator)
			closer = rotator
		}
	}

	return log.NewWithOptions(w, log.Options{
		Level:           ParseLevel(opts.Level),
		ReportTimestamp: true,
	}), closer
}

// ParseLevel converts a config string to a level, defaulting to info.
func ParseLevel(level string) log.Level {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Component returns base scoped to a component prefix such as "syncer".
// A nil base yields a fresh stderr logger.
func Component(base *log.Logger, name string) *log.Logger {
	if base == nil {
		return log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          name,
			ReportTimestamp: true,
		})
	}
	return base.WithPrefix(name)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
