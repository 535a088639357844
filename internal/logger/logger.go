// Package logger builds the charmbracelet/log loggers used across the module.
package logger

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// New creates a logger that writes to stderr at the global log level.
func New(prefix string) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          prefix,
		ReportCaller:    false,
		ReportTimestamp: true,
		Formatter:       log.TextFormatter,
		Level:           log.GetLevel(),
	})
}

// NewWithConfig creates a logger with an explicit level, parsed from name.
// Unknown names fall back to info.
func NewWithConfig(prefix, level string, w io.Writer) *log.Logger {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		Level:           lvl,
		ReportTimestamp: true,
		Formatter:       log.TextFormatter,
	})
}

// Discard returns a logger that drops everything. Tests use it to keep
// output quiet.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
