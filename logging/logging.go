// Package logging builds the agent's structured logger. Logs always go to
// a writer other than stdout, which carries the MCP stream.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Prefix tags every log line.
const Prefix = "code-context"

// New returns a logger writing to w at level ("debug", "info", "warn",
// "error") in format ("text", "json", "logfmt").
func New(w io.Writer, level, format string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var formatter log.Formatter
	switch format {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          Prefix,
		Formatter:       formatter,
	})
	logger.SetLevel(lvl)
	return logger, nil
}

// Default returns an info-level text logger on stderr.
func Default() *log.Logger {
	logger, _ := New(os.Stderr, "info", "text")
	return logger
}

// Performance logs how long operation took at debug level.
func Performance(logger *log.Logger, operation string, start time.Time) {
	logger.Debug("performance", "operation", operation, "duration", time.Since(start))
}
