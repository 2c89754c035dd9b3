package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

// newLogger logs human readable lines to terminals and JSON otherwise.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}

	formatter := log.JSONFormatter
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		formatter = log.TextFormatter
	}

	handler := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
		Formatter:       formatter,
	})
	return slog.New(handler)
}
