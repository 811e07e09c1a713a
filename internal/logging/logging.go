// Package logging wires the process-wide slog logger: colored console output
// plus a plain text log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	// LogFile is truncated on every start. Empty disables file logging.
	LogFile string
	Level   slog.Level
	Console io.Writer
}

// Setup installs the default logger and returns a closer for the log file.
func Setup(opts Options) (io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:      opts.Level,
			TimeFormat: consoleTimeFormat,
			NoColor:    !isTerminal(console),
		}),
	}

	var closer io.Closer = nopCloser{}
	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		lw := newLineWriter(file)
		handlers = append(handlers, slog.NewTextHandler(lw, &slog.HandlerOptions{
			Level: opts.Level,
			// the line writer stamps its own time
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		}))
		closer = fileCloser{lw: lw, file: file}
	}

	slog.SetDefault(slog.New(NewFanoutHandler(handlers...)))
	return closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fileCloser struct {
	lw   *lineWriter
	file *os.File
}

func (c fileCloser) Close() error {
	flushErr := c.lw.Close()
	if err := c.file.Close(); err != nil {
		return err
	}
	return flushErr
}
