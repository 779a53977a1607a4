// Package logging builds the process logger and the rotating debug file it
// optionally writes to.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// ParseLevel maps a config string to a slog level. Unknown strings read as
// info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the process logger. With a file path the logger writes plain
// text to a rotating file; otherwise it writes colorized output to stderr
// when attached to a terminal.
func Setup(level slog.Level, filePath string) (*slog.Logger, io.Closer, error) {
	if filePath != "" {
		f, err := NewRotatingFile(filePath)
		if err != nil {
			return nil, nil, err
		}
		handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
		return slog.New(handler), f, nil
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		TimeFormat: time.Kitchen,
		Level:      level,
	})
	return slog.New(handler), nil, nil
}
