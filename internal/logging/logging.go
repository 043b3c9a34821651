// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashureev/chatrelay/internal/config"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// New returns a JSON logger writing to console and, when cfg.File is set, to
// a size-rotated log file. A nil console logs to the file only. The returned
// closer releases the file and is safe to call when no file is configured.
func New(cfg config.LogConfig, console io.Writer) (*slog.Logger, io.Closer, error) {
	var writers []io.Writer
	if console != nil {
		writers = append(writers, console)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Level}))
	return logger, closer, nil
}

// Err is a shorthand for the "error" attribute.
func Err(err error) slog.Attr {
	return slog.Any("error", err)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
