// Package logging builds the component loggers every todoq process uses.
// Each component gets a bracketed prefix so interleaved daemon output
// stays attributable; the daemon can additionally route everything
// through a size-capped rotating file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mstave/todoq/internal/config"
)

// Component returns a stderr logger with the conventional bracketed
// prefix, e.g. Component("engine") logs as "[engine] ".
func Component(name string) *log.Logger {
	return log.New(os.Stderr, fmt.Sprintf("[%s] ", name), log.LstdFlags)
}

// Quiet returns a logger that discards everything, for commands whose
// stdout is machine-readable output.
func Quiet() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// FileWriter returns the rotating log writer described by cfg, creating
// the parent directory if needed. A Config with an empty File means no
// file logging; callers should not reach here in that case.
func FileWriter(cfg config.LogConfig) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}, nil
}

// ComponentTo is Component writing to w instead of stderr, for the
// daemon's rotating file.
func ComponentTo(w io.Writer, name string) *log.Logger {
	return log.New(w, fmt.Sprintf("[%s] ", name), log.LstdFlags)
}
