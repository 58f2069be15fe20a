// Package logging provides structured logging setup using log/slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Level represents the logging verbosity level.
type Level int

const (
	// LevelInfo is the default logging level for normal operation.
	LevelInfo Level = iota
	// LevelDebug enables verbose debug output.
	LevelDebug
)

const (
	// EnvDebug enables debug logging when set to "1".
	EnvDebug = "APIVPN_DEBUG"
	// EnvConsoleOut keeps logs on stderr when set to "true". Otherwise
	// SetupForDataDir writes them to the core log file.
	EnvConsoleOut = "LOG_CONSOLE_OUT"
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Options configures the default logger.
type Options struct {
	Level  Level
	Format Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Setup initializes the global slog logger with the specified level.
// Call this once at application startup.
func Setup(level Level) {
	SetupWithOptions(Options{Level: level})
}

// SetupWithOptions installs a default logger built from opts.
func SetupWithOptions(opts Options) {
	slog.SetDefault(New(opts))
}

// New builds a logger without installing it.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level.slogLevel()}

	var handler slog.Handler
	switch opts.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// LevelFromEnv returns LevelDebug when APIVPN_DEBUG=1.
func LevelFromEnv() Level {
	if os.Getenv(EnvDebug) == "1" {
		return LevelDebug
	}
	return LevelInfo
}

// SetupFromEnv initializes a text logger on stderr using LevelFromEnv.
func SetupFromEnv() {
	Setup(LevelFromEnv())
}

// SetupForDataDir points the default logger at logFile unless
// LOG_CONSOLE_OUT=true. The returned closer releases the file and is never nil.
func SetupForDataDir(logFile string) (io.Closer, error) {
	if os.Getenv(EnvConsoleOut) == "true" {
		SetupFromEnv()
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return io.NopCloser(nil), fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- path derived from the data directory
	if err != nil {
		return io.NopCloser(nil), fmt.Errorf("open log file: %w", err)
	}

	SetupWithOptions(Options{Level: LevelFromEnv(), Output: f})
	return f, nil
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
