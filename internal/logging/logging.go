// Package logging builds the agent's zerolog logger: human-readable lines on
// stderr plus an append-only log file for field debugging.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// DefaultFile is where the agent appends its log.
const DefaultFile = "/var/log/wgkeeper.log"

// Config selects level and destinations.
type Config struct {
	Level string `yaml:"level"`
	// File is appended to. Empty disables file logging.
	File  string `yaml:"file"`
	Debug bool   `yaml:"debug"`
}

// New returns a logger writing to stderr and, when possible, to cfg.File. The
// returned close func releases the file. A log file that cannot be opened is
// reported on the logger and otherwise ignored: the agent must keep running.
func New(cfg Config) (zerolog.Logger, func() error, error) {
	return build(cfg, os.Stderr)
}

func build(cfg Config, console io.Writer) (zerolog.Logger, func() error, error) {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        console,
		TimeFormat: time.DateTime,
		NoColor:    !isTerminal(console),
	}}
	closeFn := func() error { return nil }

	var fileErr error
	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			fileErr = err
		} else {
			writers = append(writers, f)
			closeFn = f.Close
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	if fileErr != nil {
		logger.Warn().Err(fileErr).Str("file", cfg.File).Msg("file logging disabled")
	}
	return logger, closeFn, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// isTerminal reports whether w is a terminal; journald and pipes get plain text.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
