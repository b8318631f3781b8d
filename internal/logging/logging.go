// Package logging constructs the process-wide structured logger.
//
// It deliberately does not adopt the teacher corpus's full logiface facade —
// this CLI only needs one writer configuration, not logiface's generic
// multi-backend abstraction — but keeps that facade's habit of handing a
// concrete logger value to every component via constructor injection rather
// than reaching for a package-level global.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the process logger.
type Options struct {
	// LogFile, if non-empty, tees output to this path in addition to stdout.
	LogFile string
	// Debug raises the level to debug, mirroring STMPO_DEBUG=1 from the
	// original Python wrapper.
	Debug bool
}

// New builds the process logger. The returned closer must be closed (if
// non-nil) before process exit to flush the log file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	var writer io.Writer = console
	var closer io.Closer
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writer = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}
