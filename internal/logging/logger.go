// Package logging builds the process logger: zerolog to stdout (console
// format in development), optionally teed into a rotating file.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name; empty means info.
	Level string
	// File is the rotating log base path. Empty disables file output.
	File     string
	MaxBytes int64
	// Console switches stdout to human-readable output.
	Console bool
	// Out overrides stdout, mainly for tests.
	Out     io.Writer
	Service string
}

// New returns the configured logger and a closer for any file it opened.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopWriteCloser{w: io.Discard}
	if path := strings.TrimSpace(opts.File); path != "" {
		fw, err := NewRotatingWriter(path, opts.MaxBytes)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out = zerolog.MultiLevelWriter(out, fw)
		closer = fw
	}

	ctx := zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}
	return ctx.Logger(), closer, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
