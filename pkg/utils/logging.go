package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// ParseLogLevel parses a log level name. "warning" is accepted for "warn".
func ParseLogLevel(level string) (zerolog.Level, error) {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "warning" {
		l = "warn"
	}
	if l == "" {
		return zerolog.InfoLevel, nil
	}
	parsed, err := zerolog.ParseLevel(l)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return parsed, nil
}

// LogOptions configures SetupLogging
type LogOptions struct {
	Level    string
	Format   string
	File     string
	Rotation *RotationConfig
}

// NewLogger creates a logger writing to w in the given format
func NewLogger(w io.Writer, format string) zerolog.Logger {
	if format == FormatJSON {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
}

// SetupLogging configures the global zerolog logger. The returned closer
// releases the log file, if any.
func SetupLogging(opts LogOptions) (io.Closer, error) {
	level, err := ParseLogLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	switch opts.Format {
	case "", FormatConsole, FormatJSON:
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		rotation := opts.Rotation
		if rotation == nil {
			rotation = &RotationConfig{}
		}
		cfg := *rotation
		cfg.Filename = opts.File
		rotator, err := NewLogRotator(&cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = rotator, rotator
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(level)
	log.Logger = NewLogger(out, opts.Format)

	return closer, nil
}

// ComponentLogger derives a logger tagged with a component name
func ComponentLogger(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
