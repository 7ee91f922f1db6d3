// Package cvdlog provides structured logging for cvdd using zerolog.
package cvdlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-level logger, configured by Init.
var Logger zerolog.Logger

// Level names accepted by --log-level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the package-level logger. Safe to call more than
// once (e.g. after flags are reparsed in tests).
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// A usable default so packages that log before cmd/cvdd calls
	// Init (e.g. unit tests) don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel})
}

// WithUser returns a child logger tagged with the owning OS user id.
func WithUser(uid int) zerolog.Logger {
	return Logger.With().Int("uid", uid).Logger()
}

// WithGroup returns a child logger tagged with an instance group name.
func WithGroup(groupName string) zerolog.Logger {
	return Logger.With().Str("group", groupName).Logger()
}

// WithOp returns a child logger tagged with the helper-binary operation
// being dispatched (e.g. "status", "stop").
func WithOp(op string) zerolog.Logger {
	return Logger.With().Str("op", op).Logger()
}
