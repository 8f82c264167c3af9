package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is the minimum severity emitted by a logger.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON   Format = "json"   // machine-readable, Loki-compatible
	FormatPretty Format = "pretty" // human-readable for local dev
)

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format Format
}

// New creates a structured logger for the gateway.
//
// All long-lived components derive their own logger from this one with
// a "component" field so log lines can be filtered per subsystem:
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON})
//	busLog := logger.With().Str("component", "bus").Logger()
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelInfo:
		level = zerolog.InfoLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "degenduel-ws").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace and keeps the
// process alive. Use as the first defer of every long-lived goroutine so
// a single misbehaving connection or handler cannot take the gateway down.
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "readLoop", map[string]any{"connection_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
