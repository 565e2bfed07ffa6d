// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache flushes (entry counts)
//   - Per-target fetch attempts and retries
//   - Rate limit window state
//
// Info: Normal operation events
//   - Batch refresh start/finish
//   - Settings updates
//   - Cache priming on startup
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limit penalties (dispatch paused)
//   - Retry attempts after server or network errors
//   - Cache write failures (refresh continues without caching)
//   - Corrupt cache entries skipped during load
//
// Error: Error conditions requiring attention
//   - Fetches failed after all retries
//   - Invalid or expired API key
//   - Redis unavailability
//   - Configuration errors
//
// Context Fields:
//   - target_id: Torn player id being fetched
//   - batch_id: Batch refresh identifier
//   - status_code: HTTP status code
//   - error_class: Error classification (client, server, throttled, network)
//   - attempt: Retry attempt number
//   - pause: Penalty pause duration
//   - duration: Request or batch duration
