package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}

// WithRequestID returns a logger with a request_id field attached, for the
// API server's per-request logging middleware (mirrors
// original_source/api_server.py's logging_middleware, which stamps every
// log line for a request with the same generated id).
func WithRequestID(requestID string) zerolog.Logger {
	return Log.With().Str("request_id", requestID).Logger()
}
