package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a new zerolog logger with the specified configuration.
// Supports console/json format, level filtering, and optional sampling.
// Logs go to stderr so command results on stdout stay machine readable.
func New(logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, logLevel, logFormat, logSampler)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(out io.Writer, logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	var writer = out
	if logFormat != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    out != os.Stderr,
		}
	}

	logger := zerolog.New(writer).
		Level(zerolog.Level(logLevel)).
		With().
		Timestamp().
		Logger()

	if logSampler {
		logger = logger.Sample(&zerolog.BasicSampler{N: 5})
	}
	return logger
}
