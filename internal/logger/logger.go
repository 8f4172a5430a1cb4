package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. dev switches to a console writer at debug level.
func Setup(dev bool) zerolog.Logger {
	return New(os.Stderr, dev)
}

// New builds a logger writing to w.
func New(w io.Writer, dev bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// ForWorker returns a child logger tagged with the worker's identifiers.
func ForWorker(logger zerolog.Logger, workerID, companyID string) zerolog.Logger {
	ctx := logger.With().Str("worker_id", workerID)
	if companyID != "" {
		ctx = ctx.Str("company_id", companyID)
	}
	return ctx.Logger()
}
