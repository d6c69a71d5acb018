package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the process-wide structured logger.
type LoggingOpts struct {
	// Service is added as a 'service' tag to all log messages.
	Service string

	// JSON enables JSON log output instead of text.
	JSON bool

	// Debug enables debug-level messages.
	Debug bool

	// Version is added as a 'version' tag to all log messages when set.
	Version string
}

// SetupLogger creates the process logger according to the provided options.
// All components receive this logger (or a derived one) explicitly; there is
// no ambient global logger.
func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}

	log = log.With("service", opts.Service)
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}

	return log
}
