package cellar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global logger. Console output goes to stderr at
// a level chosen by verbosity; when logFile is non-empty every event is also
// appended there as JSON regardless of the console level.
func SetupLogger(verbosity int, logFile string) (io.Closer, error) {
	level := zerolog.WarnLevel
	switch {
	case verbosity == 1:
		level = zerolog.InfoLevel
	case verbosity == 2:
		level = zerolog.DebugLevel
	case verbosity > 2:
		level = zerolog.TraceLevel
	}
	zerolog.SetGlobalLevel(zerolog.TraceLevel)

	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	}
	writers := []io.Writer{&zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: console},
		Level:  level,
	}}

	var closer io.Closer = nopCloser{}
	if logFile != "" {
		f, err := openLogFile(logFile)
		if err != nil {
			log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
			return closer, err
		}
		writers = append(writers, f)
		closer = f
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp()
	if verbosity >= 2 {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
	log.Debug().Int("verbosity", verbosity).Str("logFile", logFile).Msg("Logger initialized")
	return closer, nil
}

// GetLogger returns a contextualized logger for a pipeline component.
func GetLogger(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// LogOperationStart logs the start of an operation and returns a function to
// log its completion.
func LogOperationStart(logger zerolog.Logger, operation string) func() {
	start := time.Now()
	logger.Debug().Str("operation", operation).Msg("Operation started")
	return func() {
		logger.Debug().
			Str("operation", operation).
			Dur("duration", time.Since(start)).
			Msg("Operation completed")
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
