package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/ostavnaas/kjeller/internal/config"
	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger. With an empty file the output is a
// console writer on stderr, otherwise JSON lines are appended to file. The
// returned closer releases the file and is never nil.
func Setup(debug bool, file string) (io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(Level(debug))

	if file == "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return io.NopCloser(nil), fmt.Errorf("opening log file: %w", err)
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return f, nil
}

// Level maps the debug flag to a zerolog level
func Level(debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// Configure reads the config file, sets up logging from it and then logs
// the config warnings, so they reach log_file too. The returned closer is
// never nil.
func Configure(path string) (*engine.Config, io.Closer, error) {
	cfg, err := config.Read(path)
	if err != nil {
		return nil, io.NopCloser(nil), err
	}
	closer, err := Setup(cfg.Global.Debug, cfg.Global.LogFile)
	if err != nil {
		return nil, closer, err
	}
	config.LogWarnings(cfg)
	return cfg, closer, nil
}
