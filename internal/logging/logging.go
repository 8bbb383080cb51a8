// Package logging builds the zerolog logger every hark binary writes through.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
	// Writer, when set, takes the place of Output.
	Writer io.Writer `yaml:"-"`
}

// New returns a logger for cfg and a function releasing its output.
func New(cfg Config) (zerolog.Logger, func() error, error) {
	nop := func() error { return nil }

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nop, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	output, release, err := openOutput(cfg)
	if err != nil {
		return zerolog.Nop(), nop, err
	}

	switch strings.ToLower(cfg.Format) {
	case "", "console":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	case "json":
	default:
		_ = release()
		return zerolog.Nop(), nop, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return logger, release, nil
}

// Component tags logger with the name of the part of the program using it.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

func openOutput(cfg Config) (io.Writer, func() error, error) {
	nop := func() error { return nil }
	if cfg.Writer != nil {
		return cfg.Writer, nop, nil
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		return os.Stderr, nop, nil
	case "stdout":
		return os.Stdout, nop, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log output is file but no file path is set")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %q: %w", cfg.FilePath, err)
		}
		return file, file.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
}
