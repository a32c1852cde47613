// Package logging configures zerolog for the ForgeOS services.
//
// Loggers are plain zerolog values handed to components at construction
// time; there is no package-level logger to mutate.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration for one service process.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Pretty switches to the human console writer instead of JSON.
	Pretty bool
	// Output defaults to os.Stdout.
	Output io.Writer
}

// FromEnv builds a Config from LOG_LEVEL and LOG_PRETTY.
func FromEnv() Config {
	return Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Pretty: strings.EqualFold(os.Getenv("LOG_PRETTY"), "true"),
	}
}

// New returns the root logger for a service. Every line carries the
// service name so multi-process deployments stay greppable.
func New(service string, cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			level = parsed
		}
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Component returns a child logger tagged with a component field.
func Component(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}
