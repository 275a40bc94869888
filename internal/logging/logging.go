// Package logging builds the gateway's zerolog.Logger from the
// structured config surface ("logging: {level, format, output}").
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config is the logging section of the gateway's structured config.
type Config struct {
	Level  string // trace, debug, info, warn, error; default info
	Format string // "json" or "console"; default json
	Output string // "stdout", "stderr", or a file path; default stdout
}

// New builds a zerolog.Logger from cfg and sets it as zerolog's global
// logger so that library code using the package-level zerolog/log
// helpers picks it up too.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			w = os.Stdout
		} else {
			w = f
		}
	}

	if strings.ToLower(cfg.Format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}
