package logging

import (
	"io"
	"os"
	"time"

	"github.com/Wyydra/mesh/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds the process logger and installs it as the zerolog global.
func New(cfg config.Log) zerolog.Logger {
	return build(cfg, os.Stdout)
}

func build(cfg config.Log, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	w := out
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	l := zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()

	zerolog.SetGlobalLevel(level)
	log.Logger = l
	return l
}
