package pion

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// logFactory routes pion's internal logging into zerolog, one scope per
// subsystem.
type logFactory struct {
	log zerolog.Logger
}

func newLogFactory(log zerolog.Logger) logFactory {
	return logFactory{log: log.With().Str("component", "pion").Logger()}
}

func (f logFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveled{log: f.log.With().Str("mod", scope).Logger()}
}

type leveled struct {
	log zerolog.Logger
}

func (l leveled) Trace(msg string)                  { l.log.Trace().Msg(msg) }
func (l leveled) Tracef(format string, args ...any) { l.log.Trace().Msgf(format, args...) }
func (l leveled) Debug(msg string)                  { l.log.Debug().Msg(msg) }
func (l leveled) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }
func (l leveled) Info(msg string)                   { l.log.Info().Msg(msg) }
func (l leveled) Infof(format string, args ...any)  { l.log.Info().Msgf(format, args...) }
func (l leveled) Warn(msg string)                   { l.log.Warn().Msg(msg) }
func (l leveled) Warnf(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l leveled) Error(msg string)                  { l.log.Error().Msg(msg) }
func (l leveled) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }
