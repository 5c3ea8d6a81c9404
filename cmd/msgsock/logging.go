package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const envLogLevel = "MSGSOCK_LOG_LEVEL"

// zeroLogger adapts zerolog to msgsock.Logger.
type zeroLogger struct {
	l zerolog.Logger
}

func newLogger(cfg logConfig, w io.Writer) zeroLogger {
	level, ok := parseLevel(os.Getenv(envLogLevel))
	if !ok {
		level, _ = parseLevel(cfg.Level)
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zeroLogger{l: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

func (z zeroLogger) Debug(msg string, args ...any) { z.l.Debug().Fields(fields(args)).Msg(msg) }
func (z zeroLogger) Info(msg string, args ...any)  { z.l.Info().Fields(fields(args)).Msg(msg) }
func (z zeroLogger) Warn(msg string, args ...any)  { z.l.Warn().Fields(fields(args)).Msg(msg) }
func (z zeroLogger) Error(msg string, args ...any) { z.l.Error().Fields(fields(args)).Msg(msg) }

// fields renders Stringer values as text so peers and addresses log as
// host:port instead of as structs.
func fields(args []any) []any {
	out := make([]any, len(args))
	for i, v := range args {
		switch t := v.(type) {
		case error:
			out[i] = t.Error()
		case fmt.Stringer:
			out[i] = t.String()
		default:
			out[i] = v
		}
	}
	return out
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
