package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig controls the zerolog backend.
type LogConfig struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
	Component  string
}

// ZeroLogger adapts zerolog to the Logger interface.
type ZeroLogger struct {
	zl zerolog.Logger
}

// NewZeroLogger builds a zerolog-backed Logger with console or JSON output.
func NewZeroLogger(cfg LogConfig) *ZeroLogger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(output)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		})
	}
	ctx := base.Level(parseLevel(cfg.Level)).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		ctx = ctx.Str("component", component)
	}
	return &ZeroLogger{zl: ctx.Logger()}
}

// With returns a child logger carrying the given fields on every entry.
func (l *ZeroLogger) With(fields ...Field) *ZeroLogger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZeroLogger{zl: ctx.Logger()}
}

func (l *ZeroLogger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *ZeroLogger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *ZeroLogger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *ZeroLogger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func emit(evt *zerolog.Event, msg string, fields []Field) {
	if evt == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			if f.Key == "error" {
				evt = evt.Err(v)
			} else {
				evt = evt.AnErr(f.Key, v)
			}
		case string:
			evt = evt.Str(f.Key, v)
		case int:
			evt = evt.Int(f.Key, v)
		case int64:
			evt = evt.Int64(f.Key, v)
		case bool:
			evt = evt.Bool(f.Key, v)
		case time.Duration:
			evt = evt.Dur(f.Key, v)
		default:
			evt = evt.Interface(f.Key, v)
		}
	}
	evt.Msg(msg)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
