// Package logging builds the process-wide structured logger and the
// per-operation fields RowOps and the REST gateway attach to every event.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level names accepted in Config.Level, matching the config file's string form.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config controls how Init builds the global logger.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Logger is the process-wide logger built by Init. A zero-value
// zerolog.Logger has no writer, so package init gives it a safe stderr
// default for code paths (tests, library callers) that never call Init.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init builds Logger from cfg. Call once at process start, before any
// fragment or gateway code runs.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// WithFragment returns a child logger tagged with the fragment it is
// reporting on.
func WithFragment(fragID uint64) zerolog.Logger {
	return Logger.With().Uint64("fragment_id", fragID).Logger()
}

type ctxKey struct{}

// Into attaches lg to ctx, for handlers several layers below the gateway to
// retrieve without threading an explicit parameter.
func Into(ctx context.Context, lg zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, lg)
}

// From recovers the logger attached to ctx by Into, or the global Logger if
// none was attached.
func From(ctx context.Context) zerolog.Logger {
	if lg, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return lg
	}
	return Logger
}

// OpEvent is the single structured event RowOps logs on completion of a
// READ/INSERT/UPDATE/DELETE/REFRESH, per SPEC_FULL.md's ambient logging
// section.
type OpEvent struct {
	FragmentID   uint64
	Op           string
	OK           bool
	InstrCount   int
	Err          error
}

// LogOp emits ev at debug level on success, warn level on failure.
func LogOp(ctx context.Context, ev OpEvent) {
	lg := From(ctx)
	e := lg.Debug()
	if !ev.OK {
		e = lg.Warn()
	}
	e = e.Uint64("fragment_id", ev.FragmentID).
		Str("op", ev.Op).
		Bool("ok", ev.OK).
		Int("instr_count", ev.InstrCount)
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg("row_op")
}
