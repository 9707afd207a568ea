package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// base is the process-wide root logger. Packages derive component loggers
// from it via Component; the zero value is a no-op until Setup runs, which
// keeps library code silent under test.
var base zerolog.Logger

// Setup configures the root logger for this process. level is a zerolog level
// name such as debug, info, warn or error (an empty or unrecognized value
// falls back to info); json selects
// line-JSON output over the console writer; a nil writer means stdout.
func Setup(level string, json bool, w io.Writer) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if w == nil {
		w = os.Stdout
	}
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(w).With().Timestamp().Logger()
}

// Field attaches one correlation field to a component logger. Fields compose:
// a worker's logger carries its worker ID and shard for every line it emits,
// and task-scoped loggers add the task and trace IDs on top.
type Field func(zerolog.Context) zerolog.Context

// Worker tags lines with the emitting worker.
func Worker(id string) Field {
	return func(c zerolog.Context) zerolog.Context { return c.Str("worker_id", id) }
}

// Task tags lines with the task being operated on.
func Task(id string) Field {
	return func(c zerolog.Context) zerolog.Context { return c.Str("task_id", id) }
}

// Shard tags lines with a shard component name.
func Shard(name string) Field {
	return func(c zerolog.Context) zerolog.Context { return c.Str("shard", name) }
}

// Trace tags lines with the trace ID of a logical operation so log output
// correlates with the event log.
func Trace(id string) Field {
	return func(c zerolog.Context) zerolog.Context { return c.Str("trace_id", id) }
}

// Backend tags lines with a backend model family.
func Backend(family string) Field {
	return func(c zerolog.Context) zerolog.Context { return c.Str("family", family) }
}

// Component derives the logger for one component, applying whatever
// correlation fields the component carries for its lifetime.
func Component(name string, fields ...Field) zerolog.Logger {
	ctx := base.With().Str("component", name)
	for _, f := range fields {
		ctx = f(ctx)
	}
	return ctx.Logger()
}

// Errorf logs an error against the root logger, for call sites with no
// component logger in scope.
func Errorf(msg string, err error) {
	base.Error().Err(err).Msg(msg)
}
