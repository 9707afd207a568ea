// Package log provides structured logging for Foreman built on zerolog.
//
// Components obtain child loggers via Component, composing correlation
// fields (worker, task, shard, trace, backend family) so every line can be
// matched against the event log without grepping free text.
package log
