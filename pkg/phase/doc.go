// Package phase implements the SDLC lifecycle state machine. Phases advance
// by exactly one step (BRAINSTORM through COMPLETE) and only through a gate:
// registered artifacts must exist, be non-empty and satisfy the per-phase
// content check, EXECUTE requires a passing test result at or above the
// coverage threshold, and TRACK requires recorded progress with at least one
// metric. Gate refusals carry structured reasons for the rejection feedback
// generator.
package phase
