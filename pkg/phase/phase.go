package phase

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// GateError carries the reasons a phase gate refused a transition. The
// rejection feedback generator surfaces them to the submitter.
type GateError struct {
	Phase   types.Phase
	Reasons []string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("phase %s gate refused: %s", e.Phase, strings.Join(e.Reasons, "; "))
}

// TestResult is the outcome the EXECUTE gate validates.
type TestResult struct {
	Passed   bool    `json:"passed"`
	Coverage float64 `json:"coverage"`
}

// TrackReport is what the TRACK gate validates: recorded progress plus at
// least one metric.
type TrackReport struct {
	Progress string             `json:"progress"`
	Metrics  map[string]float64 `json:"metrics"`
}

// Engine drives tasks through the SDLC phases, validating artifact gates at
// every transition attempt.
type Engine struct {
	store  store.Store
	cfg    *config.Config
	logger zerolog.Logger
}

// NewEngine creates a phase engine.
func NewEngine(st store.Store, cfg *config.Config) *Engine {
	return &Engine{
		store:  st,
		cfg:    cfg,
		logger: log.Component("phase"),
	}
}

// Advance validates the gate for the task's current phase and, on success,
// moves the task forward by exactly one phase. Results for EXECUTE and TRACK
// are supplied by the caller; earlier phases are artifact-only.
func (e *Engine) Advance(task *types.Task, tests *TestResult, track *TrackReport) error {
	if err := e.ValidateGate(task, tests, track); err != nil {
		return err
	}
	next := task.Phase.Next()
	if next == "" {
		return fmt.Errorf("phase %s has no successor for task %s", task.Phase, task.ID)
	}
	if err := e.store.SetTaskPhase(task.ID, next, task.WorkerID); err != nil {
		return err
	}
	metrics.PhaseTransitionsTotal.WithLabelValues(string(next)).Inc()
	e.logger.Info().
		Str("task_id", task.ID).
		Str("from", string(task.Phase)).
		Str("to", string(next)).
		Msg("Phase advanced")
	task.Phase = next
	return nil
}

// Block moves the task to BLOCKED with a reason.
func (e *Engine) Block(task *types.Task, reason string) error {
	if err := e.store.SetTaskPhase(task.ID, types.PhaseBlocked, task.WorkerID); err != nil {
		return err
	}
	e.logger.Warn().Str("task_id", task.ID).Str("reason", reason).Msg("Task blocked")
	task.Phase = types.PhaseBlocked
	return nil
}

// ValidateGate runs the gate for the task's current phase: every registered
// artifact must exist and be non-empty, the phase-specific content check must
// pass, and verification timestamps are refreshed on success.
func (e *Engine) ValidateGate(task *types.Task, tests *TestResult, track *TrackReport) error {
	var reasons []string

	artifacts, err := e.store.ListArtifacts(task.ID, task.Phase)
	if err != nil {
		return err
	}
	reasons = append(reasons, verifyArtifacts(artifacts)...)

	switch task.Phase {
	case types.PhaseBrainstorm, types.PhaseDocument, types.PhasePlan:
		reasons = append(reasons, checkDocuments(task.Phase, artifacts)...)
	case types.PhaseExecute:
		reasons = append(reasons, e.checkExecute(tests)...)
	case types.PhaseTrack:
		reasons = append(reasons, checkTrack(track)...)
	}

	if len(reasons) > 0 {
		e.logger.Warn().
			Str("task_id", task.ID).
			Str("phase", string(task.Phase)).
			Strs("reasons", reasons).
			Msg("Gate validation failed")
		return &GateError{Phase: task.Phase, Reasons: reasons}
	}

	// All checks passed: refresh verification timestamps.
	for _, a := range artifacts {
		if err := e.RegisterArtifact(task.ID, a.Phase, a.Path, a.Type); err != nil {
			e.logger.Error().Err(err).Str("path", a.Path).Msg("Failed to refresh artifact verification")
		}
	}
	return nil
}

// checkExecute validates the test result against the coverage threshold. The
// configured threshold is already floor-enforced at load.
func (e *Engine) checkExecute(tests *TestResult) []string {
	var reasons []string
	if tests == nil {
		return []string{"no test result recorded for EXECUTE"}
	}
	if !tests.Passed {
		reasons = append(reasons, "tests failed")
	}
	if tests.Coverage < float64(e.cfg.CoverageThreshold) {
		reasons = append(reasons, fmt.Sprintf("coverage %.1f%% below threshold %d%%",
			tests.Coverage, e.cfg.CoverageThreshold))
	}
	return reasons
}

func checkTrack(track *TrackReport) []string {
	var reasons []string
	if track == nil {
		return []string{"no progress recorded for TRACK"}
	}
	if strings.TrimSpace(track.Progress) == "" {
		reasons = append(reasons, "progress report is empty")
	}
	if len(track.Metrics) == 0 {
		reasons = append(reasons, "no metrics recorded")
	}
	return reasons
}
