package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/approval"
	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/breaker"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/gates"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/phase"
	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/taskfs"
	"github.com/cuemby/foreman/pkg/types"
)

// claimInterval is the sleep between empty claim attempts.
const claimInterval = 3 * time.Second

// Runner is one worker process: it registers itself, loops
// claim-execute-heartbeat, and exits on the stop signal.
type Runner struct {
	id    string
	lane  types.Lane
	shard string

	store    store.Store
	claimer  *queue.Claimer
	chain    *breaker.Chain
	engine   *phase.Engine
	gates    *gates.Runner
	approver *approval.Approver
	fs       *taskfs.Layout
	exec     backend.Executor
	cfg      *config.Config
	logger   zerolog.Logger

	current *types.Task // task being executed, nil when idle
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config holds worker construction parameters.
type Config struct {
	ID       string
	Lane     types.Lane
	Shard    string
	Store    store.Store
	Claimer  *queue.Claimer
	Chain    *breaker.Chain
	Engine   *phase.Engine
	Gates    *gates.Runner
	Approver *approval.Approver
	TaskFS   *taskfs.Layout
	Executor backend.Executor
	Conf     *config.Config
}

// NewRunner creates a worker runner. The backend credential for the worker's
// lane must be present; a worker without credentials is useless and fails
// fast here rather than on its first claim.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("worker-%s-%d-%d", cfg.Lane, time.Now().Unix(), os.Getpid())
	}
	if err := backend.CheckCredential(backend.ForLane(cfg.Lane)); err != nil {
		return nil, err
	}
	return &Runner{
		id:       cfg.ID,
		lane:     cfg.Lane,
		shard:    cfg.Shard,
		store:    cfg.Store,
		claimer:  cfg.Claimer,
		chain:    cfg.Chain,
		engine:   cfg.Engine,
		gates:    cfg.Gates,
		approver: cfg.Approver,
		fs:       cfg.TaskFS,
		exec:     cfg.Executor,
		cfg:      cfg.Conf,
		logger:   log.Component("worker", log.Worker(cfg.ID), log.Shard(cfg.Shard)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// ID returns the worker identity.
func (r *Runner) ID() string { return r.id }

// Start registers the worker and launches the claim and heartbeat loops.
func (r *Runner) Start() error {
	if err := r.register(); err != nil {
		return err
	}
	go r.heartbeatLoop()
	go r.run()
	return nil
}

// Stop signals a graceful shutdown and waits for the loop to finish the task
// in flight, up to the pool shutdown timeout.
func (r *Runner) Stop() {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(r.cfg.ShutdownTimeout()):
		r.logger.Warn().Msg("Shutdown timeout reached with task still in flight")
	}
}

func (r *Runner) register() error {
	w := &types.Worker{
		ID:             r.id,
		PID:            os.Getpid(),
		Status:         types.WorkerStarting,
		Specialization: r.lane,
		Shard:          r.shard,
		Model:          string(backend.ForLane(r.lane)),
		StartedAt:      time.Now().UTC(),
		LastHeartbeat:  time.Now().UTC(),
	}
	if err := r.store.UpsertWorker(w); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	if err := r.writeStateFiles(types.WorkerStarting); err != nil {
		return err
	}
	if err := r.store.InsertEvent(&types.Event{
		Type:  types.EventWorkerRegistered,
		Actor: r.id,
		Payload: map[string]any{
			"specialization": string(r.lane),
			"shard":          r.shard,
		},
	}); err != nil {
		r.logger.Error().Err(err).Msg("Failed to record registration event")
	}
	r.logger.Info().Str("shard", r.shard).Str("lane", string(r.lane)).Msg("Worker registered")
	return nil
}

// run is the claim-execute loop.
func (r *Runner) run() {
	defer close(r.doneCh)
	defer r.shutdown()

	if err := r.store.SetWorkerStatus(r.id, types.WorkerIdle); err != nil {
		r.logger.Error().Err(err).Msg("Failed to set worker idle")
	}

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		task, err := r.claimer.Claim(r.id, store.ClaimFilter{Shard: r.shard})
		if err != nil {
			if !errors.Is(err, queue.ErrNoTask) {
				r.logger.Error().Err(err).Msg("Claim attempt failed")
			}
			select {
			case <-r.stopCh:
				return
			case <-time.After(claimInterval):
			}
			continue
		}

		r.current = task
		if err := r.store.SetWorkerStatus(r.id, types.WorkerBusy); err != nil {
			r.logger.Error().Err(err).Msg("Failed to set worker busy")
		}

		if err := r.execute(task); err != nil {
			r.logger.Error().Err(err).Str("task_id", task.ID).Msg("Task execution ended with error")
		}

		r.current = nil
		if err := r.store.SetWorkerStatus(r.id, types.WorkerIdle); err != nil {
			r.logger.Error().Err(err).Msg("Failed to set worker idle")
		}
	}
}

// execute drives one claimed task through the lifecycle until approval,
// rejection or failure.
func (r *Runner) execute(task *types.Task) error {
	logger := log.Component("worker", log.Worker(r.id), log.Task(task.ID), log.Trace(task.TraceID))
	logger.Info().Str("phase", string(task.Phase)).Msg("Executing task")

	if err := r.fs.Move(task.ID, taskfs.DirQueue, taskfs.DirRunning); err != nil {
		logger.Warn().Err(err).Msg("Task file not moved to running")
	}
	if err := r.fs.AcquireLock(task.ID); err != nil {
		logger.Warn().Err(err).Msg("Task lock already present")
	}

	ctx, cancel := r.taskContext(task)
	defer cancel()

	workspace := filepath.Join(r.cfg.WorkspacesDir(), task.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	family := backend.ForLane(task.Lane)
	var tests *phase.TestResult

	// Document phases: run the backend, register what it produced, advance.
	for task.Phase.Rank() >= 0 && task.Phase.Rank() < types.PhaseExecute.Rank() {
		result, err := r.chain.Execute(ctx, family, task, task.Phase, r.exec)
		if err != nil {
			return r.failTask(task, err)
		}
		if err := r.registerArtifacts(task, result, workspace); err != nil {
			logger.Error().Err(err).Msg("Artifact registration failed")
		}
		r.touchActivity(task)
		if err := r.engine.Advance(task, nil, nil); err != nil {
			return r.rejectOnGate(task, err)
		}
	}

	// EXECUTE: backend produces code and a test result, then the quality
	// gates decide.
	if task.Phase == types.PhaseExecute {
		result, err := r.chain.Execute(ctx, family, task, task.Phase, r.exec)
		if err != nil {
			return r.failTask(task, err)
		}
		if err := r.registerArtifacts(task, result, workspace); err != nil {
			logger.Error().Err(err).Msg("Artifact registration failed")
		}
		r.touchActivity(task)
		tests = &phase.TestResult{Passed: result.TestsPassed, Coverage: result.Coverage}

		resultsDir := filepath.Join(workspace, "gate-results")
		gateResults, err := r.gates.RunAll(workspace, resultsDir)
		if err != nil {
			return fmt.Errorf("gate run failed: %w", err)
		}

		// The phase gate (tests pass, coverage at threshold) folds into the
		// approval decision so a refusal shares the rejection retry path and
		// the task stays in EXECUTE for the next attempt.
		if verr := r.engine.ValidateGate(task, tests, nil); verr != nil {
			var ge *phase.GateError
			if !errors.As(verr, &ge) {
				return verr
			}
			gateResults = append(gateResults, &gates.Result{
				Gate:      gates.GateTests,
				Passed:    false,
				Reason:    strings.Join(ge.Reasons, "; "),
				Timestamp: time.Now().UTC(),
			})
		}

		decision, err := r.approver.Decide(task, gateResults)
		if err != nil {
			return err
		}
		if decision != approval.DecisionApproved {
			logger.Info().Str("decision", string(decision)).Msg("Task not approved")
			return nil
		}

		if err := r.engine.Advance(task, tests, nil); err != nil {
			return err
		}
	}

	// TRACK: record progress and close out.
	track := &phase.TrackReport{
		Progress: fmt.Sprintf("completed %s through %s", task.Type, types.PhaseExecute),
		Metrics:  map[string]float64{"retries": float64(task.RetryCount)},
	}
	if tests != nil {
		track.Metrics["coverage"] = tests.Coverage
	}
	if err := r.engine.Advance(task, nil, track); err != nil {
		return r.rejectOnGate(task, err)
	}

	if err := r.store.Transition(task.ID, types.TaskStateComplete, "lifecycle complete", r.id); err != nil {
		return err
	}
	if err := r.fs.Move(task.ID, taskfs.DirApproved, taskfs.DirCompleted); err != nil {
		logger.Warn().Err(err).Msg("Task file not moved to completed")
	}
	logger.Info().Msg("Task complete")
	return nil
}

// taskContext derives the execution context from the task's expected timeout.
func (r *Runner) taskContext(task *types.Task) (context.Context, context.CancelFunc) {
	timeout := task.ExpectedTimeout
	if timeout <= 0 {
		timeout = queue.TimeoutForType(task.Type)
	}
	return context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
}

// registerArtifacts records every file the backend reported, typed by
// extension.
func (r *Runner) registerArtifacts(task *types.Task, result *backend.Result, workspace string) error {
	for _, rel := range result.Artifacts {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, rel)
		}
		if err := r.engine.RegisterArtifact(task.ID, task.Phase, path, artifactType(path)); err != nil {
			return err
		}
	}
	return nil
}

func artifactType(path string) types.ArtifactType {
	if filepath.Base(path) == "test-results.json" {
		return types.ArtifactTest
	}
	switch filepath.Ext(path) {
	case ".md", ".txt":
		return types.ArtifactDocument
	case ".go", ".py", ".ts", ".js", ".rs":
		return types.ArtifactCode
	case ".yml", ".yaml", ".toml", ".json":
		return types.ArtifactConfig
	default:
		return types.ArtifactOther
	}
}

// rejectOnGate handles a refused phase transition: the task goes back to the
// queue with its retry accounted, or fails permanently at the limit.
func (r *Runner) rejectOnGate(task *types.Task, gateErr error) error {
	var ge *phase.GateError
	if !errors.As(gateErr, &ge) {
		return gateErr
	}
	retries, err := r.store.BumpRetry(task.ID)
	if err != nil {
		return err
	}
	if retries >= r.cfg.MaxRetries {
		return r.failTask(task, gateErr)
	}
	if err := r.store.Transition(task.ID, types.TaskStateQueued,
		fmt.Sprintf("phase gate refused: %v", ge.Reasons), r.id); err != nil {
		return err
	}
	if err := r.fs.Move(task.ID, taskfs.DirRunning, taskfs.DirQueue); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Task file not moved back to queue")
	}
	if err := r.fs.ReleaseLock(task.ID); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release task lock")
	}
	return nil
}

// failTask moves a task to FAILED terminally.
func (r *Runner) failTask(task *types.Task, cause error) error {
	if err := r.store.Transition(task.ID, types.TaskStateFailed, cause.Error(), r.id); err != nil {
		return fmt.Errorf("failed to fail task %s (cause %v): %w", task.ID, cause, err)
	}
	if err := r.fs.Move(task.ID, taskfs.DirRunning, taskfs.DirFailed); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Task file not moved to failed")
	}
	if err := r.fs.ReleaseLock(task.ID); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release task lock")
	}
	return cause
}

func (r *Runner) touchActivity(task *types.Task) {
	if err := r.store.TouchTaskActivity(task.ID); err != nil {
		r.logger.Error().Err(err).Msg("Failed to touch task activity")
	}
	if err := r.store.TouchWorkerActivity(r.id); err != nil {
		r.logger.Error().Err(err).Msg("Failed to touch worker activity")
	}
}

// shutdown marks the worker record dead on clean exit so the supervisor can
// tell a finished worker from a vanished one.
func (r *Runner) shutdown() {
	if err := r.store.SetWorkerStatus(r.id, types.WorkerDead); err != nil {
		r.logger.Error().Err(err).Msg("Failed to mark worker dead on shutdown")
	}
	r.logger.Info().Msg("Worker stopped")
}
