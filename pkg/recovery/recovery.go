package recovery

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/taskfs"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/cuemby/foreman/pkg/worker"
)

// Daemon is the recovery loop: it scans for stale tasks, zombie tasks and
// crashed workers at a fixed cadence, and reconciles pending-sync markers.
type Daemon struct {
	store  store.Store
	fs     *taskfs.Layout
	cfg    *config.Config
	logger zerolog.Logger
	stopCh chan struct{}

	// now is swappable in tests.
	now func() time.Time
}

// NewDaemon creates a recovery daemon.
func NewDaemon(st store.Store, fs *taskfs.Layout, cfg *config.Config) *Daemon {
	return &Daemon{
		store:  st,
		fs:     fs,
		cfg:    cfg,
		logger: log.Component("recovery"),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins the recovery loop and the pending-sync watcher.
func (d *Daemon) Start() {
	go d.run()
	go d.watchPendingSync()
}

// Stop stops the daemon.
func (d *Daemon) Stop() {
	close(d.stopCh)
}

func (d *Daemon) run() {
	ticker := time.NewTicker(d.cfg.RecoveryIntervalDuration())
	defer ticker.Stop()

	d.logger.Info().Msg("Recovery daemon started")
	for {
		select {
		case <-ticker.C:
			d.Cycle()
		case <-d.stopCh:
			d.logger.Info().Msg("Recovery daemon stopped")
			return
		}
	}
}

// Cycle performs one recovery pass. Errors in one scan never stop the others.
func (d *Daemon) Cycle() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryCycleDuration)

	if err := d.scanStaleTasks(); err != nil {
		d.logger.Error().Err(err).Msg("Stale-task scan failed")
	}
	if err := d.scanZombieTasks(); err != nil {
		d.logger.Error().Err(err).Msg("Zombie-task scan failed")
	}
	if err := d.scanCrashedWorkers(); err != nil {
		d.logger.Error().Err(err).Msg("Crashed-worker scan failed")
	}
	if err := d.ReconcilePendingSync(); err != nil {
		d.logger.Error().Err(err).Msg("Pending-sync reconciliation failed")
	}
}

// scanStaleTasks requeues RUNNING tasks whose age exceeds the effective
// timeout and whose worker is no longer demonstrably live.
func (d *Daemon) scanStaleTasks() error {
	running, err := d.store.ListTasksByState(types.TaskStateRunning)
	if err != nil {
		return err
	}
	now := d.now()

	for _, task := range running {
		timeout := effectiveTimeout(task)
		age := now.Sub(taskReference(task))
		if age <= timeout {
			continue
		}

		// Cross-check worker liveness: a slow worker keeps its task.
		if d.workerStillLive(task.WorkerID, timeout) {
			d.logger.Debug().
				Str("task_id", task.ID).
				Dur("age", age).
				Msg("Task past timeout but worker live, leaving alone")
			continue
		}

		d.logger.Warn().
			Str("task_id", task.ID).
			Str("worker_id", task.WorkerID).
			Dur("age", age).
			Dur("timeout", timeout).
			Msg("Recovering stale task")
		d.requeue(task, "stale task", types.EventTaskRecovered, "stale")
	}
	return nil
}

// scanZombieTasks requeues RUNNING tasks whose worker stopped heartbeating
// for the extended zombie window.
func (d *Daemon) scanZombieTasks() error {
	running, err := d.store.ListTasksByState(types.TaskStateRunning)
	if err != nil {
		return err
	}
	cutoff := d.now().Add(-d.cfg.ZombieTimeout())

	for _, task := range running {
		if task.WorkerID == "" {
			continue
		}
		w, err := d.store.GetWorker(task.WorkerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				d.logger.Warn().Str("task_id", task.ID).Msg("Running task references unknown worker")
				d.requeue(task, "worker record missing", types.EventZombieRecovery, "zombie")
			}
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			d.logger.Warn().
				Str("task_id", task.ID).
				Str("worker_id", w.ID).
				Time("last_heartbeat", w.LastHeartbeat).
				Msg("Recovering zombie task")
			d.requeue(task, "worker heartbeat expired", types.EventZombieRecovery, "zombie")
		}
	}
	return nil
}

// scanCrashedWorkers marks workers dead whose heartbeat age exceeds the
// graced timeout, and requeues their RUNNING tasks.
func (d *Daemon) scanCrashedWorkers() error {
	workers, err := d.store.ListWorkers()
	if err != nil {
		return err
	}
	now := d.now()

	for _, w := range workers {
		if w.Status == types.WorkerDead || w.Status == types.WorkerStopping {
			continue
		}
		timeout := d.cfg.StaleHeartbeat()
		if hb, err := d.store.GetHeartbeat(w.ID); err == nil && hb.ExpectedTimeout > 0 {
			timeout = time.Duration(hb.ExpectedTimeout) * time.Second
		}
		graced := time.Duration(float64(timeout) * d.cfg.WorkerStaleGraceMultiplier)
		if now.Sub(w.LastHeartbeat) <= graced {
			continue
		}
		// The PID probe gets the final say before declaring a crash.
		if worker.PIDAlive(w.PID) && worker.ProbeLiveness(d.cfg.WorkersDir(), w.ID).Alive() {
			continue
		}

		d.logger.Warn().
			Str("worker_id", w.ID).
			Time("last_heartbeat", w.LastHeartbeat).
			Msg("Worker crash detected")
		if err := d.store.MarkWorkerDead(w.ID); err != nil {
			d.logger.Error().Err(err).Str("worker_id", w.ID).Msg("Failed to mark worker dead")
			continue
		}
		if err := d.store.InsertEvent(&types.Event{
			Type:  types.EventWorkerCrashDetected,
			Actor: "recovery",
			Payload: map[string]any{
				"worker_id": w.ID,
				"shard":     w.Shard,
			},
		}); err != nil {
			d.logger.Error().Err(err).Msg("Failed to record crash event")
		}
		metrics.RecoveriesTotal.WithLabelValues("crashed_worker").Inc()

		running, err := d.store.ListTasksByState(types.TaskStateRunning)
		if err != nil {
			continue
		}
		for _, task := range running {
			if task.WorkerID == w.ID {
				d.requeue(task, "worker crashed", types.EventTaskRecovered, "stale")
			}
		}
	}
	return nil
}

// requeue returns a task to the queue in one transaction, then moves the task
// file back and drops its lock. Filesystem failures never roll back the DB
// change; the pending-sync reconciler absorbs the drift.
func (d *Daemon) requeue(task *types.Task, reason string, eventType types.EventType, kind string) {
	if err := d.store.RequeueTask(task.ID, task.WorkerID, reason, eventType); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("Requeue failed")
		return
	}
	metrics.RecoveriesTotal.WithLabelValues(kind).Inc()

	if err := d.fs.Move(task.ID, taskfs.DirRunning, taskfs.DirQueue); err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Task file not moved back to queue")
	}
	if err := d.fs.ReleaseLock(task.ID); err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release task lock")
	}
}

// workerStillLive reports whether the task's worker is demonstrably alive:
// its PID answers or its DB heartbeat is within one effective timeout.
func (d *Daemon) workerStillLive(workerID string, timeout time.Duration) bool {
	if workerID == "" {
		return false
	}
	w, err := d.store.GetWorker(workerID)
	if err != nil {
		return false
	}
	if worker.PIDAlive(w.PID) {
		return true
	}
	return d.now().Sub(w.LastHeartbeat) < timeout
}

// taskReference is the freshest liveness signal on the task row. Using the
// max avoids flapping between the activity and start timestamps.
func taskReference(task *types.Task) time.Time {
	ref := task.StartedAt
	if task.HeartbeatAt.After(ref) {
		ref = task.HeartbeatAt
	}
	if task.LastActivityAt.After(ref) {
		ref = task.LastActivityAt
	}
	return ref
}

func effectiveTimeout(task *types.Task) time.Duration {
	if task.ExpectedTimeout > 0 {
		return time.Duration(task.ExpectedTimeout) * time.Second
	}
	return time.Duration(queue.TimeoutForType(task.Type)) * time.Second
}
