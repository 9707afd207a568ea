package approval

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/eventstore"
	"github.com/cuemby/foreman/pkg/gates"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/taskfs"
	"github.com/cuemby/foreman/pkg/types"
)

// Decision is the outcome of an approval pass.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionFailed   Decision = "failed"
)

// Approver turns gate results into task state transitions, ledger entries and
// rejection feedback.
type Approver struct {
	store  store.Store
	events *eventstore.Store
	fs     *taskfs.Layout
	cfg    *config.Config
	ledger *Ledger
	logger zerolog.Logger
}

// New creates an approver.
func New(st store.Store, es *eventstore.Store, fs *taskfs.Layout, cfg *config.Config) *Approver {
	return &Approver{
		store:  st,
		events: es,
		fs:     fs,
		cfg:    cfg,
		ledger: NewLedger(cfg.LedgerPath()),
		logger: log.Component("approval"),
	}
}

// Decide applies the all-gates-pass rule: approve on success, otherwise
// reject with structured feedback or fail permanently at the retry limit.
func (a *Approver) Decide(task *types.Task, results []*gates.Result) (Decision, error) {
	var failed []*gates.Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return DecisionApproved, a.approve(task, results)
	}
	return a.reject(task, failed)
}

// approve moves the task to APPROVED. Filesystem state changes first; a DB
// failure afterwards leaves a pending-sync marker for the reconciler instead
// of rolling back the move.
func (a *Approver) approve(task *types.Task, results []*gates.Result) error {
	if err := a.fs.Move(task.ID, taskfs.DirRunning, taskfs.DirApproved); err != nil {
		return fmt.Errorf("failed to move task file for approval: %w", err)
	}
	if err := a.fs.ReleaseLock(task.ID); err != nil {
		a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release task lock")
	}

	if err := a.store.Transition(task.ID, types.TaskStateApproved, "all gates passed", task.WorkerID); err != nil {
		if perr := a.fs.WritePendingSync(&types.PendingSync{
			TaskID:  task.ID,
			State:   types.TaskStateApproved,
			Reason:  "all gates passed",
			Actor:   task.WorkerID,
			TraceID: task.TraceID,
		}); perr != nil {
			a.logger.Error().Err(perr).Str("task_id", task.ID).Msg("Failed to write pending-sync marker")
		}
		return fmt.Errorf("approval recorded on filesystem, DB deferred: %w", err)
	}

	a.appendEvent(types.EventTaskApproved, task, map[string]any{"gates": len(results)})
	a.appendLedger(LedgerEntry{
		Op:      "TASK_APPROVED",
		TaskID:  task.ID,
		Actor:   task.WorkerID,
		TraceID: task.TraceID,
	})
	metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
	a.logger.Info().Str("task_id", task.ID).Msg("Task approved")
	return nil
}

// reject increments retry accounting and either requeues with feedback or,
// at the retry limit, fails the task permanently.
func (a *Approver) reject(task *types.Task, failed []*gates.Result) (Decision, error) {
	retries, err := a.store.BumpRetry(task.ID)
	if err != nil {
		return "", fmt.Errorf("failed to bump retry count: %w", err)
	}

	fb := a.GenerateFeedback(task, failed, retries)
	if err := a.DeliverFeedback(fb); err != nil {
		a.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to deliver rejection feedback")
	}

	if retries >= a.cfg.MaxRetries {
		// Permanent failure.
		if err := a.fs.Move(task.ID, taskfs.DirRunning, taskfs.DirFailed); err != nil {
			a.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to move task file to failed")
		}
		if err := a.fs.ReleaseLock(task.ID); err != nil {
			a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release task lock")
		}
		if err := a.store.Transition(task.ID, types.TaskStateFailed,
			fmt.Sprintf("max retries (%d) exceeded", a.cfg.MaxRetries), task.WorkerID); err != nil {
			if perr := a.fs.WritePendingSync(&types.PendingSync{
				TaskID:  task.ID,
				State:   types.TaskStateFailed,
				Reason:  "max retries exceeded",
				Actor:   task.WorkerID,
				TraceID: task.TraceID,
			}); perr != nil {
				a.logger.Error().Err(perr).Str("task_id", task.ID).Msg("Failed to write pending-sync marker")
			}
			return DecisionFailed, err
		}
		a.appendEvent(types.EventTaskFailed, task, map[string]any{
			"permanent": true,
			"retries":   retries,
		})
		a.appendLedger(LedgerEntry{
			Op:      "TASK_FAILED",
			TaskID:  task.ID,
			Actor:   task.WorkerID,
			TraceID: task.TraceID,
			Detail:  fmt.Sprintf("permanent after %d retries", retries),
		})
		metrics.ApprovalsTotal.WithLabelValues("failed").Inc()
		a.logger.Warn().Str("task_id", task.ID).Int("retries", retries).Msg("Task failed permanently")
		return DecisionFailed, nil
	}

	// Retryable rejection: back to the queue.
	if err := a.fs.Move(task.ID, taskfs.DirRunning, taskfs.DirQueue); err != nil {
		a.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to move task file back to queue")
	}
	if err := a.fs.ReleaseLock(task.ID); err != nil {
		a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release task lock")
	}

	names := gateNames(failed)
	if err := a.store.Transition(task.ID, types.TaskStateRejected,
		fmt.Sprintf("gates failed: %v", names), task.WorkerID); err != nil {
		return "", err
	}
	if err := a.store.Transition(task.ID, types.TaskStateQueued, "requeued after rejection", "approval"); err != nil {
		if perr := a.fs.WritePendingSync(&types.PendingSync{
			TaskID:  task.ID,
			State:   types.TaskStateQueued,
			Reason:  "requeued after rejection",
			Actor:   "approval",
			TraceID: task.TraceID,
		}); perr != nil {
			a.logger.Error().Err(perr).Str("task_id", task.ID).Msg("Failed to write pending-sync marker")
		}
		return DecisionRejected, err
	}

	a.appendEvent(types.EventTaskRejected, task, map[string]any{
		"gates":   names,
		"retries": retries,
	})
	a.appendLedger(LedgerEntry{
		Op:      "TASK_REJECTED",
		TaskID:  task.ID,
		Actor:   task.WorkerID,
		TraceID: task.TraceID,
		Detail:  fmt.Sprintf("gates %v, retry %d/%d", names, retries, a.cfg.MaxRetries),
	})
	metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()
	a.logger.Info().
		Str("task_id", task.ID).
		Strs("gates", names).
		Int("retries", retries).
		Msg("Task rejected and requeued")
	return DecisionRejected, nil
}

func (a *Approver) appendLedger(e LedgerEntry) {
	if err := a.ledger.Append(e); err != nil {
		a.logger.Error().Err(err).Str("op", e.Op).Msg("Failed to append ledger entry")
	}
}

func (a *Approver) appendEvent(t types.EventType, task *types.Task, payload map[string]any) {
	if a.events == nil {
		return
	}
	if _, err := a.events.Append(&types.Event{
		Type:    t,
		TaskID:  task.ID,
		Actor:   task.WorkerID,
		TraceID: task.TraceID,
		Payload: payload,
	}); err != nil {
		a.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to append event")
	}
}

func gateNames(results []*gates.Result) []string {
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Gate)
	}
	return names
}
