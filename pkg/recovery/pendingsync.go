package recovery

import (
	"errors"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// ReconcilePendingSync replays pending-sync markers against the database and
// clears those that apply. A marker whose transition is already reflected in
// the DB (the retry finally landed, or another path applied it) is cleared
// too.
func (d *Daemon) ReconcilePendingSync() error {
	markers, err := d.fs.ListPendingSync()
	if err != nil {
		return err
	}
	for _, ps := range markers {
		if err := d.applyMarker(ps); err != nil {
			d.logger.Warn().Err(err).Str("task_id", ps.TaskID).Msg("Pending-sync marker not yet reconcilable")
			continue
		}
		if err := d.fs.ClearPendingSync(ps.TaskID); err != nil {
			d.logger.Error().Err(err).Str("task_id", ps.TaskID).Msg("Failed to clear pending-sync marker")
			continue
		}
		metrics.RecoveriesTotal.WithLabelValues("pending_sync").Inc()
		if err := d.store.InsertEvent(&types.Event{
			Type:    types.EventPendingSyncReconcile,
			TaskID:  ps.TaskID,
			Actor:   "recovery",
			TraceID: ps.TraceID,
			Payload: map[string]any{
				"state":  string(ps.State),
				"reason": ps.Reason,
			},
		}); err != nil {
			d.logger.Error().Err(err).Msg("Failed to record reconciliation event")
		}
		d.logger.Info().
			Str("task_id", ps.TaskID).
			Str("state", string(ps.State)).
			Msg("Pending-sync marker reconciled")
	}
	return nil
}

func (d *Daemon) applyMarker(ps *types.PendingSync) error {
	task, err := d.store.GetTask(ps.TaskID)
	if err != nil {
		return err
	}
	if task.State == ps.State {
		return nil
	}
	err = d.store.Transition(ps.TaskID, ps.State, ps.Reason, ps.Actor)
	if errors.Is(err, store.ErrInvalidTransition) && task.State.Terminal() {
		// The task moved on; the marker is moot.
		return nil
	}
	return err
}

// watchPendingSync reacts to new markers as they land instead of waiting out
// the cycle. The periodic sweep in Cycle remains the fallback when the
// watcher cannot start.
func (d *Daemon) watchPendingSync() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Pending-sync watcher unavailable, periodic sweep only")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(d.fs.PendingDir()); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to watch pending-sync directory")
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) && strings.HasSuffix(ev.Name, ".pending") {
				if err := d.ReconcilePendingSync(); err != nil {
					d.logger.Error().Err(err).Msg("Pending-sync reconciliation failed")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn().Err(err).Msg("Pending-sync watcher error")
		case <-d.stopCh:
			return
		}
	}
}
