package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/types"
)

// heartbeatLoop upserts the heartbeat record every tick and refreshes the
// on-disk liveness files the recovery daemon probes.
func (r *Runner) heartbeatLoop() {
	ticker := time.NewTicker(r.cfg.HeartbeatDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.beat()
		case <-r.stopCh:
			return
		}
	}
}

// beat emits one heartbeat. Idempotent: repeating a beat with unchanged state
// leaves the same record.
func (r *Runner) beat() {
	status := types.WorkerIdle
	hb := &types.Heartbeat{
		WorkerID:  r.id,
		Timestamp: time.Now().UTC(),
	}
	if task := r.current; task != nil {
		status = types.WorkerBusy
		hb.TaskID = task.ID
		hb.TaskType = task.Type
		hb.ExpectedTimeout = task.ExpectedTimeout
		if hb.ExpectedTimeout <= 0 {
			hb.ExpectedTimeout = queue.TimeoutForType(task.Type)
		}
		if err := r.store.TouchTaskHeartbeat(task.ID); err != nil {
			r.logger.Error().Err(err).Msg("Failed to touch task heartbeat")
		}
	}
	hb.Status = status

	if err := r.store.UpsertHeartbeat(hb); err != nil {
		r.logger.Error().Err(err).Msg("Failed to upsert heartbeat")
		return
	}
	metrics.HeartbeatsTotal.Inc()

	if err := r.writeStateFiles(status); err != nil {
		r.logger.Error().Err(err).Msg("Failed to refresh worker state files")
	}
}

// stateFile is the on-disk worker state record under
// state/workers/<id>/state.json.
type stateFile struct {
	WorkerID  string             `json:"worker_id"`
	Status    types.WorkerStatus `json:"status"`
	TaskID    string             `json:"task_id,omitempty"`
	Shard     string             `json:"shard"`
	Lane      types.Lane         `json:"lane"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// writeStateFiles maintains the worker's liveness triple: pid file, state
// file and heartbeat touch file. Their mtimes are what the three-probe
// liveness check inspects.
func (r *Runner) writeStateFiles(status types.WorkerStatus) error {
	dir := filepath.Join(r.cfg.WorkersDir(), r.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create worker state directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "pid"),
		[]byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}

	sf := stateFile{
		WorkerID:  r.id,
		Status:    status,
		Shard:     r.shard,
		Lane:      r.lane,
		UpdatedAt: time.Now().UTC(),
	}
	if task := r.current; task != nil {
		sf.TaskID = task.ID
	}
	data, err := json.Marshal(sf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	now := time.Now()
	hbPath := filepath.Join(dir, "heartbeat")
	if err := os.WriteFile(hbPath, []byte(now.UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("failed to write heartbeat file: %w", err)
	}
	return nil
}
