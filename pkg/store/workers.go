package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/foreman/pkg/types"
)

// UpsertWorker registers a worker or refreshes its record. Idempotent.
func (s *SQLiteStore) UpsertWorker(w *types.Worker) error {
	now := time.Now().UTC()
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = now
	}
	_, err := s.db.Exec(`
		INSERT INTO workers (id, pid, status, specialization, shard, model, crash_count, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			status = excluded.status,
			specialization = excluded.specialization,
			shard = excluded.shard,
			model = excluded.model,
			last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.PID, string(w.Status), string(w.Specialization), w.Shard, w.Model,
		w.CrashCount, w.StartedAt, w.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", w.ID, err)
	}
	return nil
}

// GetWorker fetches a worker by ID.
func (s *SQLiteStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	if err := s.db.Get(&w, `SELECT * FROM workers WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get worker %s: %w", id, err)
	}
	return &w, nil
}

// ListWorkers returns all registered workers.
func (s *SQLiteStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	if err := s.db.Select(&workers, `SELECT * FROM workers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

// ListWorkersByShard returns workers assigned to the given shard.
func (s *SQLiteStore) ListWorkersByShard(shard string) ([]*types.Worker, error) {
	var workers []*types.Worker
	if err := s.db.Select(&workers, `SELECT * FROM workers WHERE shard = ? ORDER BY id`, shard); err != nil {
		return nil, fmt.Errorf("failed to list workers for %s: %w", shard, err)
	}
	return workers, nil
}

// SetWorkerStatus updates the worker lifecycle status.
func (s *SQLiteStore) SetWorkerStatus(id string, status types.WorkerStatus) error {
	_, err := s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set worker %s status: %w", id, err)
	}
	return nil
}

// MarkWorkerDead marks a worker dead and bumps its crash count.
func (s *SQLiteStore) MarkWorkerDead(id string) error {
	_, err := s.db.Exec(`
		UPDATE workers SET status = 'dead', crash_count = crash_count + 1, last_heartbeat = ?
		 WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark worker %s dead: %w", id, err)
	}
	return nil
}

// UpsertHeartbeat records a worker heartbeat and refreshes the worker's
// last_heartbeat in the same transaction. Idempotent per tick.
func (s *SQLiteStore) UpsertHeartbeat(hb *types.Heartbeat) error {
	now := time.Now().UTC()
	if hb.Timestamp.IsZero() {
		hb.Timestamp = now
	}
	if hb.LastActivityAt.IsZero() {
		hb.LastActivityAt = now
	}
	hb.UpdatedAt = now
	return s.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO heartbeats (worker_id, timestamp, status, task_id, task_type,
			                        progress_percent, expected_timeout, last_activity_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET
				timestamp = excluded.timestamp,
				status = excluded.status,
				task_id = excluded.task_id,
				task_type = excluded.task_type,
				progress_percent = excluded.progress_percent,
				expected_timeout = excluded.expected_timeout,
				last_activity_at = excluded.last_activity_at,
				updated_at = excluded.updated_at`,
			hb.WorkerID, hb.Timestamp, string(hb.Status), hb.TaskID, hb.TaskType,
			hb.ProgressPercent, hb.ExpectedTimeout, hb.LastActivityAt, hb.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert heartbeat for %s: %w", hb.WorkerID, err)
		}
		if _, err := tx.Exec(`
			UPDATE workers SET status = ?, last_heartbeat = ? WHERE id = ?`,
			string(hb.Status), hb.Timestamp, hb.WorkerID); err != nil {
			return fmt.Errorf("failed to refresh worker heartbeat: %w", err)
		}
		return nil
	})
}

// TouchWorkerActivity bumps the heartbeat's last_activity_at without a new
// progress report. Distinguishes live-but-slow from hung.
func (s *SQLiteStore) TouchWorkerActivity(workerID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE heartbeats SET last_activity_at = ?, updated_at = ? WHERE worker_id = ?`,
		now, now, workerID)
	return err
}

// GetHeartbeat fetches the current heartbeat record for a worker.
func (s *SQLiteStore) GetHeartbeat(workerID string) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	if err := s.db.Get(&hb, `SELECT * FROM heartbeats WHERE worker_id = ?`, workerID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get heartbeat for %s: %w", workerID, err)
	}
	return &hb, nil
}
