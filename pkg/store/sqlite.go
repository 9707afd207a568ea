package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cuemby/foreman/pkg/types"
)

// SQLiteStore implements Store backed by a single embedded database with WAL
// journaling. All writers take IMMEDIATE transactions; cross-process
// contention is absorbed by the 5s busy timeout.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (or creates) the state database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// A single connection serializes in-process writers; the busy timeout
	// covers other processes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// taskRow mirrors the tasks table with nullable columns.
type taskRow struct {
	ID              string         `db:"id"`
	Type            string         `db:"type"`
	Priority        int            `db:"priority"`
	State           string         `db:"state"`
	Phase           string         `db:"phase"`
	Lane            string         `db:"lane"`
	Shard           sql.NullString `db:"shard"`
	ShardHashVer    int            `db:"shard_hash_ver"`
	AssignedModel   string         `db:"assigned_model"`
	WorkerID        sql.NullString `db:"worker_id"`
	Submitter       string         `db:"submitter"`
	RetryCount      int            `db:"retry_count"`
	ExpectedTimeout int            `db:"expected_timeout"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	HeartbeatAt     sql.NullTime   `db:"heartbeat_at"`
	LastActivityAt  sql.NullTime   `db:"last_activity_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	Metadata        string         `db:"metadata"`
	TraceID         string         `db:"trace_id"`
}

func (r *taskRow) toTask() (*types.Task, error) {
	t := &types.Task{
		ID:              r.ID,
		Type:            r.Type,
		Priority:        types.Priority(r.Priority),
		State:           types.TaskState(r.State),
		Phase:           types.Phase(r.Phase),
		Lane:            types.Lane(r.Lane),
		Shard:           r.Shard.String,
		ShardHashVer:    r.ShardHashVer,
		AssignedModel:   r.AssignedModel,
		WorkerID:        r.WorkerID.String,
		RetryCount:      r.RetryCount,
		ExpectedTimeout: r.ExpectedTimeout,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		TraceID:         r.TraceID,
	}
	if r.StartedAt.Valid {
		t.StartedAt = r.StartedAt.Time
	}
	if r.HeartbeatAt.Valid {
		t.HeartbeatAt = r.HeartbeatAt.Time
	}
	if r.LastActivityAt.Valid {
		t.LastActivityAt = r.LastActivityAt.Time
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt task metadata for %s: %w", r.ID, err)
		}
	}
	return t, nil
}

// CreateTask inserts a newly submitted task.
func (s *SQLiteStore) CreateTask(t *types.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.State == "" {
		t.State = types.TaskStateQueued
	}
	if t.Phase == "" {
		t.Phase = types.PhaseBrainstorm
	}
	if t.ShardHashVer == 0 {
		t.ShardHashVer = 1
	}
	meta := "{}"
	if len(t.Metadata) > 0 {
		data, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal task metadata: %w", err)
		}
		meta = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, type, priority, state, phase, lane, shard, shard_hash_ver,
		                   assigned_model, submitter, retry_count, expected_timeout,
		                   created_at, updated_at, metadata, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, int(t.Priority), string(t.State), string(t.Phase), string(t.Lane),
		t.Shard, t.ShardHashVer, t.AssignedModel, t.Submitter(), t.RetryCount,
		t.ExpectedTimeout, t.CreatedAt, t.UpdatedAt, meta, t.TraceID)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *SQLiteStore) GetTask(id string) (*types.Task, error) {
	var row taskRow
	if err := s.db.Get(&row, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return row.toTask()
}

// ListTasksByState returns all tasks in the given state.
func (s *SQLiteStore) ListTasksByState(state types.TaskState) ([]*types.Task, error) {
	var rows []taskRow
	err := s.db.Select(&rows, `SELECT * FROM tasks WHERE state = ? ORDER BY priority, created_at`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by state: %w", err)
	}
	return rowsToTasks(rows)
}

// ListQueuedByShard returns QUEUED tasks assigned to a shard, claim-ordered.
func (s *SQLiteStore) ListQueuedByShard(shard string) ([]*types.Task, error) {
	var rows []taskRow
	err := s.db.Select(&rows, `
		SELECT * FROM tasks WHERE state = 'QUEUED' AND shard = ?
		ORDER BY priority, created_at`, shard)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued tasks for %s: %w", shard, err)
	}
	return rowsToTasks(rows)
}

// CountByStateAndShard returns task counts grouped by state and shard.
func (s *SQLiteStore) CountByStateAndShard() (map[types.TaskState]map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT state, COALESCE(shard, ''), COUNT(*) FROM tasks GROUP BY state, shard`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[types.TaskState]map[string]int)
	for rows.Next() {
		var state, shard string
		var n int
		if err := rows.Scan(&state, &shard, &n); err != nil {
			return nil, err
		}
		m := out[types.TaskState(state)]
		if m == nil {
			m = make(map[string]int)
			out[types.TaskState(state)] = m
		}
		m[shard] = n
	}
	return out, rows.Err()
}

// SelectCandidates returns up to limit claimable task rows matching the
// filter, ordered by (priority ASC, created_at ASC).
func (s *SQLiteStore) SelectCandidates(f ClaimFilter, limit int) ([]*types.Task, error) {
	q := `SELECT * FROM tasks WHERE state = 'QUEUED'`
	args := []any{}
	if f.Shard != "" {
		// Null-shard tasks are routable to any worker.
		q += ` AND (shard = ? OR shard IS NULL)`
		args = append(args, f.Shard)
	}
	if f.Type != "" {
		q += ` AND type LIKE ?`
		args = append(args, f.Type+"%")
	}
	if f.Model != "" {
		q += ` AND assigned_model = ?`
		args = append(args, f.Model)
	}
	q += ` ORDER BY priority, created_at LIMIT ?`
	args = append(args, limit)

	var rows []taskRow
	if err := s.db.Select(&rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}
	return rowsToTasks(rows)
}

// ClaimTask atomically transitions a task from QUEUED to RUNNING for the
// given worker. Returns ErrClaimLost when another worker won the race.
func (s *SQLiteStore) ClaimTask(taskID, workerID string) error {
	now := time.Now().UTC()
	return s.inTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks
			   SET state = 'RUNNING', worker_id = ?,
			       started_at = ?, heartbeat_at = ?, last_activity_at = ?, updated_at = ?
			 WHERE id = ? AND state = 'QUEUED'`,
			workerID, now, now, now, now, taskID)
		if err != nil {
			return fmt.Errorf("claim update failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrClaimLost
		}
		return insertEventTx(tx, &types.Event{
			Type:   types.EventTaskClaimed,
			TaskID: taskID,
			Actor:  workerID,
			Payload: map[string]any{
				"worker_id": workerID,
			},
		})
	})
}

// allowedStateTransitions captures the queue-state machine. Claims go through
// ClaimTask, requeues through RequeueTask; Transition covers the rest.
var allowedStateTransitions = map[types.TaskState][]types.TaskState{
	types.TaskStateQueued:   {types.TaskStateRunning, types.TaskStateFailed},
	types.TaskStateRunning:  {types.TaskStateApproved, types.TaskStateRejected, types.TaskStateFailed, types.TaskStateQueued},
	types.TaskStateApproved: {types.TaskStateComplete},
	types.TaskStateRejected: {types.TaskStateQueued, types.TaskStateFailed},
}

// Transition moves a task to a new state with invariant checks, recording the
// event in the same transaction.
func (s *SQLiteStore) Transition(taskID string, to types.TaskState, reason, actor string) error {
	now := time.Now().UTC()
	return s.inTx(func(tx *sqlx.Tx) error {
		var row taskRow
		if err := tx.Get(&row, `SELECT * FROM tasks WHERE id = ?`, taskID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		from := types.TaskState(row.State)
		if !transitionAllowed(from, to) {
			return fmt.Errorf("%w: %s -> %s for task %s", ErrInvalidTransition, from, to, taskID)
		}

		q := `UPDATE tasks SET state = ?, updated_at = ?`
		args := []any{string(to), now}
		if to == types.TaskStateQueued {
			q += `, worker_id = NULL`
		}
		q += ` WHERE id = ?`
		args = append(args, taskID)
		if _, err := tx.Exec(q, args...); err != nil {
			return fmt.Errorf("transition update failed: %w", err)
		}

		return insertEventTx(tx, &types.Event{
			Type:    eventForState(to),
			TaskID:  taskID,
			Actor:   actor,
			TraceID: row.TraceID,
			Payload: map[string]any{
				"from":   string(from),
				"to":     string(to),
				"reason": reason,
			},
		})
	})
}

func transitionAllowed(from, to types.TaskState) bool {
	for _, t := range allowedStateTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func eventForState(to types.TaskState) types.EventType {
	switch to {
	case types.TaskStateApproved:
		return types.EventTaskApproved
	case types.TaskStateRejected:
		return types.EventTaskRejected
	case types.TaskStateFailed:
		return types.EventTaskFailed
	default:
		return types.EventType("TASK_" + string(to))
	}
}

// RequeueTask returns an abandoned RUNNING task to the queue in a single
// transaction: retry accounting on the task, the owning worker marked dead
// with its crash counted, and the recovery event recorded. A worker that is
// already dead keeps its crash count, so requeueing several of its tasks (or
// a crash scan that ran first) charges the respawn budget exactly once.
func (s *SQLiteStore) RequeueTask(taskID, workerID, reason string, eventType types.EventType) error {
	now := time.Now().UTC()
	return s.inTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks
			   SET state = 'QUEUED', worker_id = NULL,
			       retry_count = COALESCE(retry_count, 0) + 1, updated_at = ?
			 WHERE id = ?`, now, taskID)
		if err != nil {
			return fmt.Errorf("requeue update failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if workerID != "" {
			if _, err := tx.Exec(`
				UPDATE workers
				   SET crash_count = crash_count + CASE WHEN status != 'dead' THEN 1 ELSE 0 END,
				       status = 'dead', last_heartbeat = ?
				 WHERE id = ?`,
				now, workerID); err != nil {
				return fmt.Errorf("failed to mark worker dead: %w", err)
			}
		}

		return insertEventTx(tx, &types.Event{
			Type:   eventType,
			TaskID: taskID,
			Actor:  "recovery",
			Payload: map[string]any{
				"worker_id": workerID,
				"reason":    reason,
			},
		})
	})
}

// BumpRetry increments a task's retry counter and returns the new value.
func (s *SQLiteStore) BumpRetry(taskID string) (int, error) {
	n := 0
	err := s.inTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks SET retry_count = COALESCE(retry_count, 0) + 1, updated_at = ?
			 WHERE id = ?`, time.Now().UTC(), taskID)
		if err != nil {
			return err
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return ErrNotFound
		}
		return tx.Get(&n, `SELECT retry_count FROM tasks WHERE id = ?`, taskID)
	})
	return n, err
}

// SetRouting stamps shard, lane and model onto a newly submitted task.
func (s *SQLiteStore) SetRouting(taskID, shard string, lane types.Lane, model string, hashVer int) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET shard = ?, lane = ?, assigned_model = ?, shard_hash_ver = ?, updated_at = ?
		 WHERE id = ?`,
		shard, string(lane), model, hashVer, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to set routing for %s: %w", taskID, err)
	}
	return nil
}

// ReassignShard moves the given QUEUED tasks from one shard to another and
// records the redistribution event. Returns the number of rows moved.
func (s *SQLiteStore) ReassignShard(taskIDs []string, from, to string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	moved := 0
	err := s.inTx(func(tx *sqlx.Tx) error {
		q, args, err := sqlx.In(`
			UPDATE tasks SET shard = ?, updated_at = ?
			 WHERE id IN (?) AND state = 'QUEUED'`, to, now, taskIDs)
		if err != nil {
			return err
		}
		res, err := tx.Exec(tx.Rebind(q), args...)
		if err != nil {
			return fmt.Errorf("shard reassignment failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		moved = int(n)
		return insertEventTx(tx, &types.Event{
			Type:  types.EventShardRedistribution,
			Actor: "supervisor",
			Payload: map[string]any{
				"from":  from,
				"to":    to,
				"count": moved,
			},
		})
	})
	return moved, err
}

// CountRunningByWorker returns how many RUNNING tasks a worker currently owns.
func (s *SQLiteStore) CountRunningByWorker(workerID string) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM tasks WHERE state = 'RUNNING' AND worker_id = ?`, workerID)
	return n, err
}

// CountRunningBySubmitter returns how many RUNNING tasks a submitter owns.
func (s *SQLiteStore) CountRunningBySubmitter(submitter string) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM tasks WHERE state = 'RUNNING' AND submitter = ?`, submitter)
	return n, err
}

// CountBySubmitter returns the submitter's total non-terminal task count.
func (s *SQLiteStore) CountBySubmitter(submitter string) (int, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM tasks
		 WHERE submitter = ? AND state NOT IN ('COMPLETE', 'FAILED')`, submitter)
	return n, err
}

// SetTaskPhase advances a task's phase. Transitions must advance by exactly
// one rank, or move to BLOCKED/FAILED.
func (s *SQLiteStore) SetTaskPhase(taskID string, phase types.Phase, actor string) error {
	now := time.Now().UTC()
	return s.inTx(func(tx *sqlx.Tx) error {
		var row taskRow
		if err := tx.Get(&row, `SELECT * FROM tasks WHERE id = ?`, taskID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		from := types.Phase(row.Phase)
		if phase != types.PhaseBlocked && phase != types.PhaseFailed {
			if phase.Rank() != from.Rank()+1 {
				return fmt.Errorf("%w: %s -> %s for task %s", ErrInvalidPhase, from, phase, taskID)
			}
		}
		if _, err := tx.Exec(`UPDATE tasks SET phase = ?, updated_at = ? WHERE id = ?`,
			string(phase), now, taskID); err != nil {
			return fmt.Errorf("phase update failed: %w", err)
		}
		return insertEventTx(tx, &types.Event{
			Type:    types.EventPhaseTransition,
			TaskID:  taskID,
			Actor:   actor,
			TraceID: row.TraceID,
			Payload: map[string]any{
				"from": string(from),
				"to":   string(phase),
			},
		})
	})
}

// TouchTaskActivity bumps last_activity_at without reporting progress.
func (s *SQLiteStore) TouchTaskActivity(taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE tasks SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
		now, now, taskID)
	return err
}

// TouchTaskHeartbeat bumps heartbeat_at on the claimed task.
func (s *SQLiteStore) TouchTaskHeartbeat(taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE tasks SET heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		now, now, taskID)
	return err
}

// inTx runs fn inside an IMMEDIATE transaction (the DSN forces txlock).
func (s *SQLiteStore) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func rowsToTasks(rows []taskRow) ([]*types.Task, error) {
	tasks := make([]*types.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func insertEventTx(tx *sqlx.Tx, ev *types.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload := "{}"
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payload = string(data)
	}
	_, err := tx.Exec(`
		INSERT INTO events (id, task_id, event_type, actor, payload, trace_id, timestamp)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?)`,
		ev.ID, ev.TaskID, string(ev.Type), ev.Actor, payload, ev.TraceID, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}
