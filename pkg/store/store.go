package store

import (
	"errors"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound          = errors.New("not found")
	ErrClaimLost         = errors.New("claim lost")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidPhase      = errors.New("invalid phase transition")
)

// ClaimFilter narrows the candidate scan for a claim attempt.
type ClaimFilter struct {
	Shard string // empty = any shard
	Type  string // case-normalized prefix; empty = any type
	Model string // empty = any model
}

// Store defines the interface for orchestrator state storage, implemented by
// the SQLite-backed store.
type Store interface {
	// Tasks
	CreateTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasksByState(state types.TaskState) ([]*types.Task, error)
	ListQueuedByShard(shard string) ([]*types.Task, error)
	CountByStateAndShard() (map[types.TaskState]map[string]int, error)
	SelectCandidates(f ClaimFilter, limit int) ([]*types.Task, error)
	ClaimTask(taskID, workerID string) error
	Transition(taskID string, to types.TaskState, reason, actor string) error
	RequeueTask(taskID, workerID, reason string, eventType types.EventType) error
	BumpRetry(taskID string) (int, error)
	SetRouting(taskID, shard string, lane types.Lane, model string, hashVer int) error
	ReassignShard(taskIDs []string, from, to string) (int, error)
	CountRunningByWorker(workerID string) (int, error)
	CountRunningBySubmitter(submitter string) (int, error)
	CountBySubmitter(submitter string) (int, error)
	SetTaskPhase(taskID string, phase types.Phase, actor string) error
	TouchTaskActivity(taskID string) error
	TouchTaskHeartbeat(taskID string) error

	// Workers
	UpsertWorker(w *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	ListWorkersByShard(shard string) ([]*types.Worker, error)
	SetWorkerStatus(id string, status types.WorkerStatus) error
	MarkWorkerDead(id string) error

	// Heartbeats
	UpsertHeartbeat(hb *types.Heartbeat) error
	TouchWorkerActivity(workerID string) error
	GetHeartbeat(workerID string) (*types.Heartbeat, error)

	// Artifacts
	UpsertArtifact(a *types.Artifact) error
	ListArtifacts(taskID string, phase types.Phase) ([]*types.Artifact, error)

	// Shard health
	UpsertShardHealth(component string, status types.HealthState, details string) error
	ListShardHealth() ([]*types.ShardHealth, error)

	// Events (mirrored in the DB so emission is transactional with the state
	// change it describes; the JSONL log is appended separately)
	InsertEvent(ev *types.Event) error
	ListEvents(taskID string, since time.Time, limit int) ([]*types.Event, error)

	// Utility
	Close() error
}
