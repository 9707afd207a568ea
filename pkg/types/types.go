package types

import (
	"strings"
	"time"
)

// Task represents a unit of SDLC work flowing through the queue.
type Task struct {
	ID              string            `db:"id" json:"id"`
	Type            string            `db:"type" json:"type"`
	Priority        Priority          `db:"priority" json:"priority"`
	State           TaskState         `db:"state" json:"state"`
	Phase           Phase             `db:"phase" json:"phase"`
	Lane            Lane              `db:"lane" json:"lane"`
	Shard           string            `db:"shard" json:"shard"`
	AssignedModel   string            `db:"assigned_model" json:"assigned_model"`
	WorkerID        string            `db:"worker_id" json:"worker_id,omitempty"`
	RetryCount      int               `db:"retry_count" json:"retry_count"`
	ShardHashVer    int               `db:"shard_hash_ver" json:"shard_hash_ver"`
	ExpectedTimeout int               `db:"expected_timeout" json:"expected_timeout,omitempty"` // seconds; 0 = derive from type
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	StartedAt       time.Time         `db:"started_at" json:"started_at,omitempty"`
	HeartbeatAt     time.Time         `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	LastActivityAt  time.Time         `db:"last_activity_at" json:"last_activity_at,omitempty"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
	Metadata        map[string]string `db:"-" json:"metadata,omitempty"`
	TraceID         string            `db:"trace_id" json:"trace_id"`
}

// Submitter resolves the task submitter from metadata, falling back to the
// trace ID prefix. Returns "unknown" when neither is present.
func (t *Task) Submitter() string {
	if t.Metadata != nil {
		if s := t.Metadata["submitter"]; s != "" {
			return s
		}
		if s := t.Metadata["user_id"]; s != "" {
			return s
		}
	}
	if t.TraceID != "" {
		if i := strings.IndexByte(t.TraceID, '-'); i > 0 {
			return t.TraceID[:i]
		}
	}
	return "unknown"
}

// Priority orders tasks within a shard. Lower is more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// TaskState represents the queue state of a task.
type TaskState string

const (
	TaskStateQueued   TaskState = "QUEUED"
	TaskStateRunning  TaskState = "RUNNING"
	TaskStateApproved TaskState = "APPROVED"
	TaskStateRejected TaskState = "REJECTED"
	TaskStateFailed   TaskState = "FAILED"
	TaskStateComplete TaskState = "COMPLETE"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskState) Terminal() bool {
	return s == TaskStateFailed || s == TaskStateComplete
}

// Phase represents a step in the SDLC lifecycle.
type Phase string

const (
	PhaseBrainstorm Phase = "BRAINSTORM"
	PhaseDocument   Phase = "DOCUMENT"
	PhasePlan       Phase = "PLAN"
	PhaseExecute    Phase = "EXECUTE"
	PhaseTrack      Phase = "TRACK"
	PhaseComplete   Phase = "COMPLETE"
	PhaseBlocked    Phase = "BLOCKED"
	PhaseFailed     Phase = "FAILED"
)

// PhaseOrder is the forward progression of the lifecycle. BLOCKED and FAILED
// are reachable from any phase and have no rank.
var PhaseOrder = []Phase{
	PhaseBrainstorm,
	PhaseDocument,
	PhasePlan,
	PhaseExecute,
	PhaseTrack,
	PhaseComplete,
}

// Rank returns the position of p in the forward progression, or -1 for the
// side states.
func (p Phase) Rank() int {
	for i, ph := range PhaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Next returns the phase after p, or "" if p has no successor.
func (p Phase) Next() Phase {
	r := p.Rank()
	if r < 0 || r+1 >= len(PhaseOrder) {
		return ""
	}
	return PhaseOrder[r+1]
}

// Lane is the worker specialization dimension.
type Lane string

const (
	LaneImpl     Lane = "impl"
	LaneReview   Lane = "review"
	LaneAnalysis Lane = "analysis"
)

// Lanes lists every specialization the supervisor maintains slots for.
var Lanes = []Lane{LaneImpl, LaneReview, LaneAnalysis}

// Worker represents a registered worker process.
type Worker struct {
	ID             string       `db:"id" json:"id"`
	PID            int          `db:"pid" json:"pid,omitempty"`
	Status         WorkerStatus `db:"status" json:"status"`
	Specialization Lane         `db:"specialization" json:"specialization"`
	Shard          string       `db:"shard" json:"shard"`
	Model          string       `db:"model" json:"model"`
	CrashCount     int          `db:"crash_count" json:"crash_count"`
	StartedAt      time.Time    `db:"started_at" json:"started_at"`
	LastHeartbeat  time.Time    `db:"last_heartbeat" json:"last_heartbeat"`
}

// WorkerStatus represents the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerPaused   WorkerStatus = "paused"
	WorkerStopping WorkerStatus = "stopping"
	WorkerDead     WorkerStatus = "dead"
	WorkerCrashed  WorkerStatus = "crashed"
	WorkerStale    WorkerStatus = "stale"
)

// Active reports whether the worker counts toward shard liveness.
func (s WorkerStatus) Active() bool {
	return s == WorkerStarting || s == WorkerIdle || s == WorkerBusy
}

// Heartbeat is the per-worker liveness record, upserted on every tick.
type Heartbeat struct {
	WorkerID        string       `db:"worker_id" json:"worker_id"`
	Timestamp       time.Time    `db:"timestamp" json:"timestamp"`
	Status          WorkerStatus `db:"status" json:"status"`
	TaskID          string       `db:"task_id" json:"task_id,omitempty"`
	TaskType        string       `db:"task_type" json:"task_type,omitempty"`
	ProgressPercent int          `db:"progress_percent" json:"progress_percent"`
	ExpectedTimeout int          `db:"expected_timeout" json:"expected_timeout"` // seconds
	LastActivityAt  time.Time    `db:"last_activity_at" json:"last_activity_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// Event is one line of the append-only history.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
}

// EventType tags an event line.
type EventType string

const (
	EventTaskSubmitted        EventType = "TASK_SUBMITTED"
	EventTaskClaimed          EventType = "TASK_CLAIMED"
	EventTaskRecovered        EventType = "TASK_RECOVERED"
	EventTaskApproved         EventType = "TASK_APPROVED"
	EventTaskRejected         EventType = "TASK_REJECTED"
	EventTaskFailed           EventType = "TASK_FAILED"
	EventZombieRecovery       EventType = "ZOMBIE_RECOVERY"
	EventWorkerRegistered     EventType = "WORKER_REGISTERED"
	EventWorkerCrashDetected  EventType = "WORKER_CRASH_DETECTED"
	EventWorkerRespawned      EventType = "WORKER_RESPAWNED"
	EventShardRedistribution  EventType = "SHARD_REDISTRIBUTION"
	EventPhaseTransition      EventType = "PHASE_TRANSITION"
	EventGateResult           EventType = "GATE_RESULT"
	EventBreakerStateChange   EventType = "BREAKER_STATE_CHANGE"
	EventPendingSyncReconcile EventType = "PENDING_SYNC_RECONCILED"
)

// BreakerState is the circuit state of one backend family.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Artifact is a file produced and registered for a phase of a task.
type Artifact struct {
	TaskID     string       `db:"task_id" json:"task_id"`
	Phase      Phase        `db:"phase" json:"phase"`
	Path       string       `db:"path" json:"path"`
	Type       ArtifactType `db:"type" json:"type"`
	Checksum   string       `db:"checksum" json:"checksum"`
	Size       int64        `db:"size" json:"size"`
	VerifiedAt time.Time    `db:"verified_at" json:"verified_at"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}

// ArtifactType classifies a registered artifact.
type ArtifactType string

const (
	ArtifactDocument ArtifactType = "document"
	ArtifactCode     ArtifactType = "code"
	ArtifactTest     ArtifactType = "test"
	ArtifactConfig   ArtifactType = "config"
	ArtifactOther    ArtifactType = "other"
)

// HealthState classifies a component's health by heartbeat age.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ShardHealth is the recorded health of one shard.
type ShardHealth struct {
	Component string      `db:"component" json:"component"`
	Status    HealthState `db:"status" json:"status"`
	Details   string      `db:"details" json:"details,omitempty"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// PendingSync records a state transition that reached the filesystem but not
// the database. The recovery reconciler replays it until it applies.
type PendingSync struct {
	TaskID    string    `json:"task_id"`
	State     TaskState `json:"state"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	TraceID   string    `json:"trace_id"`
	CreatedAt time.Time `json:"created_at"`
}
