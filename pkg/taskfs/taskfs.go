package taskfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// Dir names under the tasks root. A task file moves between these by rename,
// which is atomic on a single filesystem.
const (
	DirQueue     = "queue"
	DirRunning   = "running"
	DirReview    = "review"
	DirApproved  = "approved"
	DirRejected  = "rejected"
	DirFailed    = "failed"
	DirCompleted = "completed"
	DirHistory   = "history"
)

// Layout manages the task-file directory tree and pending-sync markers.
type Layout struct {
	tasksDir   string
	pendingDir string
	logger     zerolog.Logger
}

// New creates a Layout rooted at tasksDir with pending-sync markers in
// pendingDir. Directories must already exist (config.EnsureLayout).
func New(tasksDir, pendingDir string) *Layout {
	return &Layout{
		tasksDir:   tasksDir,
		pendingDir: pendingDir,
		logger:     log.Component("taskfs"),
	}
}

// Path returns the task file path inside the given state directory.
func (l *Layout) Path(dir, taskID string) string {
	return filepath.Join(l.tasksDir, dir, taskID+".md")
}

// LockDirPath returns the sentinel lock directory marking active execution.
func (l *Layout) LockDirPath(taskID string) string {
	return filepath.Join(l.tasksDir, DirRunning, taskID+".md.lock.d")
}

// WriteTaskFile creates the task markdown body in queue/. The body is opaque;
// identity and routing live in the database.
func (l *Layout) WriteTaskFile(taskID, body string) error {
	path := l.Path(DirQueue, taskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish task file: %w", err)
	}
	return nil
}

// Move relocates a task file between state directories by rename. Missing
// source is not an error when the destination already holds the file
// (a previous move that half-completed).
func (l *Layout) Move(taskID, from, to string) error {
	src := l.Path(from, taskID)
	dst := l.Path(to, taskID)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(dst); statErr == nil {
				return nil
			}
		}
		return fmt.Errorf("failed to move task %s from %s to %s: %w", taskID, from, to, err)
	}
	return nil
}

// AcquireLock creates the per-task lock directory. Mkdir is atomic: exactly
// one caller wins.
func (l *Layout) AcquireLock(taskID string) error {
	if err := os.Mkdir(l.LockDirPath(taskID), 0o755); err != nil {
		return fmt.Errorf("failed to acquire task lock for %s: %w", taskID, err)
	}
	return nil
}

// ReleaseLock removes the lock directory. Releasing an absent lock is a no-op.
func (l *Layout) ReleaseLock(taskID string) error {
	err := os.Remove(l.LockDirPath(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release task lock for %s: %w", taskID, err)
	}
	return nil
}

// ArchiveHistory copies the task file into history/<task>/ with a timestamped
// name, preserving each attempt.
func (l *Layout) ArchiveHistory(taskID, fromDir string) error {
	src := l.Path(fromDir, taskID)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read task file for history: %w", err)
	}
	dir := filepath.Join(l.tasksDir, DirHistory, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.md", taskID, time.Now().UTC().Format("20060102T150405"))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to archive task file: %w", err)
	}
	return nil
}

// WritePendingSync atomically records a state transition that reached the
// filesystem but failed to apply to the database. Temp-file-then-rename so a
// crash never leaves a torn marker.
func (l *Layout) WritePendingSync(ps *types.PendingSync) error {
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("failed to marshal pending-sync marker: %w", err)
	}
	path := filepath.Join(l.pendingDir, ps.TaskID+".pending")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pending-sync marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish pending-sync marker: %w", err)
	}
	l.logger.Warn().Str("task_id", ps.TaskID).Str("state", string(ps.State)).
		Msg("Wrote pending-sync marker for deferred DB reconciliation")
	return nil
}

// ListPendingSync reads every marker currently awaiting reconciliation.
// Malformed markers are skipped with a warning.
func (l *Layout) ListPendingSync() ([]*types.PendingSync, error) {
	entries, err := os.ReadDir(l.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending-sync directory: %w", err)
	}
	var out []*types.PendingSync
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pending") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.pendingDir, e.Name()))
		if err != nil {
			l.logger.Warn().Str("marker", e.Name()).Err(err).Msg("Failed to read pending-sync marker")
			continue
		}
		var ps types.PendingSync
		if err := json.Unmarshal(data, &ps); err != nil {
			l.logger.Warn().Str("marker", e.Name()).Err(err).Msg("Skipping malformed pending-sync marker")
			continue
		}
		out = append(out, &ps)
	}
	return out, nil
}

// ClearPendingSync removes a reconciled marker.
func (l *Layout) ClearPendingSync(taskID string) error {
	err := os.Remove(filepath.Join(l.pendingDir, taskID+".pending"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear pending-sync marker for %s: %w", taskID, err)
	}
	return nil
}

// PendingDir exposes the marker directory for watchers.
func (l *Layout) PendingDir() string {
	return l.pendingDir
}

// DirFor maps a task state to its task-file directory.
func DirFor(state types.TaskState) string {
	switch state {
	case types.TaskStateQueued:
		return DirQueue
	case types.TaskStateRunning:
		return DirRunning
	case types.TaskStateApproved:
		return DirApproved
	case types.TaskStateRejected:
		return DirRejected
	case types.TaskStateFailed:
		return DirFailed
	case types.TaskStateComplete:
		return DirCompleted
	default:
		return DirQueue
	}
}
